package db

import (
	"time"

	"gorm.io/gorm"
)

var DB *gorm.DB // 在 main 中赋值

// AutoMigrate 建表/更新表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Entity{},
		&Account{},
		&Donation{},
		&Postcard{},
		&PostcardEvent{},
		&BillingTransaction{},
		&WebhookEvent{},
	)
}

// 根据 ActBlue entity ID 查询主体
func GetEntityByEntityID(db *gorm.DB, entityID int64) (*Entity, error) {
	var entity Entity
	err := db.Where("entity_id = ?", entityID).First(&entity).Error
	return &entity, err
}

// DeductEntityBalance 条件扣款（compare-and-swap）：
// UPDATE entities SET balance_cents = balance_cents - ? WHERE entity_id = ? AND balance_cents >= ?
// 返回是否扣款成功；影响 0 行说明余额不足（或被并发扣款抢先）
func DeductEntityBalance(db *gorm.DB, entityID int64, priceCents int64) (bool, error) {
	res := db.Model(&Entity{}).
		Where("entity_id = ? AND balance_cents >= ?", entityID, priceCents).
		UpdateColumn("balance_cents", gorm.Expr("balance_cents - ?", priceCents))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IncrementEntityBalance 补偿加款，必须显式指定 entity_id（退款只能退到被扣款的主体）
func IncrementEntityBalance(db *gorm.DB, entityID int64, amountCents int64) error {
	return db.Model(&Entity{}).
		Where("entity_id = ?", entityID).
		UpdateColumn("balance_cents", gorm.Expr("balance_cents + ?", amountCents)).Error
}

// 保存账单流水
func SaveBillingTransaction(db *gorm.DB, txn *BillingTransaction) error {
	return db.Create(txn).Error
}

// 保存捐款记录；(order_number, entity_id) 冲突时返回 gorm.ErrDuplicatedKey
func SaveDonation(db *gorm.DB, donation *Donation) error {
	return db.Create(donation).Error
}

func GetDonationByID(db *gorm.DB, id uint) (*Donation, error) {
	var donation Donation
	err := db.First(&donation, id).Error
	return &donation, err
}

// 根据订单号与主体查询捐款（仪表盘查询用）
func GetDonationByOrderNumber(db *gorm.DB, orderNumber string, entityID int64) (*Donation, error) {
	var donation Donation
	err := db.Where("order_number = ? AND entity_id = ?", orderNumber, entityID).First(&donation).Error
	return &donation, err
}

// UpdateDonationAddress 手动重发前修正收件地址
func UpdateDonationAddress(db *gorm.DB, donationID uint, addr1, city, state, zip string) error {
	return db.Model(&Donation{}).Where("id = ?", donationID).Updates(map[string]interface{}{
		"donor_addr1": addr1,
		"donor_city":  city,
		"donor_state": state,
		"donor_zip":   zip,
	}).Error
}

// 保存/更新明信片（重发走更新，不新增行）
func SavePostcard(db *gorm.DB, postcard *Postcard) error {
	return db.Save(postcard).Error
}

// 取捐款对应的最新明信片
func GetLatestPostcardByDonationID(db *gorm.DB, donationID uint) (*Postcard, error) {
	var postcard Postcard
	err := db.Where("donation_id = ?", donationID).Order("created_at DESC").First(&postcard).Error
	return &postcard, err
}

// 根据 Lob 资源 ID 查询明信片（状态回调用）
func GetPostcardByVendorID(db *gorm.DB, vendorID string) (*Postcard, error) {
	var postcard Postcard
	err := db.Where("vendor_postcard_id = ?", vendorID).First(&postcard).Error
	return &postcard, err
}

// 追加状态事件
func SavePostcardEvent(db *gorm.DB, event *PostcardEvent) error {
	return db.Create(event).Error
}

func GetPostcardEvents(db *gorm.DB, postcardID uint) ([]PostcardEvent, error) {
	var events []PostcardEvent
	err := db.Where("postcard_id = ?", postcardID).Order("created_at ASC").Find(&events).Error
	return events, err
}

// CountPostcardsForEntitySince 统计主体自某时刻起的明信片数量（当月用量，判断超额计价）
func CountPostcardsForEntitySince(db *gorm.DB, entityID int64, since time.Time) (int64, error) {
	var count int64
	err := db.Model(&Postcard{}).
		Joins("JOIN donations ON donations.id = postcards.donation_id").
		Where("donations.entity_id = ? AND postcards.created_at >= ?", entityID, since).
		Count(&count).Error
	return count, err
}

// 保存原始 webhook 审计记录
func SaveWebhookEvent(db *gorm.DB, event *WebhookEvent) error {
	return db.Create(event).Error
}

// UpdateWebhookEventStatus 处理完成后回写审计状态与失败计数
func UpdateWebhookEventStatus(db *gorm.DB, eventID uint, status string, total, failures int, errMsg string) error {
	return db.Model(&WebhookEvent{}).Where("id = ?", eventID).Updates(map[string]interface{}{
		"status":        status,
		"total":         total,
		"failures":      failures,
		"error_message": errMsg,
	}).Error
}

// LinkWebhookEventEntity 回填审计记录命中的主体
func LinkWebhookEventEntity(db *gorm.DB, eventID uint, entityID int64) error {
	return db.Model(&WebhookEvent{}).Where("id = ?", eventID).Update("entity_id", entityID).Error
}

// 根据 API 令牌查询账号（手动重发鉴权）
func GetAccountByToken(db *gorm.DB, token string) (*Account, error) {
	var account Account
	err := db.Where("api_token = ?", token).First(&account).Error
	return &account, err
}
