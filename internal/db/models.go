package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 订阅套餐
const (
	TierPayAsYouGo    = "pay_as_you_go"
	TierProStarter    = "pro_starter"
	TierProGrow       = "pro_grow"
	TierProScale      = "pro_scale"
	TierAgencyStarter = "agency_starter"
	TierAgencyGrow    = "agency_grow"
	TierAgencyScale   = "agency_scale"
)

// 明信片状态机：
// processed -> {mailed, failed}
// mailed -> in_transit -> in_local_area -> processed_for_delivery -> delivered
// 在途任意状态可转为 returned_to_sender 或 re_routed
const (
	PostcardStatusProcessed            = "processed"
	PostcardStatusFailed               = "failed"
	PostcardStatusMailed               = "mailed"
	PostcardStatusInTransit            = "in_transit"
	PostcardStatusInLocalArea          = "in_local_area"
	PostcardStatusProcessedForDelivery = "processed_for_delivery"
	PostcardStatusDelivered            = "delivered"
	PostcardStatusReturnedToSender     = "returned_to_sender"
	PostcardStatusReRouted             = "re_routed"
)

// 账单交易类型
const (
	TxnTypeDeduction = "postcard_deduction"
	TxnTypeRefund    = "refund"
	TxnTypeTopup     = "topup"
)

// Webhook 事件处理状态
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusError     = "error"
)

// Entity 计费与品牌主体（对应一个 ActBlue 委员会）
type Entity struct {
	gorm.Model
	EntityID      int64  `gorm:"uniqueIndex"` // ActBlue entity ID
	CommitteeName string `gorm:"size:255"`
	Tier          string `gorm:"size:20;default:'pay_as_you_go'"`
	BalanceCents  int64  // 余额（美分），只允许带条件的 UPDATE 修改，禁止读后写
	// 明信片设计资源
	FrontImageURL   string `gorm:"size:500"`
	BackMessage     string `gorm:"type:text"`
	Disclaimer      string `gorm:"size:500"`
	StreetAddress   string `gorm:"size:255"`
	City            string `gorm:"size:100"`
	State           string `gorm:"size:10"`
	PostalCode      string `gorm:"size:20"`
	BrandingEnabled bool   `gorm:"default:true"` // 付费套餐可关闭底部品牌标识
}

// Account 用户与 Entity 的关联（多个用户可共享同一 Entity），本服务只读
type Account struct {
	gorm.Model
	ProfileID string `gorm:"size:64;index"`
	EntityID  int64  `gorm:"index"`
	APIToken  string `gorm:"uniqueIndex;size:64"` // 手动重发接口的鉴权令牌
}

// Donation 捐款记录，(order_number, entity_id) 唯一索引是幂等边界
type Donation struct {
	gorm.Model
	OrderNumber string `gorm:"uniqueIndex:idx_order_entity;size:100"` // ActBlue orderNumber
	EntityID    int64  `gorm:"uniqueIndex:idx_order_entity"`
	AmountCents int64
	// 捐款人快照（手动改地址除外，不再变更）
	DonorFirstName string `gorm:"size:100"`
	DonorLastName  string `gorm:"size:100"`
	DonorEmail     string `gorm:"size:255"`
	DonorAddr1     string `gorm:"size:255"`
	DonorAddr2     string `gorm:"size:255"`
	DonorCity      string `gorm:"size:100"`
	DonorState     string `gorm:"size:10"`
	DonorZip       string `gorm:"size:20"`
	DonatedAt      time.Time
}

// Postcard 与 Donation 一对一；手动重发在原行上更新，不新增行
type Postcard struct {
	gorm.Model
	DonationID       uint   `gorm:"uniqueIndex"`
	Status           string `gorm:"size:30;default:'processed'"`
	VendorPostcardID string `gorm:"index;size:64"` // Lob 资源 ID
	VendorURL        string `gorm:"size:500"`
	ErrorMessage     string `gorm:"size:1000"`
	// 发送时的设计快照
	FrontImageURL string `gorm:"size:500"`
	BackMessage   string `gorm:"type:text"`
}

// PostcardEvent 状态流转历史，只追加不修改
type PostcardEvent struct {
	gorm.Model
	PostcardID uint   `gorm:"index"`
	Status     string `gorm:"size:30"`
	Details    string `gorm:"size:500"`
}

// BillingTransaction 账单流水，只追加；金额带符号（扣费为负、退款为正）
// 每条流水与一次余额变动一一对应
type BillingTransaction struct {
	gorm.Model
	EntityID    int64  `gorm:"index"`
	AmountCents int64  // 带符号金额（美分）
	Type        string `gorm:"size:30"`
	Description string `gorm:"size:500"`
}

// WebhookEvent 原始 webhook 审计记录，解析前先落库，便于排查畸形报文
type WebhookEvent struct {
	gorm.Model
	Payload      datatypes.JSON
	Status       string `gorm:"size:20;default:'received'"`
	EntityID     int64  `gorm:"index"` // 解析成功后回填首个命中的 entity
	Total        int
	Failures     int
	ErrorMessage string `gorm:"size:1000"`
}
