package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/models"
	"github.com/kampeynco/thank-donors-mvp-sub000/utils"
)

// 行项目分批大小：批内并发、批间串行，对 Lob 和数据库形成简单背压
const lineItemBatchSize = 5

// LineItemOutcome 单个行项目的处理结果；各项目彼此独立，单个失败不影响同批其他项目
type LineItemOutcome struct {
	EntityID  int64
	Success   bool
	Duplicate bool   // 重复投递，已自动退款，属预期结果而非错误
	Error     string // 失败原因（展示给 webhook 响应/审计）
	Err       error  // 底层错误，供传输层判定是否值得对方重试
}

// ProcessLineItem 处理一个行项目：定价扣款 -> 写捐款（幂等边界）-> 发卡 -> 落明信片与事件。
// 任何一步失败都把钱补偿回去，发卡失败仍然落一条 failed 明信片，供手动重发。
func ProcessLineItem(dbConn *gorm.DB, webhook *models.NormalizedWebhook, item models.LineItem, eventID uint) LineItemOutcome {
	entityID := item.ResolveEntityID()
	if entityID == 0 {
		return LineItemOutcome{Error: "invalid entityId in line item"}
	}

	log.Printf("[DEBUG] 处理行项目 entity=%d order=%s", entityID, webhook.OrderNumber)

	entity, err := db.GetEntityByEntityID(dbConn, entityID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 未注册的委员会，跳过该行项目即可
			log.Printf("[WARN] entity %d 未注册，跳过该行项目", entityID)
			return LineItemOutcome{EntityID: entityID, Error: fmt.Sprintf("Entity not found: %d", entityID)}
		}
		return LineItemOutcome{EntityID: entityID, Error: "system error", Err: err}
	}

	// 回填审计记录命中的主体（尽力而为）
	if eventID != 0 {
		if err := db.LinkWebhookEventEntity(dbConn, eventID, entityID); err != nil {
			log.Printf("[WARN] 回填 webhook 审计记录失败: %v", err)
		}
	}

	donor := models.NormalizeDonor(webhook.Donor, item.ResolveAmountCents())

	price := ResolvePrice(dbConn, entity)
	chargeDesc := fmt.Sprintf("Postcard for donor: %s", donor.FullName())
	if err := ChargePostcard(dbConn, entity, price, chargeDesc); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			utils.DefaultLogger.Warn("entity %d 余额不足（需 %d 美分），该行项目终态失败", entityID, price)
			return LineItemOutcome{EntityID: entityID, Error: "Insufficient balance"}
		}
		return LineItemOutcome{EntityID: entityID, Error: "system error", Err: err}
	}

	donation := &db.Donation{
		OrderNumber:    webhook.OrderNumber,
		EntityID:       entityID,
		AmountCents:    donor.AmountCents,
		DonorFirstName: donor.FirstName,
		DonorLastName:  donor.LastName,
		DonorEmail:     donor.Email,
		DonorAddr1:     donor.Addr1,
		DonorAddr2:     donor.Addr2,
		DonorCity:      donor.City,
		DonorState:     donor.State,
		DonorZip:       donor.Zip,
		DonatedAt:      webhook.DonatedAt,
	}

	if err := db.SaveDonation(dbConn, donation); err != nil {
		if isDuplicateKeyError(err) {
			// at-least-once 投递的预期结果：把扣掉的钱原路退回，不再发卡
			log.Printf("[INFO] 重复捐款 (order=%s entity=%d)，退款并跳过", webhook.OrderNumber, entityID)
			if cerr := Compensate(dbConn, entityID, price, "Refund: Duplicate donation"); cerr != nil {
				log.Printf("[ERROR] 重复捐款退款失败: %v", cerr)
			}
			return LineItemOutcome{EntityID: entityID, Duplicate: true}
		}
		if cerr := Compensate(dbConn, entityID, price, "Refund: System error"); cerr != nil {
			log.Printf("[ERROR] 系统错误退款失败: %v", cerr)
		}
		return LineItemOutcome{EntityID: entityID, Error: "system error", Err: err}
	}

	donationDate := utils.FormatPostcardDate(webhook.DonatedAt)
	lobResult := SendPostcard(entity, donor, donationDate)

	if !lobResult.Success {
		// 发卡失败：退款，但明信片记录照常落库（failed），供仪表盘展示与手动重发
		if cerr := Compensate(dbConn, entityID, price, "Refund: Mailing service error"); cerr != nil {
			log.Printf("[ERROR] 邮寄失败退款失败: %v", cerr)
		}
	}

	status := db.PostcardStatusProcessed
	details := "Postcard successfully sent to Lob.com"
	if !lobResult.Success {
		status = db.PostcardStatusFailed
		details = "Failed to send to Lob.com: " + lobResult.Error
	}

	postcard := &db.Postcard{
		DonationID:       donation.ID,
		Status:           status,
		VendorPostcardID: lobResult.VendorID,
		VendorURL:        lobResult.URL,
		ErrorMessage:     lobResult.Error,
		FrontImageURL:    entity.FrontImageURL,
		BackMessage:      entity.BackMessage,
	}
	if err := db.SavePostcard(dbConn, postcard); err != nil {
		log.Printf("[ERROR] 保存明信片记录失败: %v", err)
		return LineItemOutcome{EntityID: entityID, Error: "system error", Err: err}
	}

	event := &db.PostcardEvent{PostcardID: postcard.ID, Status: status, Details: details}
	if err := db.SavePostcardEvent(dbConn, event); err != nil {
		log.Printf("[ERROR] 保存明信片事件失败: %v", err)
	}

	return LineItemOutcome{EntityID: entityID, Success: lobResult.Success, Error: lobResult.Error}
}

// ProcessLineItems 分批处理所有行项目：每批最多 lineItemBatchSize 个并发执行，
// 批与批之间串行。单个项目的失败只体现在自己的 outcome 里。
func ProcessLineItems(dbConn *gorm.DB, webhook *models.NormalizedWebhook, eventID uint) []LineItemOutcome {
	outcomes := make([]LineItemOutcome, len(webhook.LineItems))

	for start := 0; start < len(webhook.LineItems); start += lineItemBatchSize {
		end := start + lineItemBatchSize
		if end > len(webhook.LineItems) {
			end = len(webhook.LineItems)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				outcomes[idx] = ProcessLineItem(dbConn, webhook, webhook.LineItems[idx], eventID)
			}(i)
		}
		wg.Wait()
	}

	return outcomes
}

// isDuplicateKeyError 唯一索引冲突即重复投递。
// gorm 开 TranslateError 后统一为 ErrDuplicatedKey，字符串匹配兜底老驱动
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
