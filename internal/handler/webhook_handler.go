package handler

import (
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/middleware"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/models"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/services"
)

// ActBlueWebhookHandler 捐款 webhook 入口。
// 原始报文先落审计表再解析；畸形报文回 400（终态，发送方不应重试），
// 基础设施抖动回 500 让发送方整批重试，其余一律 200 带各项目结果计数。
func ActBlueWebhookHandler(c *gin.Context) {
	if db.DB == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	// 审计记录先行，后续任何失败都能追溯到原始报文
	event := &db.WebhookEvent{Payload: datatypes.JSON(raw), Status: db.WebhookStatusReceived}
	if err := db.SaveWebhookEvent(db.DB, event); err != nil {
		log.Printf("[ERROR] 保存 webhook 审计记录失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist webhook event"})
		return
	}

	log.Printf("[DEBUG] 收到 webhook 投递 request_id=%s event=%d", middleware.GetRequestID(c), event.ID)

	webhook, missing, err := models.NormalizeWebhook(raw)
	if err != nil {
		markWebhookEventError(event.ID, "invalid JSON: "+err.Error())
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}
	if len(missing) > 0 {
		// 缺必填字段属于终态错误，报文不会自己长出字段来
		log.Printf("[WARN] webhook 报文缺少必填字段: %v", missing)
		markWebhookEventError(event.ID, "missing required fields")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid Payload Structure",
			"missing": missing,
		})
		return
	}

	outcomes := services.ProcessLineItems(db.DB, webhook, event.ID)

	total := len(outcomes)
	processed := 0
	failures := 0
	var transientErr error
	for _, outcome := range outcomes {
		if outcome.Success {
			processed++
			continue
		}
		if outcome.Duplicate {
			// 重复投递已自动补偿，不计入失败
			continue
		}
		failures++
		if transientErr == nil && services.IsTransientError(outcome.Err) {
			transientErr = outcome.Err
		}
	}

	if transientErr != nil {
		// 基础设施问题：让发送方重试整批（幂等边界保证重试安全）
		log.Printf("[ERROR] webhook 处理遇到可重试错误: %v", transientErr)
		if err := db.UpdateWebhookEventStatus(db.DB, event.ID, db.WebhookStatusError, total, failures, transientErr.Error()); err != nil {
			log.Printf("[ERROR] 回写 webhook 审计状态失败: %v", err)
		}
		c.JSON(http.StatusInternalServerError, models.WebhookResponse{
			Success: false, Processed: processed, Total: total, Failures: failures,
		})
		return
	}

	if err := db.UpdateWebhookEventStatus(db.DB, event.ID, db.WebhookStatusProcessed, total, failures, ""); err != nil {
		log.Printf("[ERROR] 回写 webhook 审计状态失败: %v", err)
	}

	c.JSON(http.StatusOK, models.WebhookResponse{
		Success:   failures == 0,
		Processed: processed,
		Total:     total,
		Failures:  failures,
	})
}

func markWebhookEventError(eventID uint, msg string) {
	if err := db.UpdateWebhookEventStatus(db.DB, eventID, db.WebhookStatusError, 0, 0, msg); err != nil {
		log.Printf("[ERROR] 回写 webhook 审计状态失败: %v", err)
	}
}
