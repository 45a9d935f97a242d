package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/models"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/services"
)

// LobCallbackHandler Lob 状态回调。
// 不认识的事件类型和找不到的明信片都回 200 —— 对 Lob 来说这类回调重试没有意义
func LobCallbackHandler(c *gin.Context) {
	var payload models.LobCallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	log.Printf("[DEBUG] 收到 Lob 回调: %s", payload.EventTypeID)

	status, details, ok := services.MapCallbackEvent(payload.EventTypeID)
	if !ok {
		log.Printf("[DEBUG] 忽略事件类型: %s", payload.EventTypeID)
		c.JSON(http.StatusOK, gin.H{"message": "Ignored event type"})
		return
	}

	if payload.Body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No resource ID found"})
		return
	}

	if err := services.ApplyCallback(db.DB, payload.Body.ID, status, details); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 本库没有这张卡（可能是别的环境发出的），照样确认收到
			log.Printf("[WARN] 未找到 Lob ID 为 %s 的明信片", payload.Body.ID)
			c.JSON(http.StatusOK, gin.H{"message": "Postcard not found in DB"})
			return
		}
		log.Printf("[ERROR] 应用 Lob 回调失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply callback"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
