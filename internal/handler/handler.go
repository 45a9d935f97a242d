package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/middleware"
)

func RegisterRoutes(r *gin.Engine) {
	// 入站 webhook（ActBlue 捐款、Lob 状态回调）
	r.POST("/webhook/actblue", ActBlueWebhookHandler)
	r.POST("/webhook/lob", LobCallbackHandler)

	// 探针
	r.GET("/healthz", HealthzHandler)
	r.GET("/readyz", ReadinessHandler)

	// 需要账号令牌的接口（仪表盘/手动操作）
	authed := r.Group("/", middleware.AccountAuth())
	authed.POST("/postcards/retry", RetryPostcardHandler)
	authed.POST("/billing/topup", TopupHandler)
	authed.GET("/donations/:orderNumber", GetDonationHandler)
}
