package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/middleware"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/services"
)

// GetDonationHandler 仪表盘按订单号查询捐款、明信片及状态历史（限本主体）
func GetDonationHandler(c *gin.Context) {
	account := middleware.GetAccount(c)
	if account == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	orderNumber := c.Param("orderNumber")

	donation, err := db.GetDonationByOrderNumber(db.DB, orderNumber, account.EntityID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	resp := gin.H{
		"donationId":  donation.ID,
		"orderNumber": donation.OrderNumber,
		"entityId":    donation.EntityID,
		"amountCents": donation.AmountCents,
		"donorName":   donation.DonorFirstName + " " + donation.DonorLastName,
		"donatedAt":   donation.DonatedAt,
		"createdAt":   donation.CreatedAt,
	}

	postcard, err := db.GetLatestPostcardByDonationID(db.DB, donation.ID)
	if err == nil {
		events, _ := db.GetPostcardEvents(db.DB, postcard.ID)
		history := make([]gin.H, 0, len(events))
		for _, e := range events {
			history = append(history, gin.H{
				"status":    e.Status,
				"details":   e.Details,
				"createdAt": e.CreatedAt,
			})
		}
		resp["postcard"] = gin.H{
			"id":           postcard.ID,
			"status":       postcard.Status,
			"vendorId":     postcard.VendorPostcardID,
			"vendorUrl":    postcard.VendorURL,
			"errorMessage": postcard.ErrorMessage,
			"events":       history,
		}
	}

	c.JSON(http.StatusOK, resp)
}

type topupRequest struct {
	AmountCents int64  `json:"amountCents" binding:"required"`
	Description string `json:"description"`
}

// TopupHandler 余额充值入账（checkout 流程完成后的落地点）
func TopupHandler(c *gin.Context) {
	account := middleware.GetAccount(c)
	if account == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amountCents must be positive"})
		return
	}

	description := req.Description
	if description == "" {
		description = "Balance top-up"
	}

	if err := services.TopupBalance(db.DB, account.EntityID, req.AmountCents, description); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "topup failed"})
		return
	}

	entity, err := db.GetEntityByEntityID(db.DB, account.EntityID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"balanceCents": entity.BalanceCents,
	})
}
