package handler

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/middleware"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/models"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/services"
	"github.com/kampeynco/thank-donors-mvp-sub000/utils"
)

// RetryPostcardHandler 手动重发一张失败/被退回的明信片。
// 按当前套餐与余额重新计价扣款，复用原 Postcard 行（捐款与明信片保持一对一），
// 只追加新的历史事件。
func RetryPostcardHandler(c *gin.Context) {
	account := middleware.GetAccount(c)
	if account == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	var req models.RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "donationId is required"})
		return
	}

	donation, err := db.GetDonationByID(db.DB, req.DonationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	// 归属校验：只能重发自己主体下的捐款
	if donation.EntityID != account.EntityID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Donation not owned by caller"})
		return
	}

	// 可选：先修正收件地址再重发
	if req.Address != nil {
		if err := db.UpdateDonationAddress(db.DB, donation.ID, req.Address.Street, req.Address.City, req.Address.State, req.Address.Zip); err != nil {
			log.Printf("[ERROR] 重发前更新地址失败: %v", err)
		} else {
			donation.DonorAddr1 = req.Address.Street
			donation.DonorCity = req.Address.City
			donation.DonorState = req.Address.State
			donation.DonorZip = req.Address.Zip
		}
	}

	entity, err := db.GetEntityByEntityID(db.DB, donation.EntityID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Linked entity not found"})
		return
	}

	postcard, err := db.GetLatestPostcardByDonationID(db.DB, donation.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Postcard record not found"})
		return
	}

	if !services.CanRetry(postcard.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Cannot retry postcard with status: %s", postcard.Status)})
		return
	}

	// 重发按重发时点计价，不沿用原发送价格
	price := services.ResolvePrice(db.DB, entity)
	chargeDesc := fmt.Sprintf("Postcard RETRY for donor %s %s", donation.DonorFirstName, donation.DonorLastName)
	if err := services.ChargePostcard(db.DB, entity, price, chargeDesc); err != nil {
		if errors.Is(err, services.ErrInsufficientBalance) {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "Insufficient balance to retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "charge failed"})
		return
	}

	donor := models.NormalizedDonor{
		FirstName:   donation.DonorFirstName,
		LastName:    donation.DonorLastName,
		Email:       donation.DonorEmail,
		Addr1:       donation.DonorAddr1,
		Addr2:       donation.DonorAddr2,
		City:        donation.DonorCity,
		State:       donation.DonorState,
		Zip:         donation.DonorZip,
		AmountCents: donation.AmountCents,
	}

	donatedAt := donation.DonatedAt
	if donatedAt.IsZero() {
		donatedAt = donation.CreatedAt
	}

	lobResult := services.SendPostcard(entity, donor, utils.FormatPostcardDate(donatedAt))

	if !lobResult.Success {
		if cerr := services.Compensate(db.DB, entity.EntityID, price, "Refund: Mailing service error"); cerr != nil {
			log.Printf("[ERROR] 重发失败退款失败: %v", cerr)
		}
	}

	// 原行更新，不新增 Postcard
	status := db.PostcardStatusProcessed
	details := "Postcard successfully retried and sent to Lob.com"
	if !lobResult.Success {
		status = db.PostcardStatusFailed
		details = "Retry failed: " + lobResult.Error
	}
	postcard.Status = status
	postcard.VendorPostcardID = lobResult.VendorID
	postcard.VendorURL = lobResult.URL
	postcard.ErrorMessage = lobResult.Error
	if err := db.SavePostcard(db.DB, postcard); err != nil {
		// 卡的发送/退款已经发生，但库里还是旧状态：必须让调用方知道记录已过期
		log.Printf("[ERROR] 更新明信片记录失败 (postcard=%d vendor=%s): %v", postcard.ID, lobResult.VendorID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update postcard record"})
		return
	}

	if err := db.SavePostcardEvent(db.DB, &db.PostcardEvent{PostcardID: postcard.ID, Status: status, Details: details}); err != nil {
		log.Printf("[ERROR] 保存重发事件失败: %v", err)
	}

	c.JSON(http.StatusOK, models.RetryResponse{
		Success:  lobResult.Success,
		Status:   status,
		VendorID: lobResult.VendorID,
		Error:    lobResult.Error,
	})
}
