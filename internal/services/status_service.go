package services

import (
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
)

// Lob 回调的状态映射。事件类型形如 "postcard.in_transit"；
// 不认识的事件忽略即可（不是错误），认识的更新明信片并追加一条历史事件。

var callbackStatusDetails = map[string]string{
	db.PostcardStatusMailed:               "Postcard accepted by the print and mail network",
	db.PostcardStatusInTransit:            "Postcard is in transit with USPS",
	db.PostcardStatusInLocalArea:          "Postcard arrived in the destination local area",
	db.PostcardStatusProcessedForDelivery: "Postcard processed for delivery",
	db.PostcardStatusDelivered:            "Postcard delivered",
	db.PostcardStatusReturnedToSender:     "Postcard returned to sender",
	db.PostcardStatusReRouted:             "Postcard re-routed by USPS",
}

// MapCallbackEvent 解析 event_type_id；ok=false 表示忽略该事件
func MapCallbackEvent(eventTypeID string) (status, details string, ok bool) {
	status = strings.TrimPrefix(eventTypeID, "postcard.")
	if status == eventTypeID {
		return "", "", false
	}
	details, ok = callbackStatusDetails[status]
	return status, details, ok
}

// CanRetry 只有发送失败或被退回的明信片允许手动重发；
// 在途或已送达的卡重发会造成重复邮寄
func CanRetry(status string) bool {
	return status == db.PostcardStatusFailed || status == db.PostcardStatusReturnedToSender
}

// ApplyCallback 应用一次回调：按 Lob 资源 ID 定位明信片，更新状态并追加事件。
// 找不到对应明信片时返回 gorm.ErrRecordNotFound，由调用方决定响应（对 Lob 仍回 200）。
func ApplyCallback(dbConn *gorm.DB, vendorID, status, details string) error {
	postcard, err := db.GetPostcardByVendorID(dbConn, vendorID)
	if err != nil {
		return err
	}

	postcard.Status = status
	if err := db.SavePostcard(dbConn, postcard); err != nil {
		return err
	}

	event := &db.PostcardEvent{PostcardID: postcard.ID, Status: status, Details: details}
	if err := db.SavePostcardEvent(dbConn, event); err != nil {
		// 状态已更新，事件写失败只记日志
		log.Printf("[ERROR] 保存回调事件失败 (postcard=%d): %v", postcard.ID, err)
	}

	log.Printf("[INFO] 明信片 %s 状态更新为 %s", vendorID, status)
	return nil
}
