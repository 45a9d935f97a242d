package models

// WebhookResponse 捐款 webhook 的统一响应：无论单项成败都返回计数
type WebhookResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
	Total     int  `json:"total"`
	Failures  int  `json:"failures"`
}

// LobCallbackPayload Lob 状态回调报文
// event_type_id 形如 "postcard.in_transit"，body.id 是 Lob 资源 ID
type LobCallbackPayload struct {
	EventTypeID string `json:"event_type_id"`
	Body        struct {
		ID string `json:"id"`
	} `json:"body"`
}

// AddressCorrection 手动重发时修正的收件地址
type AddressCorrection struct {
	Street string `json:"address_street"`
	City   string `json:"address_city"`
	State  string `json:"address_state"`
	Zip    string `json:"address_zip"`
}

// RetryRequest 手动重发请求
type RetryRequest struct {
	DonationID uint               `json:"donationId" binding:"required"`
	Address    *AddressCorrection `json:"address"`
}

// RetryResponse 手动重发响应
type RetryResponse struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	VendorID string `json:"vendorId,omitempty"`
	Error    string `json:"error,omitempty"`
}
