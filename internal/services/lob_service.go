package services

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/models"
	"github.com/kampeynco/thank-donors-mvp-sub000/utils"
)

// Lob 明信片 API 客户端。
// 与交易所/链无关，就是一个普通的 HTTPS JSON 接口：构造请求、POST、
// 对 5xx/429/408 和网络错误做指数退避重试，其余 4xx 视为终态立即失败。

const BrandingNote = "Mailed by ThankDonors.com"

var (
	lobAPIKey  string
	lobBaseURL = "https://api.lob.com"
	lobClient  = &http.Client{Timeout: 30 * time.Second}
	lobRetry   = retryPolicy{maxRetries: 3, baseDelay: time.Second}
)

// InitLob 从配置初始化客户端；baseURL 留空用官方地址
func InitLob(apiKey, baseURL string, maxRetries int, baseDelay time.Duration) {
	lobAPIKey = apiKey
	if baseURL != "" {
		lobBaseURL = baseURL
	}
	if maxRetries >= 0 {
		lobRetry.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		lobRetry.baseDelay = baseDelay
	}
}

// retryPolicy 重试策略：最多 maxRetries 次额外尝试，退避间隔逐次翻倍
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

// delay 第 attempt 次失败后的等待时长（1 起算）：base, base*2, base*4...
func (p retryPolicy) delay(attempt int) time.Duration {
	return p.baseDelay << (attempt - 1)
}

// retryableStatus 值得重试的 HTTP 状态：5xx、429（限流）、408（超时）
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// LobResult 发送结果；Success=false 时 Error 带最后一次失败原因
type LobResult struct {
	Success      bool
	VendorID     string
	URL          string
	VendorStatus string
	Error        string
}

// ValidateAddress 收件地址四要素校验，缺失即终态失败（数据不会自愈，重试无意义）
func ValidateAddress(donor models.NormalizedDonor) []string {
	var missing []string
	if donor.Addr1 == "" {
		missing = append(missing, "address_line1")
	}
	if donor.City == "" {
		missing = append(missing, "city")
	}
	if donor.State == "" {
		missing = append(missing, "state")
	}
	if donor.Zip == "" {
		missing = append(missing, "zip")
	}
	return missing
}

// ShowBranding 免费套餐固定展示品牌标识；付费套餐可显式关闭
func ShowBranding(entity *db.Entity) bool {
	if entity.Tier == db.TierPayAsYouGo {
		return true
	}
	return entity.BrandingEnabled
}

// BuildBackMessage 背面文案：模板占位符替换
func BuildBackMessage(template string, donor models.NormalizedDonor, donationDate string) string {
	vars := map[string]string{
		"FIRST_NAME":   donor.FirstName,
		"LAST_NAME":    donor.LastName,
		"FULL_NAME":    strings.TrimSpace(donor.FirstName + " " + donor.LastName),
		"AMOUNT":       donor.AmountDollars(),
		"EMAIL":        donor.Email,
		"ADDRESS1":     donor.Addr1,
		"ADDRESS2":     donor.Addr2,
		"CITY":         donor.City,
		"STATE":        donor.State,
		"ZIP":          donor.Zip,
		"DONATION_DAY": donationDate,
		"CURRENT_DAY":  utils.FormatPostcardDate(time.Now()),
	}
	return utils.SubstituteVariables(template, vars)
}

// buildFrontHTML 正面：背景图铺满 4x6，底部叠加免责声明
func buildFrontHTML(imageURL, disclaimer string, showBranding bool) string {
	var overlay string
	if disclaimer != "" {
		overlay = `<div class="disclaimer">` + utils.EscapeHTML(disclaimer) + `</div>`
	}
	var branding string
	if showBranding {
		branding = `<div class="branding">` + BrandingNote + `</div>`
	}
	return `<html><head><style>
body { width: 6in; height: 4in; margin: 0; padding: 0; overflow: hidden; }
.front { width: 6in; height: 4in; position: relative; background-image: url('` + imageURL + `'); background-size: cover; background-position: center; }
.disclaimer { position: absolute; bottom: 0.1in; left: 0; right: 0; color: white; padding: 0 0.4in; font-family: 'Inter', sans-serif; font-size: 8.5pt; text-align: center; text-shadow: 0 1px 2px rgba(0,0,0,0.8); }
.branding { position: absolute; top: 0.1in; right: 0.15in; color: white; font-family: 'Inter', sans-serif; font-size: 7pt; text-shadow: 0 1px 2px rgba(0,0,0,0.8); }
</style></head><body><div class="front">` + overlay + branding + `</div></body></html>`
}

// buildBackHTML 背面：左半为文案区，右半留给 Lob 的地址栏与邮资区
func buildBackHTML(message string, showBranding bool) string {
	var branding string
	if showBranding {
		branding = `<div class="branding">` + BrandingNote + `</div>`
	}
	return `<html><head><style>
body { width: 6in; height: 4in; margin: 0; padding: 0; background: white; font-family: 'Inter', sans-serif; }
.back { width: 6in; height: 4in; position: relative; overflow: hidden; }
.message { position: absolute; top: 0.4in; left: 0.4in; width: 2.6in; height: 3.2in; font-size: 11pt; line-height: 1.5; color: #1c1917; white-space: pre-wrap; word-wrap: break-word; }
.branding { position: absolute; bottom: 0.15in; left: 0.4in; font-size: 7pt; color: #a8a29e; }
</style></head><body><div class="back"><div class="message">` + utils.EscapeHTML(message) + `</div>` + branding + `</div></body></html>`
}

// lobAddress Lob API 的地址对象
type lobAddress struct {
	Name         string `json:"name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	AddressCity  string `json:"address_city"`
	AddressState string `json:"address_state"`
	AddressZip   string `json:"address_zip"`
}

type lobPostcardRequest struct {
	Description string     `json:"description"`
	To          lobAddress `json:"to"`
	From        lobAddress `json:"from"`
	Front       string     `json:"front"`
	Back        string     `json:"back"`
	Size        string     `json:"size"`
	MailType    string     `json:"mail_type"`
}

type lobPostcardResponse struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Error  struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SendPostcard 构造并发送一张明信片。
// 校验失败（地址不全、设计未配置）直接返回终态失败，不发起请求；
// 请求失败按 retryPolicy 重试，耗尽后带最后一次错误返回。
func SendPostcard(entity *db.Entity, donor models.NormalizedDonor, donationDate string) LobResult {
	if lobAPIKey == "" {
		log.Printf("[ERROR] Lob API key 未配置")
		return LobResult{Success: false, Error: "Lob API key not configured"}
	}

	if missing := ValidateAddress(donor); len(missing) > 0 {
		log.Printf("[WARN] 收件地址不完整，缺少: %s", strings.Join(missing, ", "))
		return LobResult{Success: false, Error: "Incomplete address. Missing: " + strings.Join(missing, ", ")}
	}

	if entity.FrontImageURL == "" {
		return LobResult{Success: false, Error: "Missing front image design"}
	}
	if entity.BackMessage == "" {
		return LobResult{Success: false, Error: "Missing back message design"}
	}

	showBranding := ShowBranding(entity)
	backMessage := BuildBackMessage(entity.BackMessage, donor, donationDate)

	payload := lobPostcardRequest{
		Description: fmt.Sprintf("Thank you postcard for %s", donor.FullName()),
		To: lobAddress{
			Name:         donor.FullName(),
			AddressLine1: donor.Addr1,
			AddressLine2: donor.Addr2,
			AddressCity:  donor.City,
			AddressState: donor.State,
			AddressZip:   donor.Zip,
		},
		From: lobAddress{
			Name:         entity.CommitteeName,
			AddressLine1: entity.StreetAddress,
			AddressCity:  entity.City,
			AddressState: entity.State,
			AddressZip:   entity.PostalCode,
		},
		Front:    buildFrontHTML(entity.FrontImageURL, entity.Disclaimer, showBranding),
		Back:     buildBackHTML(backMessage, showBranding),
		Size:     "4x6",
		MailType: "usps_first_class",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return LobResult{Success: false, Error: "marshal request failed: " + err.Error()}
	}

	var lastErr string
	for attempt := 1; attempt <= lobRetry.maxRetries+1; attempt++ {
		log.Printf("[DEBUG] Lob API 调用（第 %d 次）: %s", attempt, donor.FullName())

		result, terminal, err := postLobPostcard(body)
		if err == nil {
			log.Printf("[INFO] 明信片创建成功，Lob ID: %s", result.ID)
			return LobResult{Success: true, VendorID: result.ID, URL: result.URL, VendorStatus: result.Status}
		}

		lastErr = err.Error()
		if terminal {
			// 4xx（非 429/408）是永久错误：地址无效、模板不合法等，重试不会成功
			log.Printf("[ERROR] Lob API 终态错误: %s", lastErr)
			return LobResult{Success: false, Error: lastErr}
		}

		log.Printf("[WARN] 第 %d 次调用失败: %s", attempt, lastErr)
		if attempt <= lobRetry.maxRetries {
			wait := lobRetry.delay(attempt)
			log.Printf("[DEBUG] %v 后重试...", wait)
			time.Sleep(wait)
		}
	}

	return LobResult{Success: false, Error: fmt.Sprintf("Failed after %d retries: %s", lobRetry.maxRetries, lastErr)}
}

// postLobPostcard 单次请求；terminal=true 表示不应再重试
func postLobPostcard(body []byte) (*lobPostcardResponse, bool, error) {
	req, err := http.NewRequest(http.MethodPost, lobBaseURL+"/v1/postcards", bytes.NewReader(body))
	if err != nil {
		return nil, true, err
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(lobAPIKey+":")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Lob-Version", "2020-02-11")

	resp, err := lobClient.Do(req)
	if err != nil {
		// 网络错误/超时，可重试
		return nil, false, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}

	var parsed lobPostcardResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &parsed, false, nil
	}

	msg := parsed.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("Lob API returned %d", resp.StatusCode)
	}
	return nil, !retryableStatus(resp.StatusCode), fmt.Errorf("%s", msg)
}
