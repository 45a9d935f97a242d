package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// ActBlue webhook 的报文形态不止一种：既可能是扁平结构，也可能被路由中间层
// （Hookdeck）包了一层 {body: ...}，字段名还存在多个历史变体。
// 这里把所有已知形态归一化为一个 NormalizedWebhook，解析不出来的直接拒绝。

// LineItem 单笔捐款行项目；entityId / amount 的类型和命名在历史报文里不稳定，
// 统一用 json.Number 接收
type LineItem struct {
	EntityID      json.Number `json:"entityId"`
	EntityIDSnake json.Number `json:"entity_id"`
	Amount        json.Number `json:"amount"`
}

// ResolveEntityID 取两个命名变体中先出现的
func (li LineItem) ResolveEntityID() int64 {
	raw := li.EntityID
	if raw == "" {
		raw = li.EntityIDSnake
	}
	id, err := raw.Int64()
	if err != nil {
		return 0
	}
	return id
}

// ResolveAmountCents 金额归一化为美分（ActBlue 传美元，可能是字符串也可能是数字）
func (li LineItem) ResolveAmountCents() int64 {
	f, err := li.Amount.Float64()
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 100))
}

// DonorPayload 捐款人原始字段（含历史命名变体）
type DonorPayload struct {
	FirstName      string `json:"firstname"`
	FirstNameCamel string `json:"firstName"`
	LastName       string `json:"lastname"`
	LastNameCamel  string `json:"lastName"`
	Email          string `json:"email"`
	Addr1          string `json:"addr1"`
	AddressLine1   string `json:"address_line1"`
	AddrLine1Camel string `json:"addressLine1"`
	Addr2          string `json:"addr2"`
	AddressLine2   string `json:"address_line2"`
	AddrLine2Camel string `json:"addressLine2"`
	City           string `json:"city"`
	State          string `json:"state"`
	Zip            string `json:"zip"`
	PostalCode     string `json:"postalCode"`
	PostalCodeSnk  string `json:"postal_code"`
}

// ContributionPayload contribution 节点；部分历史报文把 donor/lineitems 嵌在这里
type ContributionPayload struct {
	OrderNumber      string        `json:"orderNumber"`
	OrderNumberSnake string        `json:"order_number"`
	CreatedAt        string        `json:"createdAt"`
	CreatedAtSnake   string        `json:"created_at"`
	Donor            *DonorPayload `json:"donor"`
	LineItems        []LineItem    `json:"lineitems"`
	LineItemsCamel   []LineItem    `json:"lineItems"`
}

// WebhookPayload 顶层报文（扁平形态或 Hookdeck 包裹形态）
type WebhookPayload struct {
	Body           json.RawMessage      `json:"body"`
	Contribution   *ContributionPayload `json:"contribution"`
	Donor          *DonorPayload        `json:"donor"`
	LineItems      []LineItem           `json:"lineitems"`
	LineItemsCamel []LineItem           `json:"lineItems"`
	OrderNumber    string               `json:"orderNumber"`
	CreatedAt      string               `json:"createdAt"`
}

// NormalizedDonor 归一化后的捐款人记录（带缺省值）
type NormalizedDonor struct {
	FirstName   string
	LastName    string
	Email       string
	Addr1       string
	Addr2       string
	City        string
	State       string
	Zip         string
	AmountCents int64 // 该行项目的金额
}

// FullName 收件人姓名，空姓名回退为 "Donor"
func (d NormalizedDonor) FullName() string {
	name := strings.TrimSpace(d.FirstName + " " + d.LastName)
	if name == "" {
		return "Donor"
	}
	return name
}

// AmountDollars 格式化为 "$25.00"，模板变量用
func (d NormalizedDonor) AmountDollars() string {
	if d.AmountCents == 0 {
		return ""
	}
	return "$" + strconv.FormatFloat(float64(d.AmountCents)/100, 'f', 2, 64)
}

// NormalizedWebhook 归一化结果
type NormalizedWebhook struct {
	OrderNumber string
	CreatedAt   string
	DonatedAt   time.Time
	Donor       DonorPayload
	LineItems   []LineItem
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// NormalizeDonor 应用命名变体回退与缺省值
func NormalizeDonor(d DonorPayload, amountCents int64) NormalizedDonor {
	first := firstNonEmpty(d.FirstName, d.FirstNameCamel)
	if first == "" {
		first = "Friend"
	}
	return NormalizedDonor{
		FirstName:   first,
		LastName:    firstNonEmpty(d.LastName, d.LastNameCamel),
		Email:       d.Email,
		Addr1:       firstNonEmpty(d.Addr1, d.AddressLine1, d.AddrLine1Camel),
		Addr2:       firstNonEmpty(d.Addr2, d.AddressLine2, d.AddrLine2Camel),
		City:        d.City,
		State:       d.State,
		Zip:         firstNonEmpty(d.Zip, d.PostalCode, d.PostalCodeSnk),
		AmountCents: amountCents,
	}
}

// NormalizeWebhook 解析原始报文并归一化。
// 返回值 missing 非空时表示缺少必填字段（终态 400，不应重试）；
// err 非空仅表示 JSON 本身无法解析。
func NormalizeWebhook(raw []byte) (*NormalizedWebhook, []string, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, err
	}

	// Hookdeck 包裹形态：顶层只有 body，拆一层（body 可能是对象也可能是 JSON 字符串）
	if payload.Contribution == nil && payload.Donor == nil && len(payload.Body) > 0 {
		inner := payload.Body
		if inner[0] == '"' {
			var s string
			if err := json.Unmarshal(inner, &s); err != nil {
				return nil, nil, err
			}
			inner = []byte(s)
		}
		var unwrapped WebhookPayload
		if err := json.Unmarshal(inner, &unwrapped); err != nil {
			return nil, nil, err
		}
		payload = unwrapped
	}

	contribution := payload.Contribution

	donor := payload.Donor
	if donor == nil && contribution != nil {
		donor = contribution.Donor
	}

	lineItems := payload.LineItems
	if len(lineItems) == 0 {
		lineItems = payload.LineItemsCamel
	}
	if len(lineItems) == 0 && contribution != nil {
		lineItems = contribution.LineItems
		if len(lineItems) == 0 {
			lineItems = contribution.LineItemsCamel
		}
	}

	orderNumber := payload.OrderNumber
	createdAt := payload.CreatedAt
	if contribution != nil {
		orderNumber = firstNonEmpty(contribution.OrderNumber, contribution.OrderNumberSnake, orderNumber)
		createdAt = firstNonEmpty(contribution.CreatedAt, contribution.CreatedAtSnake, createdAt)
	}

	var missing []string
	if contribution == nil {
		missing = append(missing, "contribution")
	}
	if donor == nil {
		missing = append(missing, "donor")
	}
	if len(lineItems) == 0 {
		missing = append(missing, "lineItems")
	}
	if orderNumber == "" {
		missing = append(missing, "orderNumber")
	}
	if createdAt == "" {
		missing = append(missing, "createdAt")
	}
	if len(missing) > 0 {
		return nil, missing, nil
	}

	// 捐款时间解析失败时回退为当前时间（与原始报文字符串分开保留）
	donatedAt, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		donatedAt = time.Now()
	}

	return &NormalizedWebhook{
		OrderNumber: orderNumber,
		CreatedAt:   createdAt,
		DonatedAt:   donatedAt,
		Donor:       *donor,
		LineItems:   lineItems,
	}, nil, nil
}
