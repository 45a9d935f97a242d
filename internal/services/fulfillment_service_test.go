package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
	"github.com/kampeynco/thank-donors-mvp-sub000/internal/models"
)

func testWebhook(orderNumber string, entityIDs ...int64) *models.NormalizedWebhook {
	items := make([]models.LineItem, 0, len(entityIDs))
	for _, id := range entityIDs {
		items = append(items, models.LineItem{
			EntityID: json.Number(fmt.Sprintf("%d", id)),
			Amount:   json.Number("25.00"),
		})
	}
	return &models.NormalizedWebhook{
		OrderNumber: orderNumber,
		CreatedAt:   "2025-03-10T12:00:00Z",
		DonatedAt:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Donor: models.DonorPayload{
			FirstName: "Jane",
			LastName:  "Doe",
			Email:     "jane@example.com",
			Addr1:     "1 Main St",
			City:      "Springfield",
			State:     "IL",
			Zip:       "62704",
		},
		LineItems: items,
	}
}

// lobOKServer 模拟 Lob 一次成功创建
func lobOKServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "psc_ok", "url": "https://lob.test/psc_ok.pdf", "status": "processed"})
	}))
	t.Cleanup(server.Close)
	return server
}

func countRows(t *testing.T, gdb *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := gdb.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestProcessLineItem_Success(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)
	InitLob("test_key", lobOKServer(t).URL, 0, time.Millisecond)

	webhook := testWebhook("AB100", 42)
	outcome := ProcessLineItem(gdb, webhook, webhook.LineItems[0], 0)
	if !outcome.Success || outcome.Duplicate {
		t.Fatalf("outcome = %+v", outcome)
	}

	donation, err := db.GetDonationByOrderNumber(gdb, "AB100", 42)
	if err != nil {
		t.Fatalf("donation not saved: %v", err)
	}
	if donation.AmountCents != 2500 || donation.DonorFirstName != "Jane" {
		t.Errorf("donation = %+v", donation)
	}

	postcard, err := db.GetLatestPostcardByDonationID(gdb, donation.ID)
	if err != nil {
		t.Fatalf("postcard not saved: %v", err)
	}
	if postcard.Status != db.PostcardStatusProcessed || postcard.VendorPostcardID != "psc_ok" {
		t.Errorf("postcard = %+v", postcard)
	}

	events, err := db.GetPostcardEvents(gdb, postcard.ID)
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %v, err = %v", events, err)
	}

	// 免费套餐第一张按超额价 199 扣费，成功后不退款
	if got := entityBalance(t, gdb, 42); got != 301 {
		t.Errorf("balance = %d, want 301", got)
	}
	if n := countRows(t, gdb, &db.BillingTransaction{}); n != 1 {
		t.Errorf("transactions = %d, want 1", n)
	}
}

func TestProcessLineItem_DuplicateRefunds(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)
	InitLob("test_key", lobOKServer(t).URL, 0, time.Millisecond)

	webhook := testWebhook("AB200", 42)
	first := ProcessLineItem(gdb, webhook, webhook.LineItems[0], 0)
	if !first.Success {
		t.Fatalf("first = %+v", first)
	}

	second := ProcessLineItem(gdb, webhook, webhook.LineItems[0], 0)
	if !second.Duplicate || second.Success {
		t.Fatalf("second = %+v", second)
	}

	// 只落一条捐款；第二次的扣费已退回
	if n := countRows(t, gdb, &db.Donation{}); n != 1 {
		t.Errorf("donations = %d, want 1", n)
	}
	if got := entityBalance(t, gdb, 42); got != 301 {
		t.Errorf("balance = %d, want 301 (one net deduction)", got)
	}

	var refund db.BillingTransaction
	if err := gdb.Where("type = ?", db.TxnTypeRefund).First(&refund).Error; err != nil {
		t.Fatalf("refund transaction missing: %v", err)
	}
	if refund.Description != "Refund: Duplicate donation" || refund.AmountCents != 199 {
		t.Errorf("refund = %+v", refund)
	}
}

func TestProcessLineItem_VendorFailure(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]string{"message": "front is invalid"}})
	}))
	defer server.Close()
	InitLob("test_key", server.URL, 0, time.Millisecond)

	webhook := testWebhook("AB300", 42)
	outcome := ProcessLineItem(gdb, webhook, webhook.LineItems[0], 0)
	if outcome.Success || outcome.Duplicate {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Error != "front is invalid" {
		t.Errorf("error = %q", outcome.Error)
	}

	// 失败也落明信片（failed），供手动重发
	donation, err := db.GetDonationByOrderNumber(gdb, "AB300", 42)
	if err != nil {
		t.Fatalf("donation not saved: %v", err)
	}
	postcard, err := db.GetLatestPostcardByDonationID(gdb, donation.ID)
	if err != nil {
		t.Fatalf("postcard not saved: %v", err)
	}
	if postcard.Status != db.PostcardStatusFailed {
		t.Errorf("status = %q, want failed", postcard.Status)
	}
	if !strings.Contains(postcard.ErrorMessage, "front is invalid") {
		t.Errorf("errorMessage = %q", postcard.ErrorMessage)
	}

	// 扣费 + 退款配对，余额回到原点
	if got := entityBalance(t, gdb, 42); got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}
	var refund db.BillingTransaction
	if err := gdb.Where("type = ?", db.TxnTypeRefund).First(&refund).Error; err != nil {
		t.Fatalf("refund transaction missing: %v", err)
	}
	if refund.Description != "Refund: Mailing service error" {
		t.Errorf("refund description = %q", refund.Description)
	}
}

func TestProcessLineItem_EntityNotFound(t *testing.T) {
	gdb := newTestDB(t)
	InitLob("test_key", "http://localhost:1", 0, time.Millisecond)

	webhook := testWebhook("AB400", 999)
	outcome := ProcessLineItem(gdb, webhook, webhook.LineItems[0], 0)
	if outcome.Success || outcome.Err != nil {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Error != "Entity not found: 999" {
		t.Errorf("error = %q", outcome.Error)
	}
	if n := countRows(t, gdb, &db.Donation{}); n != 0 {
		t.Errorf("donations = %d, want 0", n)
	}
}

func TestProcessLineItem_InsufficientBalance(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 42, db.TierPayAsYouGo, 100)
	InitLob("test_key", lobOKServer(t).URL, 0, time.Millisecond)

	webhook := testWebhook("AB500", 42)
	outcome := ProcessLineItem(gdb, webhook, webhook.LineItems[0], 0)
	if outcome.Success || outcome.Error != "Insufficient balance" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if got := entityBalance(t, gdb, 42); got != 100 {
		t.Errorf("balance = %d, unchanged expected", got)
	}
	if n := countRows(t, gdb, &db.BillingTransaction{}); n != 0 {
		t.Errorf("transactions = %d, want 0", n)
	}
}

func TestProcessLineItems_MixedOutcomes(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 10, db.TierPayAsYouGo, 500)
	createEntity(t, gdb, 11, db.TierPayAsYouGo, 500)
	InitLob("test_key", lobOKServer(t).URL, 0, time.Millisecond)

	// 两个已注册主体 + 一个未注册：前两者成功，后者单独失败
	webhook := testWebhook("AB600", 10, 11, 999)
	outcomes := ProcessLineItems(gdb, webhook, 0)
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if !outcomes[0].Success || !outcomes[1].Success {
		t.Errorf("registered entities should succeed: %+v %+v", outcomes[0], outcomes[1])
	}
	if outcomes[2].Success || outcomes[2].Error != "Entity not found: 999" {
		t.Errorf("outcomes[2] = %+v", outcomes[2])
	}

	if n := countRows(t, gdb, &db.Donation{}); n != 2 {
		t.Errorf("donations = %d, want 2", n)
	}
}

func TestProcessLineItem_LinksWebhookEvent(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)
	InitLob("test_key", lobOKServer(t).URL, 0, time.Millisecond)

	event := &db.WebhookEvent{Payload: []byte(`{}`), Status: db.WebhookStatusReceived}
	if err := db.SaveWebhookEvent(gdb, event); err != nil {
		t.Fatalf("save event: %v", err)
	}

	webhook := testWebhook("AB700", 42)
	if outcome := ProcessLineItem(gdb, webhook, webhook.LineItems[0], event.ID); !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}

	var stored db.WebhookEvent
	if err := gdb.First(&stored, event.ID).Error; err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if stored.EntityID != 42 {
		t.Errorf("event entityID = %d, want 42", stored.EntityID)
	}
}
