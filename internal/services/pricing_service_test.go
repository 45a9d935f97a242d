package services

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
)

// newTestDB 每个测试一个独立 sqlite 库；单连接串行化写入，避免锁冲突
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func createEntity(t *testing.T, gdb *gorm.DB, entityID int64, tier string, balanceCents int64) *db.Entity {
	t.Helper()
	entity := &db.Entity{
		EntityID:        entityID,
		CommitteeName:   "Test Committee",
		Tier:            tier,
		BalanceCents:    balanceCents,
		FrontImageURL:   "https://cdn.example.com/front.png",
		BackMessage:     "Dear %FIRST_NAME%, thank you!",
		StreetAddress:   "12 Campaign Way",
		City:            "Madison",
		State:           "WI",
		PostalCode:      "53703",
		BrandingEnabled: true,
	}
	if err := gdb.Create(entity).Error; err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return entity
}

func entityBalance(t *testing.T, gdb *gorm.DB, entityID int64) int64 {
	t.Helper()
	entity, err := db.GetEntityByEntityID(gdb, entityID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	return entity.BalanceCents
}

func TestTierConfigFor_UnknownTierFallsBack(t *testing.T) {
	cfg := TierConfigFor("mystery_tier")
	if cfg.PerPostcardCents != 199 || cfg.IncludedCards != 0 {
		t.Errorf("fallback config = %+v, want pay_as_you_go", cfg)
	}
}

func TestResolvePrice_TierRate(t *testing.T) {
	gdb := newTestDB(t)
	entity := createEntity(t, gdb, 42, db.TierProStarter, 10000)

	if price := ResolvePrice(gdb, entity); price != 99 {
		t.Errorf("price = %d, want 99", price)
	}
}

func TestResolvePrice_Overage(t *testing.T) {
	gdb := newTestDB(t)
	entity := createEntity(t, gdb, 42, db.TierPayAsYouGo, 10000)

	// pay_as_you_go 包含卡量为 0，第一张就是超额价
	if price := ResolvePrice(gdb, entity); price != 199 {
		t.Errorf("price = %d, want 199", price)
	}
}

func TestResolvePrice_OverageAfterIncludedCards(t *testing.T) {
	gdb := newTestDB(t)
	entity := createEntity(t, gdb, 7, db.TierProStarter, 100000)

	// 本月已发 125 张（pro_starter 的包含卡量），下一张按超额价
	for i := 0; i < 125; i++ {
		donation := &db.Donation{OrderNumber: "O" + string(rune('A'+i/26)) + string(rune('A'+i%26)), EntityID: 7, DonatedAt: time.Now()}
		if err := gdb.Create(donation).Error; err != nil {
			t.Fatalf("create donation %d: %v", i, err)
		}
		postcard := &db.Postcard{DonationID: donation.ID, Status: db.PostcardStatusProcessed}
		if err := gdb.Create(postcard).Error; err != nil {
			t.Fatalf("create postcard %d: %v", i, err)
		}
	}

	if price := ResolvePrice(gdb, entity); price != 199 {
		t.Errorf("price = %d, want overage 199", price)
	}
}

func TestChargePostcard_InsufficientBalance(t *testing.T) {
	gdb := newTestDB(t)
	// 余额 150，套餐价 199：扣款必须失败且余额不变
	entity := createEntity(t, gdb, 42, db.TierPayAsYouGo, 150)

	err := ChargePostcard(gdb, entity, 199, "Postcard for donor: Jane Doe")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if balance := entityBalance(t, gdb, 42); balance != 150 {
		t.Errorf("balance = %d, want unchanged 150", balance)
	}

	var txnCount int64
	gdb.Model(&db.BillingTransaction{}).Count(&txnCount)
	if txnCount != 0 {
		t.Errorf("transactions = %d, want 0", txnCount)
	}
}

func TestChargePostcard_DebitAndTransaction(t *testing.T) {
	gdb := newTestDB(t)
	entity := createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)

	if err := ChargePostcard(gdb, entity, 199, "Postcard for donor: Jane Doe"); err != nil {
		t.Fatalf("charge: %v", err)
	}

	if balance := entityBalance(t, gdb, 42); balance != 301 {
		t.Errorf("balance = %d, want 301", balance)
	}

	var txn db.BillingTransaction
	if err := gdb.First(&txn).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.AmountCents != -199 || txn.Type != db.TxnTypeDeduction || txn.EntityID != 42 {
		t.Errorf("transaction = %+v", txn)
	}
}

func TestChargePostcard_LedgerWriteFailureReversesDebit(t *testing.T) {
	gdb := newTestDB(t)
	entity := createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)

	// 人为让流水表不可写：扣款必须被回滚，不允许出现无流水的余额变动
	if err := gdb.Migrator().DropTable(&db.BillingTransaction{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	err := ChargePostcard(gdb, entity, 199, "Postcard for donor: Jane Doe")
	if err == nil {
		t.Fatal("expected error when ledger write fails")
	}
	if errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ledger write failure", err)
	}

	if balance := entityBalance(t, gdb, 42); balance != 500 {
		t.Errorf("balance = %d, want 500 (debit reversed)", balance)
	}
}

func TestCompensate_PairsWithDebit(t *testing.T) {
	gdb := newTestDB(t)
	entity := createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)

	if err := ChargePostcard(gdb, entity, 199, "Postcard for donor: Jane Doe"); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := Compensate(gdb, 42, 199, "Refund: Mailing service error"); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	if balance := entityBalance(t, gdb, 42); balance != 500 {
		t.Errorf("balance = %d, want restored 500", balance)
	}

	var txns []db.BillingTransaction
	gdb.Order("id ASC").Find(&txns)
	if len(txns) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txns))
	}
	if txns[0].AmountCents+txns[1].AmountCents != 0 {
		t.Errorf("net amount = %d, want 0", txns[0].AmountCents+txns[1].AmountCents)
	}
	if txns[1].Type != db.TxnTypeRefund {
		t.Errorf("refund type = %q", txns[1].Type)
	}
}

func TestDeductEntityBalance_ConcurrentNeverNegative(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 42, db.TierPayAsYouGo, 500)

	// 10 个并发扣款各 100，只有 5 笔能成功，余额不会为负
	var wg sync.WaitGroup
	successes := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.DeductEntityBalance(gdb, 42, 100)
			if err != nil {
				t.Errorf("deduct: %v", err)
				return
			}
			successes <- ok
		}()
	}
	wg.Wait()
	close(successes)

	succeeded := 0
	for ok := range successes {
		if ok {
			succeeded++
		}
	}
	if succeeded != 5 {
		t.Errorf("succeeded = %d, want 5", succeeded)
	}
	if balance := entityBalance(t, gdb, 42); balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestTopupBalance(t *testing.T) {
	gdb := newTestDB(t)
	createEntity(t, gdb, 42, db.TierPayAsYouGo, 100)

	if err := TopupBalance(gdb, 42, 5000, "Balance top-up"); err != nil {
		t.Fatalf("topup: %v", err)
	}
	if balance := entityBalance(t, gdb, 42); balance != 5100 {
		t.Errorf("balance = %d, want 5100", balance)
	}

	var txn db.BillingTransaction
	if err := gdb.First(&txn).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.Type != db.TxnTypeTopup || txn.AmountCents != 5000 {
		t.Errorf("transaction = %+v", txn)
	}
}
