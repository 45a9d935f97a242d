package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/kampeynco/thank-donors-mvp-sub000/internal/db"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// TierConfig 套餐单价与每月包含的卡量
type TierConfig struct {
	PerPostcardCents int64
	IncludedCards    int64
}

// 套餐价格表（美分）；超出包含卡量后一律按 pay_as_you_go 超额价计费
var tierConfigs = map[string]TierConfig{
	db.TierPayAsYouGo:    {PerPostcardCents: 199, IncludedCards: 0},
	db.TierProStarter:    {PerPostcardCents: 99, IncludedCards: 125},
	db.TierProGrow:       {PerPostcardCents: 89, IncludedCards: 250},
	db.TierProScale:      {PerPostcardCents: 79, IncludedCards: 500},
	db.TierAgencyStarter: {PerPostcardCents: 89, IncludedCards: 500},
	db.TierAgencyGrow:    {PerPostcardCents: 79, IncludedCards: 1000},
	db.TierAgencyScale:   {PerPostcardCents: 74, IncludedCards: 2500},
}

const overagePriceCents = 199

// TierConfigFor 未知套餐按 pay_as_you_go 处理
func TierConfigFor(tier string) TierConfig {
	if cfg, ok := tierConfigs[tier]; ok {
		return cfg
	}
	return tierConfigs[db.TierPayAsYouGo]
}

func startOfCurrentMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

// ResolvePrice 计算本次明信片的价格：当月用量达到套餐包含卡量后按超额价
func ResolvePrice(dbConn *gorm.DB, entity *db.Entity) int64 {
	cfg := TierConfigFor(entity.Tier)

	usage, err := db.CountPostcardsForEntitySince(dbConn, entity.EntityID, startOfCurrentMonth(time.Now()))
	if err != nil {
		// 用量查询失败时不阻塞发送，按套餐价计费并记录日志
		log.Printf("[ERROR] 查询 entity %d 当月用量失败: %v，按套餐价计费", entity.EntityID, err)
		return cfg.PerPostcardCents
	}

	if usage >= cfg.IncludedCards {
		log.Printf("[DEBUG] entity %d 当月用量 %d 已达套餐上限 %d，按超额价 %d 计费",
			entity.EntityID, usage, cfg.IncludedCards, overagePriceCents)
		return overagePriceCents
	}
	return cfg.PerPostcardCents
}

// ChargePostcard 扣款并记流水。
// 扣款是单条条件 UPDATE（balance_cents >= price 才生效），这是整个流水线
// 唯一的并发正确性保证；影响 0 行即余额不足，返回 ErrInsufficientBalance。
func ChargePostcard(dbConn *gorm.DB, entity *db.Entity, priceCents int64, description string) error {
	deducted, err := db.DeductEntityBalance(dbConn, entity.EntityID, priceCents)
	if err != nil {
		return fmt.Errorf("扣款失败: %w", err)
	}
	if !deducted {
		return ErrInsufficientBalance
	}

	txn := &db.BillingTransaction{
		EntityID:    entity.EntityID,
		AmountCents: -priceCents,
		Type:        db.TxnTypeDeduction,
		Description: description,
	}
	if err := db.SaveBillingTransaction(dbConn, txn); err != nil {
		// 余额变动必须与流水成对出现：流水写不进去就把扣掉的钱加回来
		if rerr := db.IncrementEntityBalance(dbConn, entity.EntityID, priceCents); rerr != nil {
			log.Printf("[ERROR] 扣款回滚失败 (entity=%d amount=%d): %v", entity.EntityID, priceCents, rerr)
			return fmt.Errorf("保存扣款流水失败，回滚亦失败: %w", err)
		}
		return fmt.Errorf("保存扣款流水失败: %w", err)
	}

	log.Printf("[DEBUG] entity %d 扣款 %d 美分", entity.EntityID, priceCents)
	return nil
}

// Compensate 补偿退款：加回余额并记一条正向流水。
// 三个调用点（重复捐款、系统错误、邮寄服务失败）统一走这里，
// 且必须显式指定被扣款的 entity，退款不允许落到别的主体上。
func Compensate(dbConn *gorm.DB, entityID int64, amountCents int64, reason string) error {
	if err := db.IncrementEntityBalance(dbConn, entityID, amountCents); err != nil {
		return fmt.Errorf("退款失败: %w", err)
	}
	txn := &db.BillingTransaction{
		EntityID:    entityID,
		AmountCents: amountCents,
		Type:        db.TxnTypeRefund,
		Description: reason,
	}
	if err := db.SaveBillingTransaction(dbConn, txn); err != nil {
		// 余额已经加回，不再扣回去——宁可缺一条流水也不能把退款吞掉，
		// 缺的流水靠这条日志人工对账补录
		log.Printf("[ERROR] 退款流水写入失败 (entity=%d amount=%d reason=%q): %v", entityID, amountCents, reason, err)
		return fmt.Errorf("保存退款流水失败: %w", err)
	}
	log.Printf("[DEBUG] entity %d 退款 %d 美分: %s", entityID, amountCents, reason)
	return nil
}

// TopupBalance 充值入账（checkout 流程回调落地点）
func TopupBalance(dbConn *gorm.DB, entityID int64, amountCents int64, description string) error {
	if err := db.IncrementEntityBalance(dbConn, entityID, amountCents); err != nil {
		return fmt.Errorf("充值失败: %w", err)
	}
	txn := &db.BillingTransaction{
		EntityID:    entityID,
		AmountCents: amountCents,
		Type:        db.TxnTypeTopup,
		Description: description,
	}
	if err := db.SaveBillingTransaction(dbConn, txn); err != nil {
		// 同 Compensate：入账不回退，日志对账
		log.Printf("[ERROR] 充值流水写入失败 (entity=%d amount=%d): %v", entityID, amountCents, err)
		return fmt.Errorf("保存充值流水失败: %w", err)
	}
	return nil
}
