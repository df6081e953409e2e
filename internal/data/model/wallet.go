package model

import (
	"time"

	"gorm.io/datatypes"
)

// Subscription 订阅状态表
type Subscription struct {
	UserID    string     `gorm:"column:user_id;primaryKey;type:varchar(64)"`
	Plan      string     `gorm:"column:plan;type:varchar(32);not null"`
	EndDate   *time.Time `gorm:"column:end_date"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

// TableName 指定表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// FreeCreditGrant 免费次数表，(user_id, feature_key) 唯一
type FreeCreditGrant struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uk_free_credit,priority:1"`
	FeatureKey string    `gorm:"column:feature_key;type:varchar(64);not null;uniqueIndex:uk_free_credit,priority:2"`
	Cap        int32     `gorm:"column:cap;not null"`
	Used       int32     `gorm:"column:used;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (FreeCreditGrant) TableName() string {
	return "free_credit_grants"
}

// CreditTopUp 充值余额桶表，(user_id, reference) 唯一（支付回调幂等）
type CreditTopUp struct {
	TopUpID     string    `gorm:"column:top_up_id;primaryKey;type:varchar(36)"`
	UserID      string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uk_top_up_reference,priority:1"`
	AmountCents int64     `gorm:"column:amount_cents;not null"`
	UsedCents   int64     `gorm:"column:used_cents;not null;default:0"`
	ExpiresAt   time.Time `gorm:"column:expires_at;not null"`
	Reference   string    `gorm:"column:reference;type:varchar(128);not null;uniqueIndex:uk_top_up_reference,priority:2"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (CreditTopUp) TableName() string {
	return "credit_top_ups"
}

// WalletCharge 扣费记录表，(user_id, idempotency_key) 唯一
type WalletCharge struct {
	ChargeID          string         `gorm:"column:charge_id;primaryKey;type:varchar(36)"`
	UserID            string         `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uk_wallet_charge_key,priority:1"`
	IdempotencyKey    string         `gorm:"column:idempotency_key;type:varchar(128);not null;uniqueIndex:uk_wallet_charge_key,priority:2"`
	FeatureKey        string         `gorm:"column:feature_key;type:varchar(64);not null"`
	Source            string         `gorm:"column:source;type:varchar(32);not null"`
	CostCents         int64          `gorm:"column:cost_cents;not null"`
	BalanceAfterCents int64          `gorm:"column:balance_after_cents;not null"`
	Draws             datatypes.JSON `gorm:"column:draws"`
	CreatedAt         time.Time      `gorm:"column:created_at;index"`
}

// TableName 指定表名
func (WalletCharge) TableName() string {
	return "wallet_charges"
}
