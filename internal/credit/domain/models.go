package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionKind classifies an append-only ledger row.
type TransactionKind string

const (
	KindDebit  TransactionKind = "debit"
	KindRefund TransactionKind = "refund"
	KindGrant  TransactionKind = "grant"
)

// CreditBucket names the two pools a balance is split into.
type CreditBucket string

const (
	// BucketIncluded is the plan allotment, reset every billing cycle.
	BucketIncluded CreditBucket = "included"
	// BucketPurchased never expires and is consumed first.
	BucketPurchased CreditBucket = "purchased"
)

// CreditBalance is the single mutable row per tenant. Version increments on every write.
type CreditBalance struct {
	TenantID         string    `gorm:"type:varchar(64);primaryKey"`
	IncludedCredits  int64     `gorm:"not null;default:0"`
	PurchasedCredits int64     `gorm:"not null;default:0"`
	Version          int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

func (b CreditBalance) Total() int64 {
	return b.IncludedCredits + b.PurchasedCredits
}

// CreditTransaction is never updated or deleted. Amount is negative for debits.
type CreditTransaction struct {
	ID              snowflake.ID      `gorm:"primaryKey;autoIncrement:false"`
	TenantID        string            `gorm:"type:varchar(64);not null;uniqueIndex:ux_credit_transactions_idempotency,priority:1;index:ix_credit_transactions_tenant,priority:1"`
	IdempotencyKey  string            `gorm:"type:varchar(255);not null;uniqueIndex:ux_credit_transactions_idempotency,priority:2"`
	Kind            TransactionKind   `gorm:"type:varchar(16);not null;uniqueIndex:ux_credit_transactions_idempotency,priority:3"`
	Amount          int64             `gorm:"not null"`
	IncludedDelta   int64             `gorm:"not null;default:0"`
	PurchasedDelta  int64             `gorm:"not null;default:0"`
	BalanceAfter    int64             `gorm:"not null;default:0"`
	FeatureType     string            `gorm:"type:varchar(64);not null;default:''"`
	FeatureMetadata datatypes.JSONMap `gorm:"type:json"`
	Description     string            `gorm:"type:text"`
	CreatedAt       time.Time         `gorm:"not null;index:ix_credit_transactions_tenant,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
