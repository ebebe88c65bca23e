package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table, one balance row per user.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Credits   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_ledger_idempotency_key"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;autoCreateTime:false;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// CheckoutSession mirrors the checkout_sessions table.
type CheckoutSession struct {
	SessionID   string    `gorm:"primaryKey"`
	UserID      string    `gorm:"not null;index"`
	PackageID   string    `gorm:"not null"`
	Credits     int64     `gorm:"not null"`
	AmountMinor int64     `gorm:"not null"`
	Currency    string    `gorm:"not null"`
	Status      string    `gorm:"not null;index:idx_checkout_status_updated,priority:1"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime:false;index:idx_checkout_status_updated,priority:2"`
}

func (CheckoutSession) TableName() string { return "checkout_sessions" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &CheckoutSession{}}
}
