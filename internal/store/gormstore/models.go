package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is mutated only through
// Store.AdjustBalance inside a ledger transaction.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Plan      string    `gorm:"not null"`
	Balance   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the transactions table. Rows are append-only.
type Transaction struct {
	TransactionID   string         `gorm:"type:uuid;primaryKey"`
	AccountID       string         `gorm:"not null;index:idx_transactions_account_created,priority:1"`
	Amount          int64          `gorm:"not null"`
	Kind            string         `gorm:"not null"`
	Description     string         `gorm:"not null"`
	ExternalOrderID *string        `gorm:"uniqueIndex:uniq_transactions_external_order"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
