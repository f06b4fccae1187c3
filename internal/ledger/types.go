package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive number of credits.
type CreditAmount int64

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// ExternalOrderID correlates a ledger transaction to a payment-gateway order.
type ExternalOrderID struct {
	value string
}

// AdminID identifies the administrator behind a grant or refund.
type AdminID struct {
	value string
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindPurchase TransactionKind = "purchase"
	KindUsage    TransactionKind = "usage"
	KindGrant    TransactionKind = "grant"
	KindRefund   TransactionKind = "refund"
)

// Account holds the mutable balance and the entitlement plan.
type Account struct {
	AccountID      string
	Plan           string
	Balance        int64
	CreatedUnixUTC int64
}

// A single immutable line in the ledger. Amount is signed:
// positive entries credit the account, negative entries debit it.
type Transaction struct {
	TransactionID   string
	AccountID       string
	Amount          int64
	Kind            TransactionKind
	Description     string
	ExternalOrderID string
	MetadataJSON    string
	CreatedUnixUTC  int64
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewExternalOrderID validates and normalizes an external order id.
func NewExternalOrderID(raw string) (ExternalOrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalOrderID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalOrderID)
	}
	return ExternalOrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalOrderID) String() string {
	return id.value
}

// NewAdminID validates and normalizes an administrator id.
func NewAdminID(raw string) (AdminID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AdminID{}, fmt.Errorf("%w: empty value", ErrInvalidAdminID)
	}
	return AdminID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AdminID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindPurchase, KindUsage, KindGrant, KindRefund:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// String returns the stored kind value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this already.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	// AdjustBalance applies a signed delta as a single conditional update.
	// It returns ErrInsufficientBalance when the delta would drive the
	// balance negative and ErrAccountNotFound for unknown accounts; the
	// balance check and the write are one statement, never two.
	AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error)
	// InsertTransaction appends one immutable row and returns its id.
	// A colliding external order id fails with ErrDuplicateExternalOrder.
	InsertTransaction(ctx context.Context, transaction Transaction) (string, error)
	SumTransactionAmounts(ctx context.Context, accountID string) (int64, error)
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error)
	ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error)
}
