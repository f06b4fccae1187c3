package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintExternalOrder = "uniq_transactions_external_order"
	constraintAccountsPK    = "accounts_pkey"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorCodeAdjust         = "adjust"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSum            = "sum"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Intended for SQLite deployments and tests;
// PostgreSQL schemas are managed by the goose migrations in pgstore.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Transaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := Account{
		AccountID: account.AccountID,
		Plan:      account.Plan,
		Balance:   account.Balance,
		CreatedAt: time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintAccountsPK) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return ledger.Account{
		AccountID:      model.AccountID,
		Plan:           model.Plan,
		Balance:        model.Balance,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

// AdjustBalance applies the delta with the balance check inside the same
// UPDATE statement; a zero row count means either a missing account or a
// debit that would drive the balance negative.
func (store *Store) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance + ? >= 0", accountID, delta).
		Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
		}
		if count == 0 {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrAccountNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrInsufficientBalance)
	}
	var model Account
	if err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&model).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return model.Balance, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (string, error) {
	var externalOrderID *string
	if transaction.ExternalOrderID != "" {
		value := transaction.ExternalOrderID
		externalOrderID = &value
	}
	model := Transaction{
		TransactionID:   transaction.TransactionID,
		AccountID:       transaction.AccountID,
		Amount:          transaction.Amount,
		Kind:            transaction.Kind.String(),
		Description:     transaction.Description,
		ExternalOrderID: externalOrderID,
		Metadata:        datatypesJSON(transaction.MetadataJSON),
		CreatedAt:       time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintExternalOrder) {
		return "", wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalOrder)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return model.TransactionID, nil
}

func (store *Store) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id > ?", afterAccountID).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return ids, nil
}

// CheckBalanceDrift reads the balance and the transaction sum in one
// statement so reconciliation compares a single snapshot.
func (store *Store) CheckBalanceDrift(ctx context.Context, accountID string) (int64, int64, error) {
	var row driftRow
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Select("accounts.balance as balance, coalesce((select sum(t.amount) from transactions t where t.account_id = accounts.account_id), 0) as ledger_sum").
		Where("accounts.account_id = ?", accountID).
		Take(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return 0, 0, wrapStoreError(errorSubjectBalance, errorCodeSum, result.Error)
	}
	return row.Balance, row.LedgerSum, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type driftRow struct {
	Balance   int64
	LedgerSum int64
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	externalOrderID := ""
	if row.ExternalOrderID != nil {
		externalOrderID = *row.ExternalOrderID
	}
	return ledger.Transaction{
		TransactionID:   row.TransactionID,
		AccountID:       row.AccountID,
		Amount:          row.Amount,
		Kind:            kind,
		Description:     row.Description,
		ExternalOrderID: externalOrderID,
		MetadataJSON:    string(row.Metadata),
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
