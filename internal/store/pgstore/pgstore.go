package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintExternalOrder = "uniq_transactions_external_order"
	constraintAccountsPK    = "accounts_pkey"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectTx          = "tx"
	errorCodeAdjust         = "adjust"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSum            = "sum"

	sqlInsertAccount = `
		insert into accounts(account_id, plan, balance, created_at)
		values($1, $2, $3, to_timestamp($4))
	`

	sqlSelectAccount = `
		select account_id, plan, balance, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlAccountExists = `
		select exists(select 1 from accounts where account_id = $1)
	`

	// The balance check and the write are one statement: a concurrent
	// debit can never observe the read and the write as separate steps.
	sqlAdjustBalance = `
		update accounts
		set balance = balance + $2
		where account_id = $1 and balance + $2 >= 0
		returning balance
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, account_id, amount, kind, description, external_order_id, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,''),
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7)
		)
		returning transaction_id::text
	`

	sqlSumTransactionAmounts = `
		select coalesce(sum(amount),0) from transactions where account_id = $1
	`

	sqlListTransactionsBefore = `
		select
			transaction_id::text,
			account_id,
			amount,
			kind,
			description,
			coalesce(external_order_id,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from transactions
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlListAccountIDsAfter = `
		select account_id from accounts
		where account_id > $1
		order by account_id asc
		limit $2
	`

	// One statement so the balance and the sum come from the same
	// snapshot even at read committed.
	sqlCheckBalanceDrift = `
		select a.balance,
		       coalesce((select sum(t.amount) from transactions t where t.account_id = a.account_id), 0)
		from accounts a
		where a.account_id = $1
	`
)

// querier covers the query surface shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	return createAccount(ctx, store.pool, account)
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return getAccount(ctx, store.pool, accountID)
}

func (store *Store) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	return adjustBalance(ctx, store.pool, accountID, delta)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (string, error) {
	return insertTransaction(ctx, store.pool, transaction)
}

func (store *Store) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	return sumTransactionAmounts(ctx, store.pool, accountID)
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	return listTransactions(ctx, store.pool, accountID, beforeUnixUTC, limit)
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	return listAccountIDs(ctx, store.pool, afterAccountID, limit)
}

// CheckBalanceDrift reads the balance and the transaction sum in one
// statement for reconciliation.
func (store *Store) CheckBalanceDrift(ctx context.Context, accountID string) (int64, int64, error) {
	return checkBalanceDrift(ctx, store.pool, accountID)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) CreateAccount(ctx context.Context, account ledger.Account) error {
	return createAccount(ctx, store.tx, account)
}

func (store *TxStore) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return getAccount(ctx, store.tx, accountID)
}

func (store *TxStore) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	return adjustBalance(ctx, store.tx, accountID, delta)
}

func (store *TxStore) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (string, error) {
	return insertTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	return sumTransactionAmounts(ctx, store.tx, accountID)
}

func (store *TxStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	return listTransactions(ctx, store.tx, accountID, beforeUnixUTC, limit)
}

func (store *TxStore) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	return listAccountIDs(ctx, store.tx, afterAccountID, limit)
}

func (store *TxStore) CheckBalanceDrift(ctx context.Context, accountID string) (int64, int64, error) {
	return checkBalanceDrift(ctx, store.tx, accountID)
}

func createAccount(ctx context.Context, q querier, account ledger.Account) error {
	_, err := q.Exec(ctx, sqlInsertAccount, account.AccountID, account.Plan, account.Balance, account.CreatedUnixUTC)
	if isUniqueViolation(err, constraintAccountsPK) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, accountID string) (ledger.Account, error) {
	var account ledger.Account
	err := q.QueryRow(ctx, sqlSelectAccount, accountID).Scan(
		&account.AccountID,
		&account.Plan,
		&account.Balance,
		&account.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func checkBalanceDrift(ctx context.Context, q querier, accountID string) (int64, int64, error) {
	var balance, ledgerSum int64
	err := q.QueryRow(ctx, sqlCheckBalanceDrift, accountID).Scan(&balance, &ledgerSum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return 0, 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return balance, ledgerSum, nil
}

func adjustBalance(ctx context.Context, q querier, accountID string, delta int64) (int64, error) {
	var newBalance int64
	err := q.QueryRow(ctx, sqlAdjustBalance, accountID, delta).Scan(&newBalance)
	if err == nil {
		return newBalance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	var exists bool
	if err := q.QueryRow(ctx, sqlAccountExists, accountID).Scan(&exists); err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	if !exists {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrAccountNotFound)
	}
	return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrInsufficientBalance)
}

func insertTransaction(ctx context.Context, q querier, transaction ledger.Transaction) (string, error) {
	var transactionID string
	err := q.QueryRow(ctx, sqlInsertTransaction,
		transaction.AccountID,
		transaction.Amount,
		transaction.Kind.String(),
		transaction.Description,
		transaction.ExternalOrderID,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	).Scan(&transactionID)
	if isUniqueViolation(err, constraintExternalOrder) {
		return "", wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalOrder)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transactionID, nil
}

func sumTransactionAmounts(ctx context.Context, q querier, accountID string) (int64, error) {
	var sum int64
	if err := q.QueryRow(ctx, sqlSumTransactionAmounts, accountID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum, nil
}

func listTransactions(ctx context.Context, q querier, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	rows, err := q.Query(ctx, sqlListTransactionsBefore, accountID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func listAccountIDs(ctx context.Context, q querier, afterAccountID string, limit int) ([]string, error) {
	rows, err := q.Query(ctx, sqlListAccountIDsAfter, afterAccountID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	ids := make([]string, 0, limit)
	for rows.Next() {
		var accountID string
		if err := rows.Scan(&accountID); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		ids = append(ids, accountID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return ids, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transaction ledger.Transaction
			kindValue   string
		)
		if err := rows.Scan(
			&transaction.TransactionID,
			&transaction.AccountID,
			&transaction.Amount,
			&kindValue,
			&transaction.Description,
			&transaction.ExternalOrderID,
			&transaction.MetadataJSON,
			&transaction.CreatedUnixUTC,
		); err != nil {
			return nil, err
		}
		kind, err := ledger.ParseTransactionKind(kindValue)
		if err != nil {
			return nil, err
		}
		transaction.Kind = kind
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
