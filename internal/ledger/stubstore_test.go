package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubState holds the in-memory tables shared by stubStore and its
// transactional view.
type stubState struct {
	accounts     map[string]Account
	transactions []Transaction
	orders       map[string]bool
	serial       int
}

func newStubState() *stubState {
	return &stubState{
		accounts: make(map[string]Account),
		orders:   make(map[string]bool),
	}
}

func (state *stubState) clone() *stubState {
	copied := newStubState()
	for id, account := range state.accounts {
		copied.accounts[id] = account
	}
	copied.transactions = append(copied.transactions, state.transactions...)
	for order := range state.orders {
		copied.orders[order] = true
	}
	copied.serial = state.serial
	return copied
}

func (state *stubState) createAccount(account Account) error {
	if _, exists := state.accounts[account.AccountID]; exists {
		return ErrAccountExists
	}
	state.accounts[account.AccountID] = account
	return nil
}

func (state *stubState) getAccount(accountID string) (Account, error) {
	account, exists := state.accounts[accountID]
	if !exists {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (state *stubState) adjustBalance(accountID string, delta int64) (int64, error) {
	account, exists := state.accounts[accountID]
	if !exists {
		return 0, ErrAccountNotFound
	}
	if account.Balance+delta < 0 {
		return 0, ErrInsufficientBalance
	}
	account.Balance += delta
	state.accounts[accountID] = account
	return account.Balance, nil
}

func (state *stubState) insertTransaction(transaction Transaction) (string, error) {
	if transaction.ExternalOrderID != "" {
		if state.orders[transaction.ExternalOrderID] {
			return "", ErrDuplicateExternalOrder
		}
		state.orders[transaction.ExternalOrderID] = true
	}
	state.serial++
	transaction.TransactionID = fmt.Sprintf("tx-%d", state.serial)
	state.transactions = append(state.transactions, transaction)
	return transaction.TransactionID, nil
}

func (state *stubState) sumTransactionAmounts(accountID string) int64 {
	var sum int64
	for _, transaction := range state.transactions {
		if transaction.AccountID == accountID {
			sum += transaction.Amount
		}
	}
	return sum
}

func (state *stubState) listTransactions(accountID string, beforeUnixUTC int64, limit int) []Transaction {
	listed := make([]Transaction, 0, limit)
	for index := len(state.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		transaction := state.transactions[index]
		if transaction.AccountID == accountID && transaction.CreatedUnixUTC < beforeUnixUTC {
			listed = append(listed, transaction)
		}
	}
	return listed
}

func (state *stubState) listAccountIDs(afterAccountID string, limit int) []string {
	ids := make([]string, 0, limit)
	for id := range state.accounts {
		if id > afterAccountID {
			ids = append(ids, id)
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// stubStore serializes every transaction behind one mutex and rolls
// failed transactions back to the pre-transaction snapshot.
type stubStore struct {
	mu    sync.Mutex
	state *stubState
}

func newStubStore() *stubStore {
	return &stubStore{state: newStubState()}
}

// seedAccount creates an account and, for non-zero balances, a matching
// grant transaction so the balance/ledger invariant holds from the start.
func (store *stubStore) seedAccount(t *testing.T, accountID string, balance int64) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.state.createAccount(Account{AccountID: accountID, Plan: "starter", Balance: 0}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if balance == 0 {
		return
	}
	if _, err := store.state.adjustBalance(accountID, balance); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if _, err := store.state.insertTransaction(Transaction{
		AccountID:    accountID,
		Amount:       balance,
		Kind:         KindGrant,
		Description:  "seed",
		MetadataJSON: "{}",
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
}

func (store *stubStore) accountTransactions(accountID string) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]Transaction, 0, len(store.state.transactions))
	for _, transaction := range store.state.transactions {
		if transaction.AccountID == accountID {
			matched = append(matched, transaction)
		}
	}
	return matched
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, &stubTxStore{state: store.state}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createAccount(account)
}

func (store *stubStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getAccount(accountID)
}

func (store *stubStore) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.adjustBalance(accountID, delta)
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.insertTransaction(transaction)
}

func (store *stubStore) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.sumTransactionAmounts(accountID), nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listTransactions(accountID, beforeUnixUTC, limit), nil
}

func (store *stubStore) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listAccountIDs(afterAccountID, limit), nil
}

// stubTxStore is the view handed to WithTx callbacks; the outer store
// already holds the mutex.
type stubTxStore struct {
	state *stubState
}

func (store *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubTxStore) CreateAccount(ctx context.Context, account Account) error {
	return store.state.createAccount(account)
}

func (store *stubTxStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return store.state.getAccount(accountID)
}

func (store *stubTxStore) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	return store.state.adjustBalance(accountID, delta)
}

func (store *stubTxStore) InsertTransaction(ctx context.Context, transaction Transaction) (string, error) {
	return store.state.insertTransaction(transaction)
}

func (store *stubTxStore) SumTransactionAmounts(ctx context.Context, accountID string) (int64, error) {
	return store.state.sumTransactionAmounts(accountID), nil
}

func (store *stubTxStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return store.state.listTransactions(accountID, beforeUnixUTC, limit), nil
}

func (store *stubTxStore) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	return store.state.listAccountIDs(afterAccountID, limit), nil
}

func mustNewService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(t *testing.T, raw string) AccountID {
	t.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustAmount(t *testing.T, raw int64) CreditAmount {
	t.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	return amount
}

func mustOrderID(t *testing.T, raw string) ExternalOrderID {
	t.Helper()
	orderID, err := NewExternalOrderID(raw)
	if err != nil {
		t.Fatalf("order id: %v", err)
	}
	return orderID
}

func mustAdminID(t *testing.T, raw string) AdminID {
	t.Helper()
	adminID, err := NewAdminID(raw)
	if err != nil {
		t.Fatalf("admin id: %v", err)
	}
	return adminID
}

// checkInvariant asserts that the balance equals the transaction sum.
func checkInvariant(t *testing.T, store *stubStore, accountID string) {
	t.Helper()
	account, err := store.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	sum, err := store.SumTransactionAmounts(context.Background(), accountID)
	if err != nil {
		t.Fatalf("sum transactions: %v", err)
	}
	if account.Balance != sum {
		t.Fatalf("balance %d diverged from transaction sum %d", account.Balance, sum)
	}
}
