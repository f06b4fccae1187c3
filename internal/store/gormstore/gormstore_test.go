package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustCreateAccount(t *testing.T, store *Store, accountID string, balance int64) {
	t.Helper()
	err := store.CreateAccount(context.Background(), ledger.Account{
		AccountID:      accountID,
		Plan:           "starter",
		Balance:        balance,
		CreatedUnixUTC: 1700000000,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func TestCreateAccountAndGet(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-1", 0)

	account, err := store.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Plan != "starter" || account.Balance != 0 {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-dup", 0)

	err := store.CreateAccount(context.Background(), ledger.Account{AccountID: "acct-dup", Plan: "starter", CreatedUnixUTC: 1700000000})
	if !errors.Is(err, ledger.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.GetAccount(context.Background(), "acct-missing")
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAdjustBalanceRefusesNegativeResult(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-low", 10)

	_, err := store.AdjustBalance(context.Background(), "acct-low", -11)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	account, err := store.GetAccount(context.Background(), "acct-low")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 10 {
		t.Fatalf("expected balance untouched at 10, got %d", account.Balance)
	}
}

func TestAdjustBalanceUnknownAccount(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.AdjustBalance(context.Background(), "acct-missing", 5)
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAdjustBalanceAppliesDelta(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-delta", 100)

	newBalance, err := store.AdjustBalance(context.Background(), "acct-delta", -60)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if newBalance != 40 {
		t.Fatalf("expected 40, got %d", newBalance)
	}
}

func TestInsertTransactionDuplicateExternalOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-order", 0)

	input := ledger.Transaction{
		AccountID:       "acct-order",
		Amount:          500,
		Kind:            ledger.KindPurchase,
		Description:     "pro plan purchase",
		ExternalOrderID: "ord_1",
		MetadataJSON:    "{}",
		CreatedUnixUTC:  1700000000,
	}
	if _, err := store.InsertTransaction(context.Background(), input); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := store.InsertTransaction(context.Background(), input)
	if !errors.Is(err, ledger.ErrDuplicateExternalOrder) {
		t.Fatalf("expected ErrDuplicateExternalOrder, got %v", err)
	}
}

func TestInsertTransactionAllowsManyWithoutExternalOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-usage", 0)

	for i := 0; i < 3; i++ {
		_, err := store.InsertTransaction(context.Background(), ledger.Transaction{
			AccountID:      "acct-usage",
			Amount:         -5,
			Kind:           ledger.KindUsage,
			Description:    "usage",
			CreatedUnixUTC: 1700000000 + int64(i),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
}

func TestSumTransactionAmounts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-sum", 0)

	amounts := []int64{500, -10, -20}
	for index, amount := range amounts {
		kind := ledger.KindUsage
		if amount > 0 {
			kind = ledger.KindGrant
		}
		_, err := store.InsertTransaction(context.Background(), ledger.Transaction{
			AccountID:      "acct-sum",
			Amount:         amount,
			Kind:           kind,
			Description:    "entry",
			CreatedUnixUTC: 1700000000 + int64(index),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", index, err)
		}
	}

	sum, err := store.SumTransactionAmounts(context.Background(), "acct-sum")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 470 {
		t.Fatalf("expected 470, got %d", sum)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-tx", 100)

	sentinel := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if _, adjustErr := txStore.AdjustBalance(ctx, "acct-tx", -50); adjustErr != nil {
			return adjustErr
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	account, err := store.GetAccount(context.Background(), "acct-tx")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance != 100 {
		t.Fatalf("expected rollback to 100, got %d", account.Balance)
	}
}

func TestListTransactionsOrdersRecentFirst(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-list", 0)

	for i := 0; i < 3; i++ {
		_, err := store.InsertTransaction(context.Background(), ledger.Transaction{
			AccountID:      "acct-list",
			Amount:         int64(i + 1),
			Kind:           ledger.KindGrant,
			Description:    "entry",
			CreatedUnixUTC: 1700000000 + int64(i),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	transactions, err := store.ListTransactions(context.Background(), "acct-list", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].Amount != 3 || transactions[1].Amount != 2 {
		t.Fatalf("expected newest first, got %+v", transactions)
	}
}

func TestListAccountIDsPages(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	for _, accountID := range []string{"acct-a", "acct-b", "acct-c"} {
		mustCreateAccount(t, store, accountID, 0)
	}

	first, err := store.ListAccountIDs(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 || first[0] != "acct-a" || first[1] != "acct-b" {
		t.Fatalf("unexpected first page: %v", first)
	}
	second, err := store.ListAccountIDs(context.Background(), first[1], 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(second) != 1 || second[0] != "acct-c" {
		t.Fatalf("unexpected second page: %v", second)
	}
}

func TestCheckBalanceDriftSingleRead(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mustCreateAccount(t, store, "acct-drift", 100)

	_, err := store.InsertTransaction(context.Background(), ledger.Transaction{
		AccountID:      "acct-drift",
		Amount:         60,
		Kind:           ledger.KindGrant,
		Description:    "entry",
		CreatedUnixUTC: 1700000000,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	balance, ledgerSum, err := store.CheckBalanceDrift(context.Background(), "acct-drift")
	if err != nil {
		t.Fatalf("check drift: %v", err)
	}
	if balance != 100 || ledgerSum != 60 {
		t.Fatalf("expected balance 100 and sum 60, got %d and %d", balance, ledgerSum)
	}
}

func TestCheckBalanceDriftUnknownAccount(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, _, err := store.CheckBalanceDrift(context.Background(), "acct-missing")
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
