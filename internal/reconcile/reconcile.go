// Package reconcile periodically checks that every account's stored
// balance equals the sum of its transaction amounts. Drift means a bug
// or manual tampering; the job reports it and never writes.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
)

const (
	defaultPageSize = 100
	maxPageAttempts = 3
	retryBaseDelay  = 250 * time.Millisecond
)

// ErrInvalidReconciler indicates a missing store or interval.
var ErrInvalidReconciler = errors.New("reconcile: store and positive interval are required")

// Drift describes one account whose balance disagrees with its ledger.
type Drift struct {
	AccountID string
	Balance   int64
	LedgerSum int64
}

// driftChecker is an optional store capability: read the balance and
// the transaction sum in one statement so concurrent commits cannot
// slip between the two reads. Stores that lack it fall back to two
// reads inside one transaction.
type driftChecker interface {
	CheckBalanceDrift(ctx context.Context, accountID string) (balance int64, ledgerSum int64, err error)
}

// Reconciler sweeps all accounts on a fixed interval.
type Reconciler struct {
	store    ledger.Store
	logger   *zap.Logger
	interval time.Duration
	pageSize int
}

// New returns a Reconciler sweeping every interval, pageSize accounts
// per read.
func New(store ledger.Store, logger *zap.Logger, interval time.Duration, pageSize int) (*Reconciler, error) {
	if store == nil || interval <= 0 {
		return nil, ErrInvalidReconciler
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Reconciler{store: store, logger: logger, interval: interval, pageSize: pageSize}, nil
}

// Run sweeps until the context is cancelled. Sweep failures are logged
// and the next tick tries again.
func (reconciler *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(reconciler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drifts, err := reconciler.ReconcileAll(ctx)
			if err != nil {
				reconciler.logger.Warn("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if len(drifts) == 0 {
				reconciler.logger.Info("reconciliation sweep clean")
			}
		}
	}
}

// ReconcileAll pages through every account and returns those whose
// balance does not equal the sum of their transactions. Each drift is
// also logged at error level. Transient page failures are retried with
// exponential backoff before the sweep gives up.
func (reconciler *Reconciler) ReconcileAll(ctx context.Context) ([]Drift, error) {
	var drifts []Drift
	afterAccountID := ""
	for {
		accountIDs, err := reconciler.listPage(ctx, afterAccountID)
		if err != nil {
			return nil, err
		}
		if len(accountIDs) == 0 {
			return drifts, nil
		}
		for _, accountID := range accountIDs {
			drift, drifted, err := reconciler.checkAccount(ctx, accountID)
			if err != nil {
				return nil, err
			}
			if drifted {
				reconciler.logger.Error("balance drift detected",
					zap.String("account_id", drift.AccountID),
					zap.Int64("balance", drift.Balance),
					zap.Int64("ledger_sum", drift.LedgerSum))
				drifts = append(drifts, drift)
			}
		}
		afterAccountID = accountIDs[len(accountIDs)-1]
	}
}

func (reconciler *Reconciler) listPage(ctx context.Context, afterAccountID string) ([]string, error) {
	backoff := retry.WithMaxRetries(maxPageAttempts, retry.NewExponential(retryBaseDelay))
	var accountIDs []string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		page, err := reconciler.store.ListAccountIDs(ctx, afterAccountID, reconciler.pageSize)
		if err != nil {
			return retry.RetryableError(err)
		}
		accountIDs = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accountIDs, nil
}

// checkAccount compares the stored balance against the transaction sum.
// A single-statement read is preferred when the store offers one; the
// fallback does both reads inside one transaction, which is consistent
// on stores that serialize writers but can misreport under read
// committed when a commit lands between the reads.
func (reconciler *Reconciler) checkAccount(ctx context.Context, accountID string) (Drift, bool, error) {
	if checker, ok := reconciler.store.(driftChecker); ok {
		balance, ledgerSum, err := checker.CheckBalanceDrift(ctx, accountID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return Drift{}, false, nil
			}
			return Drift{}, false, err
		}
		if balance != ledgerSum {
			return Drift{AccountID: accountID, Balance: balance, LedgerSum: ledgerSum}, true, nil
		}
		return Drift{}, false, nil
	}

	var drift Drift
	drifted := false
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		account, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			// Deleted between the page read and the check.
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return nil
			}
			return err
		}
		ledgerSum, err := txStore.SumTransactionAmounts(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance != ledgerSum {
			drift = Drift{AccountID: accountID, Balance: account.Balance, LedgerSum: ledgerSum}
			drifted = true
		}
		return nil
	})
	if err != nil {
		return Drift{}, false, err
	}
	return drift, drifted, nil
}
