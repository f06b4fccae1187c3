package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Service contains the balance and ledger logic over a Store.
// Every balance mutation appends exactly one transaction in the same
// atomic unit as the balance write.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateAccount registers a new account. A non-zero starter amount is
// granted inside the same transaction as the account row so the balance
// always equals the transaction sum.
func (service *Service) CreateAccount(ctx context.Context, accountID AccountID, plan string, starterCredits int64) error {
	normalizedPlan := strings.TrimSpace(plan)
	if normalizedPlan == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidPlan)
	}
	if starterCredits < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidStarterCredits)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account := Account{
			AccountID:      accountID.String(),
			Plan:           normalizedPlan,
			Balance:        0,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.CreateAccount(ctx, account); err != nil {
			return err
		}
		if starterCredits == 0 {
			return nil
		}
		return service.applyDelta(ctx, transactionStore, accountID, starterCredits, KindGrant, "starter grant", "", mustEmptyMetadata())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateAccount,
		AccountID: accountID,
		Amount:    starterCredits,
		Kind:      KindGrant,
		Error:     operationError,
	})
	return operationError
}

// GetBalance returns the current balance. Read-only; no transaction row.
func (service *Service) GetBalance(ctx context.Context, accountID AccountID) (int64, error) {
	account, err := service.store.GetAccount(ctx, accountID.String())
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// TryDebit atomically debits the account or fails with
// ErrInsufficientBalance, leaving the balance untouched. Used by the
// entitlement gate before any metered work starts.
func (service *Service) TryDebit(ctx context.Context, accountID AccountID, amount CreditAmount, description string) (int64, error) {
	newBalance, operationError := service.apply(ctx, accountID, -amount.Int64(), KindUsage, description, ExternalOrderID{}, mustEmptyMetadata())
	service.logOperation(ctx, OperationLog{
		Operation:   operationDebit,
		AccountID:   accountID,
		Amount:      amount.Int64(),
		Kind:        KindUsage,
		Description: description,
		Error:       operationError,
	})
	return newBalance, operationError
}

// Credit applies a purchase. The external order id is mandatory: it is
// the idempotency key that makes webhook redelivery safe, and a replay
// fails with ErrDuplicateExternalOrder without touching the balance.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount CreditAmount, description string, externalOrderID ExternalOrderID) (int64, error) {
	if externalOrderID.String() == "" {
		return 0, fmt.Errorf("%w: required for credits", ErrInvalidExternalOrderID)
	}
	newBalance, operationError := service.apply(ctx, accountID, amount.Int64(), KindPurchase, description, externalOrderID, mustEmptyMetadata())
	service.logOperation(ctx, OperationLog{
		Operation:       operationCredit,
		AccountID:       accountID,
		Amount:          amount.Int64(),
		Kind:            KindPurchase,
		Description:     description,
		ExternalOrderID: externalOrderID.String(),
		Error:           operationError,
	})
	return newBalance, operationError
}

// Grant credits the account on administrative authority. Grants carry no
// external order id; the granting admin is recorded in the metadata.
func (service *Service) Grant(ctx context.Context, accountID AccountID, amount CreditAmount, description string, grantedBy AdminID) (int64, error) {
	metadata, err := metadataWith(metadataKeyGrantedBy, grantedBy.String())
	if err != nil {
		return 0, err
	}
	newBalance, operationError := service.apply(ctx, accountID, amount.Int64(), KindGrant, description, ExternalOrderID{}, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:   operationGrant,
		AccountID:   accountID,
		Amount:      amount.Int64(),
		Kind:        KindGrant,
		Description: description,
		Error:       operationError,
	})
	return newBalance, operationError
}

// Refund credits the account back for a previously debited transaction.
// The original row is referenced, never mutated or deleted.
func (service *Service) Refund(ctx context.Context, accountID AccountID, amount CreditAmount, originalTransactionID string, description string, issuedBy AdminID) (int64, error) {
	normalizedOriginal := strings.TrimSpace(originalTransactionID)
	if normalizedOriginal == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	metadata, err := metadataWithPairs(map[string]string{
		metadataKeyIssuedBy:    issuedBy.String(),
		metadataKeyRefundsTxID: normalizedOriginal,
	})
	if err != nil {
		return 0, err
	}
	newBalance, operationError := service.apply(ctx, accountID, amount.Int64(), KindRefund, description, ExternalOrderID{}, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:   operationRefund,
		AccountID:   accountID,
		Amount:      amount.Int64(),
		Kind:        KindRefund,
		Description: description,
		Error:       operationError,
	})
	return newBalance, operationError
}

// History lists the most recent transactions before a cutoff time.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = defaultListTransactionsLimit
	}
	if limit > maxListTransactionsLimit {
		return nil, fmt.Errorf("%w: at most %d", ErrInvalidTransactionsLimit, maxListTransactionsLimit)
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListTransactions(ctx, accountID.String(), beforeUnixUTC, limit)
}

func (service *Service) apply(ctx context.Context, accountID AccountID, delta int64, kind TransactionKind, description string, externalOrderID ExternalOrderID, metadata MetadataJSON) (int64, error) {
	normalizedDescription := strings.TrimSpace(description)
	if normalizedDescription == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	var newBalance int64
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, applyErr := transactionStore.AdjustBalance(ctx, accountID.String(), delta)
		if applyErr != nil {
			return applyErr
		}
		if _, applyErr = transactionStore.InsertTransaction(ctx, Transaction{
			AccountID:       accountID.String(),
			Amount:          delta,
			Kind:            kind,
			Description:     normalizedDescription,
			ExternalOrderID: externalOrderID.String(),
			MetadataJSON:    metadata.String(),
			CreatedUnixUTC:  service.nowFn(),
		}); applyErr != nil {
			return applyErr
		}
		newBalance = balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (service *Service) applyDelta(ctx context.Context, transactionStore Store, accountID AccountID, delta int64, kind TransactionKind, description string, externalOrderID string, metadata MetadataJSON) error {
	if _, err := transactionStore.AdjustBalance(ctx, accountID.String(), delta); err != nil {
		return err
	}
	_, err := transactionStore.InsertTransaction(ctx, Transaction{
		AccountID:       accountID.String(),
		Amount:          delta,
		Kind:            kind,
		Description:     description,
		ExternalOrderID: externalOrderID,
		MetadataJSON:    metadata.String(),
		CreatedUnixUTC:  service.nowFn(),
	})
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func metadataWith(key string, value string) (MetadataJSON, error) {
	return metadataWithPairs(map[string]string{key: value})
}

func metadataWithPairs(pairs map[string]string) (MetadataJSON, error) {
	raw, err := json.Marshal(pairs)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

func mustEmptyMetadata() MetadataJSON {
	metadata, _ := NewMetadataJSON("")
	return metadata
}
