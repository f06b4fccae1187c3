package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/entitlement/internal/catalog"
	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one inbound event.
type Outcome string

const (
	// OutcomeApplied means the credit was written to the ledger.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the order was already applied; the event is
	// acknowledged as a successful no-op so the gateway stops retrying.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means a non-success event type; acknowledged, no
	// ledger interaction.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected means a permanent failure; acknowledged (except for
	// signature failures, which callers surface as an auth error) and
	// never retried.
	OutcomeRejected Outcome = "rejected"
)

// Reject reasons carried on OutcomeRejected results.
const (
	RejectReasonSignature      = "signature_invalid"
	RejectReasonMalformed      = "malformed_payload"
	RejectReasonUnknownPlan    = "unknown_plan"
	RejectReasonUnknownAccount = "unknown_account"
	RejectReasonKindMismatch   = "purchase_kind_mismatch"
)

// Result reports how an event was settled.
type Result struct {
	Outcome      Outcome
	RejectReason string
	OrderID      string
	AccountID    string
	Credits      int64
	NewBalance   int64
}

// PurchaseNotification is emitted at most once per applied order.
type PurchaseNotification struct {
	AccountID  string `json:"account_id"`
	OrderID    string `json:"order_id"`
	PlanID     string `json:"plan_id"`
	Credits    int64  `json:"credits"`
	NewBalance int64  `json:"new_balance"`
}

// Notifier delivers purchase confirmations to downstream collaborators.
type Notifier interface {
	PurchaseApplied(ctx context.Context, notification PurchaseNotification) error
}

// Ingestor runs the per-event state machine:
// RECEIVED -> VERIFIED -> MAPPED -> APPLIED | DUPLICATE | REJECTED.
// Only transient store failures return a non-nil error; everything else
// is a terminal Result the transport acknowledges.
type Ingestor struct {
	secret        string
	creditService *ledger.Service
	planCatalog   *catalog.Catalog
	notifier      Notifier
	logger        *zap.Logger
}

// NewIngestor wires an Ingestor.
func NewIngestor(secret string, creditService *ledger.Service, planCatalog *catalog.Catalog, notifier Notifier, logger *zap.Logger) (*Ingestor, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrInvalidIngestor)
	}
	if creditService == nil {
		return nil, fmt.Errorf("%w: credit service dependency is nil", ErrInvalidIngestor)
	}
	if planCatalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidIngestor)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier dependency is nil", ErrInvalidIngestor)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		secret:        secret,
		creditService: creditService,
		planCatalog:   planCatalog,
		notifier:      notifier,
		logger:        logger,
	}, nil
}

// Process verifies, maps, and applies one raw delivery.
func (ingestor *Ingestor) Process(ctx context.Context, rawBody []byte, signature string, timestamp string) (Result, error) {
	if err := VerifySignature(ingestor.secret, timestamp, rawBody, signature); err != nil {
		ingestor.logger.Warn("webhook signature rejected", zap.Error(err))
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonSignature}, nil
	}

	event, err := ParseEvent(rawBody)
	if err != nil {
		ingestor.logger.Warn("webhook payload rejected", zap.Error(err))
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonMalformed}, nil
	}

	if event.Type != EventPaymentSucceeded {
		ingestor.logger.Info("webhook event ignored",
			zap.String("event_type", string(event.Type)),
			zap.String("order_id", event.OrderID))
		return Result{Outcome: OutcomeIgnored, OrderID: event.OrderID}, nil
	}

	return ingestor.applyMapped(ctx, event)
}

func (ingestor *Ingestor) applyMapped(ctx context.Context, event Event) (Result, error) {
	entry, err := ingestor.planCatalog.Lookup(event.Metadata.PlanID)
	if err != nil {
		// Upstream misconfiguration: the gateway sold a plan the catalog
		// does not know. Permanent, logged loudly, never retried.
		ingestor.logger.Error("webhook plan unknown",
			zap.String("plan_id", event.Metadata.PlanID),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonUnknownPlan, OrderID: event.OrderID}, nil
	}
	if event.Metadata.PurchaseKind != "" && event.Metadata.PurchaseKind != entry.Kind.String() {
		ingestor.logger.Error("webhook purchase kind mismatch",
			zap.String("plan_id", event.Metadata.PlanID),
			zap.String("event_kind", event.Metadata.PurchaseKind),
			zap.String("catalog_kind", entry.Kind.String()),
			zap.String("order_id", event.OrderID))
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonKindMismatch, OrderID: event.OrderID}, nil
	}

	accountID, err := ledger.NewAccountID(event.Metadata.AccountID)
	if err != nil {
		ingestor.logger.Error("webhook account id invalid",
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonUnknownAccount, OrderID: event.OrderID}, nil
	}
	amount, err := ledger.NewCreditAmount(entry.Credits)
	if err != nil {
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonUnknownPlan, OrderID: event.OrderID}, nil
	}
	orderID, err := ledger.NewExternalOrderID(event.OrderID)
	if err != nil {
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonMalformed, OrderID: event.OrderID}, nil
	}

	description := fmt.Sprintf("purchase of plan %s (order %s)", event.Metadata.PlanID, event.OrderID)
	newBalance, err := ingestor.creditService.Credit(ctx, accountID, amount, description, orderID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateExternalOrder):
		ingestor.logger.Info("webhook order already applied",
			zap.String("order_id", event.OrderID),
			zap.String("account_id", accountID.String()))
		return Result{Outcome: OutcomeDuplicate, OrderID: event.OrderID}, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		ingestor.logger.Error("webhook account unknown",
			zap.String("order_id", event.OrderID),
			zap.String("account_id", accountID.String()))
		return Result{Outcome: OutcomeRejected, RejectReason: RejectReasonUnknownAccount, OrderID: event.OrderID}, nil
	default:
		// Transient: the transport must not acknowledge, so the gateway
		// redelivers and the idempotency guard keeps that safe.
		return Result{}, err
	}

	// The confirmation is colocated with the APPLIED transition, which
	// happens at most once per order id.
	notification := PurchaseNotification{
		AccountID:  accountID.String(),
		OrderID:    event.OrderID,
		PlanID:     event.Metadata.PlanID,
		Credits:    entry.Credits,
		NewBalance: newBalance,
	}
	if err := ingestor.notifier.PurchaseApplied(ctx, notification); err != nil {
		ingestor.logger.Warn("purchase notification failed",
			zap.String("order_id", event.OrderID),
			zap.Error(err))
	}
	ingestor.logger.Info("webhook credit applied",
		zap.String("order_id", event.OrderID),
		zap.String("account_id", accountID.String()),
		zap.Int64("credits", entry.Credits))
	return Result{
		Outcome:    OutcomeApplied,
		OrderID:    event.OrderID,
		AccountID:  accountID.String(),
		Credits:    entry.Credits,
		NewBalance: newBalance,
	}, nil
}
