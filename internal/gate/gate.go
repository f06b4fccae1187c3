// Package gate answers the question "may this account perform a
// metered action" by atomically reserving the action's credit cost.
package gate

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
)

const (
	// ReasonInsufficientBalance marks a denial caused by the account
	// holding fewer credits than the action costs.
	ReasonInsufficientBalance = "insufficient_balance"
)

// ErrInvalidGate indicates the gate was constructed without its ledger service.
var ErrInvalidGate = errors.New("gate: credit service is required")

// Decision reports whether an action was granted and, when it was, the
// balance remaining after the reservation.
type Decision struct {
	Granted    bool
	Reason     string
	NewBalance int64
}

// Gate guards metered actions behind the credit ledger. A granted
// decision means the cost has already been debited; callers that grant
// access without consuming the reservation must issue a compensating
// credit themselves.
type Gate struct {
	creditService *ledger.Service
}

// New returns a Gate backed by the supplied ledger service.
func New(creditService *ledger.Service) (*Gate, error) {
	if creditService == nil {
		return nil, ErrInvalidGate
	}
	return &Gate{creditService: creditService}, nil
}

// CheckAndReserve debits cost from the account and grants access when
// the debit succeeds. An insufficient balance is an ordinary denial,
// not an error; every other ledger failure is returned to the caller.
func (gate *Gate) CheckAndReserve(ctx context.Context, accountID ledger.AccountID, cost ledger.CreditAmount, description string) (Decision, error) {
	newBalance, err := gate.creditService.TryDebit(ctx, accountID, cost, description)
	switch {
	case err == nil:
		return Decision{Granted: true, NewBalance: newBalance}, nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return Decision{Granted: false, Reason: ReasonInsufficientBalance}, nil
	default:
		return Decision{}, err
	}
}
