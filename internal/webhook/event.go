package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Errors surfaced while verifying and mapping inbound events.
var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrInvalidIngestor  = errors.New("invalid ingestor config")
)

// EventType enumerates the gateway's delivery outcomes.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentDropped   EventType = "payment.dropped"
)

// EventMetadata carries the purchase context attached by the checkout flow.
type EventMetadata struct {
	AccountID    string `json:"account_id"`
	PurchaseKind string `json:"purchase_kind"`
	PlanID       string `json:"plan_id"`
}

// Event is the parsed purchase notification delivered by the gateway.
// Amount is the money the gateway collected; credits are resolved from
// the catalog, never taken from the wire.
type Event struct {
	Type     EventType     `json:"type"`
	OrderID  string        `json:"order_id"`
	Amount   int64         `json:"amount"`
	Metadata EventMetadata `json:"metadata"`
}

// ParseEvent decodes and validates the raw payload.
func ParseEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(string(event.Type)) == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return Event{}, fmt.Errorf("%w: missing order id", ErrMalformedEvent)
	}
	return event, nil
}
