// Package notify publishes purchase confirmations so downstream
// consumers (mailers, analytics) learn about applied orders without
// polling the ledger.
package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/MarkoPoloResearchLab/entitlement/internal/webhook"
)

// SubjectPurchaseApplied is the NATS subject purchase confirmations are
// published on.
const SubjectPurchaseApplied = "purchases.applied"

// ErrInvalidPublisher indicates the publisher was constructed without a connection.
var ErrInvalidPublisher = errors.New("notify: nats connection is required")

// NatsPublisher emits one message per applied purchase. Publishing is
// fire-and-forget: the ledger transition has already committed by the
// time a notification goes out.
type NatsPublisher struct {
	connection *nats.Conn
	subject    string
}

// NewNatsPublisher returns a publisher bound to SubjectPurchaseApplied.
func NewNatsPublisher(connection *nats.Conn) (*NatsPublisher, error) {
	if connection == nil {
		return nil, ErrInvalidPublisher
	}
	return &NatsPublisher{connection: connection, subject: SubjectPurchaseApplied}, nil
}

// PurchaseApplied publishes the notification as JSON.
func (publisher *NatsPublisher) PurchaseApplied(ctx context.Context, notification webhook.PurchaseNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return publisher.connection.Publish(publisher.subject, payload)
}

// NopNotifier satisfies the ingestion notifier when no broker is configured.
type NopNotifier struct{}

// PurchaseApplied discards the notification.
func (NopNotifier) PurchaseApplied(ctx context.Context, notification webhook.PurchaseNotification) error {
	return nil
}
