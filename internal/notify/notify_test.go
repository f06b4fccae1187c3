package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/entitlement/internal/webhook"
)

func TestNewNatsPublisherRequiresConnection(t *testing.T) {
	t.Parallel()
	if _, err := NewNatsPublisher(nil); !errors.Is(err, ErrInvalidPublisher) {
		t.Fatalf("expected ErrInvalidPublisher, got %v", err)
	}
}

func TestNopNotifierAcceptsEverything(t *testing.T) {
	t.Parallel()
	notification := webhook.PurchaseNotification{AccountID: "acct-1", OrderID: "ord_1"}
	if err := (NopNotifier{}).PurchaseApplied(context.Background(), notification); err != nil {
		t.Fatalf("nop notifier must never fail: %v", err)
	}
}
