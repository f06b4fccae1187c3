package ledger

import (
	"errors"
	"testing"
)

func TestNewAccountIDRejectsEmptyValues(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "\t\n"} {
		if _, err := NewAccountID(raw); !errors.Is(err, ErrInvalidAccountID) {
			t.Fatalf("expected ErrInvalidAccountID for %q, got %v", raw, err)
		}
	}
}

func TestNewAccountIDNormalizesWhitespace(t *testing.T) {
	t.Parallel()
	accountID, err := NewAccountID("  acct-1  ")
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	if accountID.String() != "acct-1" {
		t.Fatalf("expected trimmed id, got %q", accountID.String())
	}
}

func TestNewCreditAmountRejectsNonPositive(t *testing.T) {
	t.Parallel()
	for _, raw := range []int64{0, -1, -500} {
		if _, err := NewCreditAmount(raw); !errors.Is(err, ErrInvalidCreditAmount) {
			t.Fatalf("expected ErrInvalidCreditAmount for %d, got %v", raw, err)
		}
	}
}

func TestNewMetadataJSONDefaultsToEmptyObject(t *testing.T) {
	t.Parallel()
	metadata, err := NewMetadataJSON("   ")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if metadata.String() != "{}" {
		t.Fatalf("expected empty object, got %q", metadata.String())
	}
}

func TestNewMetadataJSONRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseTransactionKind(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"purchase", "usage", "grant", "refund"} {
		kind, err := ParseTransactionKind(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if kind.String() != raw {
			t.Fatalf("expected %q, got %q", raw, kind.String())
		}
	}
	if _, err := ParseTransactionKind("chargeback"); !errors.Is(err, ErrInvalidTransactionKind) {
		t.Fatalf("expected ErrInvalidTransactionKind, got %v", err)
	}
}

func TestNewExternalOrderIDRejectsEmptyValues(t *testing.T) {
	t.Parallel()
	if _, err := NewExternalOrderID(" "); !errors.Is(err, ErrInvalidExternalOrderID) {
		t.Fatalf("expected ErrInvalidExternalOrderID, got %v", err)
	}
}
