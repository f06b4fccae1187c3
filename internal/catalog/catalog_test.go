package catalog

import (
	"errors"
	"testing"
)

func TestLookupResolvesPlan(t *testing.T) {
	t.Parallel()
	cat, err := New(map[string]Entry{
		"plan-pro": {Credits: 500, Kind: KindCredits},
	})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	entry, err := cat.Lookup("plan-pro")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Credits != 500 || entry.Kind != KindCredits {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestLookupUnknownPlan(t *testing.T) {
	t.Parallel()
	cat, err := New(map[string]Entry{})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	if _, err := cat.Lookup("plan-missing"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestNewRejectsNonPositiveCredits(t *testing.T) {
	t.Parallel()
	_, err := New(map[string]Entry{"plan-zero": {Credits: 0, Kind: KindCredits}})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	_, err := New(map[string]Entry{"plan-bad": {Credits: 10, Kind: PurchaseKind("donation")}})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"plan-pro":{"credits":500,"kind":"credits"},"plan-team":{"credits":2000,"kind":"subscription"}}`)
	cat, err := ParseJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("expected 2 plans, got %d", cat.Len())
	}
	entry, err := cat.Lookup("plan-team")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Kind != KindSubscription {
		t.Fatalf("unexpected kind: %s", entry.Kind)
	}
}

func TestParseJSONRejectsMalformedDocument(t *testing.T) {
	t.Parallel()
	if _, err := ParseJSON([]byte(`{not json`)); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}
