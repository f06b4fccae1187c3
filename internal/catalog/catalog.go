package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Errors returned by catalog lookups and construction.
var (
	ErrPlanNotFound        = errors.New("plan not found")
	ErrInvalidEntry        = errors.New("invalid catalog entry")
	ErrInvalidPurchaseKind = errors.New("invalid purchase kind")
)

// PurchaseKind enumerates what a catalog plan sells.
type PurchaseKind string

const (
	KindSubscription PurchaseKind = "subscription"
	KindAPI          PurchaseKind = "api"
	KindCredits      PurchaseKind = "credits"
)

// ParsePurchaseKind validates a purchase kind value.
func ParsePurchaseKind(raw string) (PurchaseKind, error) {
	switch PurchaseKind(raw) {
	case KindSubscription, KindAPI, KindCredits:
		return PurchaseKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseKind, raw)
}

// String returns the stored kind value.
func (kind PurchaseKind) String() string {
	return string(kind)
}

// Entry maps a plan to the credits a purchase of it is worth.
type Entry struct {
	Credits int64        `json:"credits"`
	Kind    PurchaseKind `json:"kind"`
}

// Catalog is a read-only plan lookup table. The ledger consumes it to
// resolve purchase events into credit amounts; it never owns or edits
// the catalog contents.
type Catalog struct {
	entries map[string]Entry
}

// New builds a Catalog from plan entries.
func New(entries map[string]Entry) (*Catalog, error) {
	normalized := make(map[string]Entry, len(entries))
	for planID, entry := range entries {
		trimmed := strings.TrimSpace(planID)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty plan id", ErrInvalidEntry)
		}
		if entry.Credits <= 0 {
			return nil, fmt.Errorf("%w: plan %q credits must be greater than zero", ErrInvalidEntry, trimmed)
		}
		if _, err := ParsePurchaseKind(entry.Kind.String()); err != nil {
			return nil, fmt.Errorf("%w: plan %q: %v", ErrInvalidEntry, trimmed, err)
		}
		normalized[trimmed] = entry
	}
	return &Catalog{entries: normalized}, nil
}

// ParseJSON builds a Catalog from a JSON document of the form
// {"plan_id": {"credits": 500, "kind": "credits"}, ...}.
func ParseJSON(raw []byte) (*Catalog, error) {
	var entries map[string]Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return New(entries)
}

// Lookup resolves a plan id to its entry.
func (catalog *Catalog) Lookup(planID string) (Entry, error) {
	entry, exists := catalog.entries[strings.TrimSpace(planID)]
	if !exists {
		return Entry{}, fmt.Errorf("%w: %q", ErrPlanNotFound, planID)
	}
	return entry, nil
}

// Len reports how many plans the catalog holds.
func (catalog *Catalog) Len() int {
	return len(catalog.entries)
}
