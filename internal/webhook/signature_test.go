package webhook

import (
	"errors"
	"testing"
)

func TestVerifySignatureAcceptsComputedSignature(t *testing.T) {
	t.Parallel()
	body := []byte(`{"type":"payment.succeeded"}`)
	signature := ComputeSignature("topsecret", "1700000000", body)
	if err := VerifySignature("topsecret", "1700000000", body, signature); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	t.Parallel()
	signature := ComputeSignature("topsecret", "1700000000", []byte(`{"amount":100}`))
	err := VerifySignature("topsecret", "1700000000", []byte(`{"amount":999}`), signature)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifySignatureRejectsTamperedTimestamp(t *testing.T) {
	t.Parallel()
	body := []byte(`{"amount":100}`)
	signature := ComputeSignature("topsecret", "1700000000", body)
	err := VerifySignature("topsecret", "1700009999", body, signature)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	body := []byte(`{"amount":100}`)
	signature := ComputeSignature("othersecret", "1700000000", body)
	err := VerifySignature("topsecret", "1700000000", body, signature)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}
