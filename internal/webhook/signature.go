package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const signatureSeparator = "."

// ComputeSignature returns the hex HMAC-SHA256 of timestamp + "." + body
// under the shared webhook secret.
func ComputeSignature(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(signatureSeparator))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the supplied signature in constant time.
func VerifySignature(secret string, timestamp string, body []byte, provided string) error {
	expected := ComputeSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
	}
	return nil
}
