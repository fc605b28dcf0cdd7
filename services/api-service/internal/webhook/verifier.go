package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Kibby-Signature"

// Verify authenticates a webhook delivery. The MAC is computed over the
// exact raw bytes received, never a reparsed form: re-serialization can
// change byte layout and silently break verification. Missing secret or
// signature rejects outright; comparison is constant-time.
func Verify(body []byte, signatureHex, secret string) bool {
	if secret == "" {
		return false
	}
	signatureHex = strings.TrimSpace(signatureHex)
	if signatureHex == "" {
		return false
	}
	provided, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign produces the signature value a sender puts in SignatureHeader.
// Exported for the webhook simulator and tests.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
