package onebot

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC-SHA1 of the request body when the
// OneBot implementation is configured with a secret.
const SignatureHeader = "X-Signature"

// ComputeSignature returns the "sha1=<hex>" signature of body.
func ComputeSignature(secret string, body []byte) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write(body)
	return "sha1=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies the X-Signature value of a OneBot HTTP post.
func VerifySignature(secret, signature string, body []byte) bool {
	if !strings.HasPrefix(signature, "sha1=") {
		return false
	}
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}
