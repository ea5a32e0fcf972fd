// Package idgen generates invoice identifiers, pay-link tokens and signing
// secrets from crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// random panics if the system source fails; there is no safe fallback.
func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix followed by 24 hex chars, e.g. "wh_3f9a...".
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// InvoiceID returns a new invoice identifier. It is the string the on-chain
// key is derived from, so it never changes once assigned.
func InvoiceID() string {
	return WithPrefix("inv_")
}

// Secret is 64 hex chars, used as a webhook HMAC key.
func Secret() string {
	return hex.EncodeToString(random(32))
}

// PayLinkToken returns an unguessable token for the public payment page.
func PayLinkToken() string {
	return base64.RawURLEncoding.EncodeToString(random(32))
}

// RequestID is 32 hex chars, used when a caller sends no X-Request-ID.
func RequestID() string {
	return hex.EncodeToString(random(16))
}
