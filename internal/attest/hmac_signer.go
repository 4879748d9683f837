package attest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
)

// HMACSigner signs attestation messages with HMAC-SHA256. It is the
// reference signer for deployments that keep no asymmetric key material in
// the gateway process; verifiers share the secret out of band.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates an HMAC signer. Returns nil for an empty secret,
// which disables attestation when passed to New.
func NewHMACSigner(secret string) *HMACSigner {
	if secret == "" {
		return nil
	}
	return &HMACSigner{secret: []byte(secret)}
}

// Sign implements Signer.
func (s *HMACSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(message)
	return mac.Sum(nil), nil
}

// Verify checks a signature produced by Sign.
func (s *HMACSigner) Verify(message, signature []byte) bool {
	if s == nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), signature)
}
