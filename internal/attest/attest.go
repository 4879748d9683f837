// Package attest produces signed attestations binding a method invocation,
// its parameters, its response, and an upstream slot anchor to an attester
// identity.
package attest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/canonical"
)

// ErrNoSigner is returned when attestation is requested but no signer is
// configured. Callers treat this as "attestation unavailable", not fatal.
var ErrNoSigner = errors.New("attest: no signer configured")

// Signer maps a message to a signature. Implementations may suspend
// (remote KMS, hardware signer); the context bounds the call.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// Attestation is a signed statement about one completed call.
type Attestation struct {
	SessionID    string    `json:"sessionId,omitempty"`
	Method       string    `json:"method"`
	RequestHash  string    `json:"requestHash"`  // hex SHA-256 of canonical params
	ResponseHash string    `json:"responseHash"` // hex SHA-256 of canonical result
	Slot         uint64    `json:"slot"`         // upstream anchor, 0 if absent
	AttesterID   string    `json:"attesterId"`
	Signature    []byte    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
}

// AttestedResult wraps a raw upstream result with metering metadata and,
// when policy requires, an attestation.
type AttestedResult struct {
	Result      interface{}  `json:"result"`
	Attestation *Attestation `json:"attestation,omitempty"`
	LatencyMs   int64        `json:"latencyMs"`
	CallIndex   int          `json:"callIndex"` // per-session, starts at 1
}

// Attester hashes request/response pairs and signs them via the configured
// signer. A nil signer disables attestation.
type Attester struct {
	id     string
	signer Signer
}

// New creates an attester. signer may be nil.
func New(id string, signer Signer) *Attester {
	return &Attester{id: id, signer: signer}
}

// ID returns the attester identity included in attestations.
func (a *Attester) ID() string { return a.id }

// Enabled reports whether a signer is configured.
func (a *Attester) Enabled() bool { return a != nil && a.signer != nil }

// Wrap builds the AttestedResult for a completed call.
//
// The wrapped result is always returned. When shouldAttest is true and a
// signer is configured, the attestation is attached; a signer failure is
// reported through the error while the result itself stays usable — the
// caller surfaces the failure as an event, never as a call abort.
func (a *Attester) Wrap(
	ctx context.Context,
	result interface{},
	sessionID, method string,
	params interface{},
	slot uint64,
	latencyMs int64,
	callIndex int,
	shouldAttest bool,
) (*AttestedResult, error) {
	wrapped := &AttestedResult{
		Result:    result,
		LatencyMs: latencyMs,
		CallIndex: callIndex,
	}
	if !shouldAttest || a == nil || a.signer == nil {
		return wrapped, nil
	}

	reqHash, err := canonical.HexHash(params)
	if err != nil {
		return wrapped, fmt.Errorf("attest: hashing params: %w", err)
	}
	respHash, err := canonical.HexHash(result)
	if err != nil {
		return wrapped, fmt.Errorf("attest: hashing result: %w", err)
	}

	msg := Message(method, reqHash, respHash, slot)
	sig, err := a.signer.Sign(ctx, msg)
	if err != nil {
		return wrapped, fmt.Errorf("attest: signer: %w", err)
	}

	wrapped.Attestation = &Attestation{
		SessionID:    sessionID,
		Method:       method,
		RequestHash:  reqHash,
		ResponseHash: respHash,
		Slot:         slot,
		AttesterID:   a.id,
		Signature:    sig,
		Timestamp:    time.Now(),
	}
	return wrapped, nil
}

// Message builds the canonical signed message: the UTF-8 bytes of
// method || requestHexHash || responseHexHash || slotDecimal, no separator.
func Message(method, requestHash, responseHash string, slot uint64) []byte {
	return []byte(method + requestHash + responseHash + strconv.FormatUint(slot, 10))
}
