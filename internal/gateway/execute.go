package gateway

import (
	"context"
	"math/big"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/amount"
	"github.com/oobe-protocol/synapse-gateway/internal/attest"
	"github.com/oobe-protocol/synapse-gateway/internal/events"
	"github.com/oobe-protocol/synapse-gateway/internal/idgen"
	"github.com/oobe-protocol/synapse-gateway/internal/traces"
)

// Transport performs one upstream RPC call. Slot is the chain anchor of
// the response, zero when the upstream provides none. Implementations
// must honor ctx cancellation.
type Transport interface {
	Request(ctx context.Context, method string, params interface{}) (result interface{}, slot uint64, err error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, method string, params interface{}) (interface{}, uint64, error)

func (f TransportFunc) Request(ctx context.Context, method string, params interface{}) (interface{}, uint64, error) {
	return f(ctx, method, params)
}

// Call names one entry of a batch.
type Call struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Execute runs one metered call through a session: gate, upstream,
// attest, commit. Transport failures refund the reservation and leave
// the session's counters untouched.
func (g *Gateway) Execute(ctx context.Context, sessionID, method string, params interface{}) (*attest.AttestedResult, error) {
	s, err := g.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if g.transport == nil {
		return nil, ErrNoTransport
	}

	g.bus.Emit(events.Event{
		Type:      events.CallBefore,
		SessionID: sessionID,
		Payload:   map[string]interface{}{"method": method},
	})

	cost, err := s.PreCall(method)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "gateway.execute",
		traces.SessionID(sessionID),
		traces.Method(method),
		traces.Amount(amount.Format(cost)),
	)
	defer span.End()

	start := time.Now()
	result, slot, err := g.transport.Request(ctx, method, params)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		s.Refund(cost)
		span.RecordError(err)
		g.bus.Emit(events.Event{
			Type:      events.CallError,
			SessionID: sessionID,
			Payload:   map[string]interface{}{"method": method, "error": err.Error()},
		})
		return nil, err
	}
	span.SetAttributes(traces.Slot(slot))

	tier := s.Tier()
	shouldAttest := tier.IncludesAttestation || g.attestByDefault
	wrapped, attErr := g.attester.Wrap(ctx, result, sessionID, method, params, slot, latencyMs, s.NextCallIndex(), shouldAttest)
	if attErr != nil {
		// Attestation failure is not fatal: the buyer still gets the
		// result, minus the attestation.
		g.logger.Warn("attestation failed", "sessionId", sessionID, "method", method, "error", attErr)
		g.bus.Emit(events.Event{
			Type:      events.CallError,
			SessionID: sessionID,
			Payload:   map[string]interface{}{"method": method, "error": attErr.Error(), "stage": "attestation"},
		})
	}

	s.PostCall(method, cost)
	g.pricing.ReportLatency(float64(latencyMs))
	g.statsMu.Lock()
	g.callsServed++
	if wrapped.Attestation != nil {
		g.totalAttestations++
	}
	g.statsMu.Unlock()

	g.bus.Emit(events.Event{
		Type:      events.CallAfter,
		SessionID: sessionID,
		Payload: map[string]interface{}{
			"method":    method,
			"latencyMs": latencyMs,
			"cost":      amount.Format(cost),
		},
	})
	if wrapped.Attestation != nil {
		g.bus.Emit(events.Event{
			Type:      events.CallAttested,
			SessionID: sessionID,
			Payload: map[string]interface{}{
				"method":       method,
				"requestHash":  wrapped.Attestation.RequestHash,
				"responseHash": wrapped.Attestation.ResponseHash,
				"slot":         slot,
			},
		})
	}

	return wrapped, nil
}

// ExecuteBatch runs calls serially; the first failure terminates the
// batch and returns the results collected so far alongside the error.
func (g *Gateway) ExecuteBatch(ctx context.Context, sessionID string, calls []Call) ([]*attest.AttestedResult, error) {
	results := make([]*attest.AttestedResult, 0, len(calls))
	for _, call := range calls {
		res, err := g.Execute(ctx, sessionID, call.Method, call.Params)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// SettlementKind classifies how a session was settled.
type SettlementKind string

const (
	SettlementOnchain        SettlementKind = "onchain"
	SettlementOffchainEscrow SettlementKind = "offchain-escrow"
)

// Receipt is the settlement record for a closed session.
type Receipt struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"sessionId"`
	IntentNonce   string         `json:"intentNonce"`
	AmountCharged string         `json:"amountCharged"`
	CallCount     int            `json:"callCount"`
	TxReference   string         `json:"txReference,omitempty"`
	Kind          SettlementKind `json:"kind"`
	SettledAt     time.Time      `json:"settledAt"`
}

// SettleSession closes a session and returns its receipt. txReference
// is the on-chain transaction that moved the funds; empty means the
// charge stays in off-chain escrow.
func (g *Gateway) SettleSession(sessionID, txReference string) (*Receipt, error) {
	s, err := g.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	charged, err := s.Settle()
	if err != nil {
		return nil, err
	}
	snap := s.Snapshot()

	kind := SettlementOffchainEscrow
	if txReference != "" {
		kind = SettlementOnchain
	}
	receipt := &Receipt{
		ID:            idgen.WithPrefix("rcp_"),
		SessionID:     sessionID,
		IntentNonce:   snap.IntentNonce,
		AmountCharged: charged.String(),
		CallCount:     snap.CallsMade,
		TxReference:   txReference,
		Kind:          kind,
		SettledAt:     time.Now(),
	}

	g.statsMu.Lock()
	g.totalRevenue.Add(g.totalRevenue, charged)
	g.statsMu.Unlock()

	g.bus.Emit(events.Event{
		Type:      events.PaymentSettled,
		SessionID: sessionID,
		Payload: map[string]interface{}{
			"amountCharged": charged.String(),
			"callCount":     snap.CallsMade,
			"kind":          string(kind),
			"txReference":   txReference,
		},
	})

	g.logger.Info("session settled",
		"sessionId", sessionID,
		"amountCharged", charged.String(),
		"callCount", snap.CallsMade,
		"kind", string(kind),
	)
	return receipt, nil
}

// Revenue returns the accumulated settled revenue.
func (g *Gateway) Revenue() *big.Int {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return new(big.Int).Set(g.totalRevenue)
}
