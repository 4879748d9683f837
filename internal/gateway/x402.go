package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/attest"
	"github.com/oobe-protocol/synapse-gateway/internal/events"
	"github.com/oobe-protocol/synapse-gateway/internal/paywall"
	"github.com/oobe-protocol/synapse-gateway/pkg/x402"
)

// ProcessX402Request runs an inbound request through the paywall.
// headers carries the caller's HTTP headers; only PAYMENT-SIGNATURE is
// consulted.
func (g *Gateway) ProcessX402Request(ctx context.Context, method string, headers http.Header) (*paywall.Outcome, error) {
	if g.paywall == nil {
		return nil, ErrNoPaywall
	}
	outcome, err := g.paywall.Process(ctx, method, "metered RPC call", headers.Get(x402.HeaderPaymentSignature))
	if err != nil {
		return nil, err
	}
	if outcome.Kind == paywall.OutcomePaid && outcome.AmountPaid != nil {
		g.statsMu.Lock()
		g.x402Received++
		g.x402AmountIn.Add(g.x402AmountIn, outcome.AmountPaid)
		g.statsMu.Unlock()
	}
	return outcome, nil
}

// X402Result is the outcome of an x402-billed call.
type X402Result struct {
	// Result is set when the call executed.
	Result *attest.AttestedResult `json:"result,omitempty"`
	// Outcome is the paywall decision, including the challenge when
	// payment is still required.
	Outcome *paywall.Outcome `json:"-"`
	// ResponseHeaders carries the protocol headers for the HTTP reply
	// (PAYMENT-REQUIRED on a challenge, PAYMENT-RESPONSE after payment).
	ResponseHeaders map[string]string `json:"-"`
}

// PaymentRequired reports whether the caller must pay before retrying.
func (r *X402Result) PaymentRequired() bool {
	return r.Outcome != nil && r.Outcome.Kind == paywall.OutcomeChallenge
}

// ExecuteWithX402 combines paywall check, execution, and settlement.
// With a session id the call is metered and attested through the
// session; with an empty id billing is purely per-call through the
// paywall and the result is wrapped but unmetered and unattested.
func (g *Gateway) ExecuteWithX402(ctx context.Context, sessionID, method string, params interface{}, headers http.Header) (*X402Result, error) {
	outcome, err := g.ProcessX402Request(ctx, method, headers)
	if err != nil {
		return nil, err
	}

	res := &X402Result{Outcome: outcome, ResponseHeaders: map[string]string{}}
	switch outcome.Kind {
	case paywall.OutcomeChallenge:
		res.ResponseHeaders[x402.HeaderPaymentRequired] = outcome.ChallengeHeader
		return res, nil
	case paywall.OutcomePaid:
		res.ResponseHeaders[x402.HeaderPaymentResponse] = outcome.SettlementHeader
	}

	if sessionID != "" {
		wrapped, err := g.Execute(ctx, sessionID, method, params)
		if err != nil {
			return nil, err
		}
		res.Result = wrapped
		return res, nil
	}

	// Sessionless: the paywall already billed the call, so no metering
	// and no attestation, but the result keeps the wrapped shape.
	if g.transport == nil {
		return nil, ErrNoTransport
	}
	wrapped, err := g.executeUnmetered(ctx, method, params)
	if err != nil {
		return nil, err
	}
	res.Result = wrapped
	return res, nil
}

func (g *Gateway) executeUnmetered(ctx context.Context, method string, params interface{}) (*attest.AttestedResult, error) {
	start := time.Now()
	result, _, err := g.transport.Request(ctx, method, params)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		g.bus.Emit(events.Event{
			Type:    events.CallError,
			Payload: map[string]interface{}{"method": method, "error": err.Error()},
		})
		return nil, err
	}
	g.statsMu.Lock()
	g.callsServed++
	g.statsMu.Unlock()
	g.pricing.ReportLatency(float64(latencyMs))
	return &attest.AttestedResult{Result: result, LatencyMs: latencyMs, CallIndex: 1}, nil
}

// RemoteResult is the outcome of calling a remote x402-gated seller.
type RemoteResult struct {
	// Result is the remote JSON-RPC result, decoded.
	Result json.RawMessage `json:"result"`
	// Settlement is the seller's PAYMENT-RESPONSE, nil when the call
	// needed no payment.
	Settlement *x402.SettlementResponse `json:"settlement,omitempty"`
}

// ExecuteRemoteX402 calls another seller's x402-gated JSON-RPC endpoint,
// paying its challenge through the configured client.
func (g *Gateway) ExecuteRemoteX402(ctx context.Context, url, method string, params interface{}) (*RemoteResult, error) {
	if g.x402Client == nil {
		return nil, ErrNoX402Client
	}

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	resp, err := g.x402Client.Post(ctx, url, "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return nil, fmt.Errorf("gateway: remote seller still requires payment after retry")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway: remote call failed with status %d: %s", resp.StatusCode, string(data))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("gateway: decode remote response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("gateway: remote rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	out := &RemoteResult{Result: rpcResp.Result}
	if hdr := resp.Header.Get(x402.HeaderPaymentResponse); hdr != "" {
		var settlement x402.SettlementResponse
		if err := x402.DecodeHeader(hdr, &settlement); err == nil {
			out.Settlement = &settlement
		}
	}
	return out, nil
}
