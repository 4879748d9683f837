// Package rpc provides the upstream JSON-RPC 2.0 HTTP transport for
// Solana-class nodes. It satisfies the gateway's Transport contract and
// surfaces the response's context slot as the attestation anchor.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Commitment levels accepted by Solana-class upstreams.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

const defaultTimeout = 30 * time.Second

// Error is a JSON-RPC error object returned by the upstream.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: upstream error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC 2.0 HTTP client.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the given endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Request performs one JSON-RPC call. The returned slot is the
// response's context slot, zero when the method carries none. Numbers
// in the result are decoded as json.Number so large values survive
// canonical hashing.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (interface{}, uint64, error) {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, 0, fmt.Errorf("rpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, fmt.Errorf("rpc: %s: upstream returned %d: %s", method, resp.StatusCode, string(data))
	}

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, 0, fmt.Errorf("rpc: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, 0, rpcResp.Error
	}

	c.logger.Debug("rpc call",
		"method", method,
		"latencyMs", time.Since(start).Milliseconds(),
	)

	result, err := decodeResult(rpcResp.Result)
	if err != nil {
		return nil, 0, fmt.Errorf("rpc: %s: %w", method, err)
	}
	return result, extractSlot(result), nil
}

func decodeResult(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}

// extractSlot pulls result.context.slot from value-shaped responses.
func extractSlot(result interface{}) uint64 {
	obj, ok := result.(map[string]interface{})
	if !ok {
		return 0
	}
	ctxObj, ok := obj["context"].(map[string]interface{})
	if !ok {
		return 0
	}
	switch slot := ctxObj["slot"].(type) {
	case json.Number:
		if n, err := slot.Int64(); err == nil && n >= 0 {
			return uint64(n)
		}
	case float64:
		if slot >= 0 {
			return uint64(slot)
		}
	}
	return 0
}
