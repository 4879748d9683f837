package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultFacilitatorTimeout bounds verify/settle round trips.
const defaultFacilitatorTimeout = 30 * time.Second

// VerifyRequest is the body POSTed to the facilitator's /verify and
// /settle endpoints.
type VerifyRequest struct {
	Payload      PaymentPayload      `json:"payload"`
	Requirements PaymentRequirements `json:"requirements"`
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SupportedKind is one (scheme, network) pair a facilitator can settle.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// FacilitatorError is a non-2xx reply from the facilitator.
type FacilitatorError struct {
	StatusCode int
	Body       string
}

func (e *FacilitatorError) Error() string {
	return fmt.Sprintf("x402: facilitator returned %d: %s", e.StatusCode, e.Body)
}

// Facilitator talks to an x402 facilitator service that verifies payment
// authorizations and settles them on chain on the seller's behalf.
type Facilitator struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithFacilitatorAuth sets a bearer token sent on every request.
func WithFacilitatorAuth(token string) FacilitatorOption {
	return func(f *Facilitator) { f.authToken = token }
}

// WithFacilitatorHTTPClient overrides the underlying HTTP client.
func WithFacilitatorHTTPClient(c *http.Client) FacilitatorOption {
	return func(f *Facilitator) { f.httpClient = c }
}

// NewFacilitator creates a facilitator client for the given base URL.
func NewFacilitator(baseURL string, opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultFacilitatorTimeout},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Verify asks the facilitator whether payload satisfies requirements.
// A reachable facilitator that rejects the payment returns a
// VerifyResponse with IsValid=false, not an error.
func (f *Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := f.post(ctx, "/verify", VerifyRequest{Payload: payload, Requirements: requirements}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to execute the payment. Settlement
// failures are reported in the response, transport failures as errors.
func (f *Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettlementResponse, error) {
	var out SettlementResponse
	if err := f.post(ctx, "/settle", VerifyRequest{Payload: payload, Requirements: requirements}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported lists the (scheme, network) pairs the facilitator settles.
func (f *Facilitator) Supported(ctx context.Context) ([]SupportedKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/supported", nil)
	if err != nil {
		return nil, err
	}
	f.setHeaders(req)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("x402: facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, facilitatorError(resp)
	}

	var out struct {
		Kinds []SupportedKind `json:"kinds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("x402: decode facilitator response: %w", err)
	}
	return out.Kinds, nil
}

func (f *Facilitator) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("x402: marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	f.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("x402: facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return facilitatorError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("x402: decode facilitator response: %w", err)
	}
	return nil
}

func (f *Facilitator) setHeaders(req *http.Request) {
	if f.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.authToken)
	}
}

func facilitatorError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &FacilitatorError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
