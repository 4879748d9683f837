package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/amount"
)

// PaymentSigner produces the signed payment payload for one accepted
// requirement. Implementations hold the buyer's key material; this
// package never sees it.
type PaymentSigner func(ctx context.Context, req PaymentRequirements, resource ResourceInfo) (*PaymentPayload, error)

// Selector picks which of a challenge's accepted requirements to pay.
// Returning nil rejects the whole challenge.
type Selector func(accepts []PaymentRequirements) *PaymentRequirements

// BudgetCheck is consulted before each payment. Returning an error
// aborts the payment without spending.
type BudgetCheck func(network, asset string, amt *big.Int) error

// RetryError reports a paid retry that came back with a status outside
// 2xx. The payment is not counted toward spend totals; whether it
// settled server-side is unknown to the client.
type RetryError struct {
	StatusCode int
	Body       string
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("x402: paid retry failed with status %d: %s", e.StatusCode, e.Body)
}

// Client wraps http.Client with automatic 402 payment handling: on a
// 402 it decodes the challenge, selects a requirement, signs a payment
// and retries the request with the PAYMENT-SIGNATURE header attached.
type Client struct {
	httpClient *http.Client
	signer     PaymentSigner

	// MaxRetries is the number of payment attempts per request.
	MaxRetries int
	// MaxAmountPerCall caps any single payment; nil means uncapped.
	MaxAmountPerCall *big.Int
	// PreferredNetwork and PreferredAsset bias the default selector.
	PreferredNetwork string
	PreferredAsset   string
	// Selector overrides the default requirement choice.
	Selector Selector
	// CheckBudget, when set, can veto a payment before signing.
	CheckBudget BudgetCheck
	// OnPayment runs after a successful paid retry, with the settlement
	// decoded from the PAYMENT-RESPONSE header (nil if absent).
	OnPayment func(req PaymentRequirements, settlement *SettlementResponse)

	mu     sync.Mutex
	totals map[string]*big.Int // network + "/" + asset
}

// NewClient creates an auto-paying client around signer.
func NewClient(signer PaymentSigner) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		signer:     signer,
		MaxRetries: 1,
		totals:     make(map[string]*big.Int),
	}
}

// SetHTTPClient overrides the underlying HTTP client.
func (c *Client) SetHTTPClient(h *http.Client) { c.httpClient = h }

// Get performs a GET with automatic 402 handling.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a POST with automatic 402 handling.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do performs the request, paying at most MaxRetries challenges along
// the way. A 402 the client declines to pay is returned to the caller
// as-is with its body intact. A paid retry that answers outside 2xx
// fails with *RetryError and counts nothing toward SpendTotals.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// Buffer the body so the request can be replayed after payment.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("x402: read request body: %w", err)
		}
		req.Body.Close()
	}

	for attempt := 0; ; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired || c.signer == nil {
			return resp, nil
		}
		if attempt >= c.MaxRetries {
			return resp, nil
		}

		challenge, err := ParseChallenge(resp)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		chosen := c.selectRequirement(challenge.Accepts)
		if chosen == nil {
			return nil, fmt.Errorf("x402: no acceptable payment option for %s", challenge.Resource.URL)
		}

		amt, ok := amount.Parse(chosen.Amount)
		if !ok {
			return nil, fmt.Errorf("x402: challenge has invalid amount %q", chosen.Amount)
		}
		if c.MaxAmountPerCall != nil && amt.Cmp(c.MaxAmountPerCall) > 0 {
			return nil, fmt.Errorf("x402: payment %s exceeds per-call cap %s", chosen.Amount, amount.Format(c.MaxAmountPerCall))
		}
		if c.CheckBudget != nil {
			if err := c.CheckBudget(chosen.Network, chosen.Asset, amt); err != nil {
				return nil, fmt.Errorf("x402: budget check refused payment: %w", err)
			}
		}

		payload, err := c.signer(ctx, *chosen, challenge.Resource)
		if err != nil {
			return nil, fmt.Errorf("x402: sign payment: %w", err)
		}
		payload.Accepted = *chosen
		header, err := EncodeHeader(payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set(HeaderPaymentSignature, header)

		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		paid, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if paid.StatusCode == http.StatusPaymentRequired {
			// Payment rejected; surface the fresh challenge.
			if attempt+1 >= c.MaxRetries {
				return paid, nil
			}
			paid.Body.Close()
			continue
		}

		if paid.StatusCode < 200 || paid.StatusCode > 299 {
			// Only a 2xx counts as a successful paid call.
			body, _ := io.ReadAll(io.LimitReader(paid.Body, 512))
			paid.Body.Close()
			return nil, &RetryError{StatusCode: paid.StatusCode, Body: string(body)}
		}

		c.recordSpend(chosen.Network, chosen.Asset, amt)
		if c.OnPayment != nil {
			c.OnPayment(*chosen, decodeSettlement(paid))
		}
		return paid, nil
	}
}

// SpendTotals returns the cumulative amount paid per network/asset pair.
func (c *Client) SpendTotals() map[string]*big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*big.Int, len(c.totals))
	for k, v := range c.totals {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func (c *Client) recordSpend(network, asset string, amt *big.Int) {
	key := network + "/" + asset
	c.mu.Lock()
	defer c.mu.Unlock()
	total, ok := c.totals[key]
	if !ok {
		total = new(big.Int)
		c.totals[key] = total
	}
	total.Add(total, amt)
}

// selectRequirement applies the configured Selector, or the default:
// filter to the preferred network and asset when set and to options
// within the per-call cap, then take the cheapest.
func (c *Client) selectRequirement(accepts []PaymentRequirements) *PaymentRequirements {
	if c.Selector != nil {
		return c.Selector(accepts)
	}

	var best *PaymentRequirements
	var bestAmt *big.Int
	for i := range accepts {
		opt := &accepts[i]
		if opt.Scheme != SchemeExact {
			continue
		}
		if c.PreferredNetwork != "" && opt.Network != c.PreferredNetwork {
			continue
		}
		if c.PreferredAsset != "" && opt.Asset != c.PreferredAsset {
			continue
		}
		amt, ok := amount.Parse(opt.Amount)
		if !ok {
			continue
		}
		if c.MaxAmountPerCall != nil && amt.Cmp(c.MaxAmountPerCall) > 0 {
			continue
		}
		if best == nil || amt.Cmp(bestAmt) < 0 {
			best, bestAmt = opt, amt
		}
	}
	return best
}

func decodeSettlement(resp *http.Response) *SettlementResponse {
	hdr := resp.Header.Get(HeaderPaymentResponse)
	if hdr == "" {
		return nil
	}
	var s SettlementResponse
	if err := DecodeHeader(hdr, &s); err != nil {
		return nil
	}
	return &s
}
