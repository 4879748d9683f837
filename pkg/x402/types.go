// Package x402 implements both sides of the x402 payment protocol:
// wire types for 402 Payment Required challenges, a facilitator client
// for verify/settle, and an auto-paying HTTP client for buyers.
//
// All protocol headers carry base64-encoded UTF-8 JSON.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Version is the protocol version this package speaks.
const Version = 2

// Protocol header names. http.Header canonicalizes on set and get, so
// lookups are case-insensitive.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// SchemeExact is the only payment scheme currently issued: pay exactly
// the stated amount to the stated recipient.
const SchemeExact = "exact"

// ResourceInfo describes the paid resource inside a challenge.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is one acceptable way to pay for a resource.
// Amount is in atomic units of the asset, as a decimal string. Network
// is a CAIP-2 chain identifier.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the challenge body a seller issues with a 402.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    ResourceInfo           `json:"resource"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// PaymentPayload is the buyer's answer to a challenge, carried in the
// PAYMENT-SIGNATURE header. Accepted echoes the requirement the buyer
// chose; Payload is scheme-specific and for "exact" holds the signed
// authorization the facilitator verifies.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     map[string]interface{} `json:"payload"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// SettlementResponse reports the outcome of settling a payment, carried
// back to the buyer in the PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
}

// EncodeHeader serializes v to base64(JSON) for a protocol header.
func EncodeHeader(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader parses a base64(JSON) header value into v.
func DecodeHeader(value string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("x402: header is not valid base64: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("x402: header is not valid JSON: %w", err)
	}
	return nil
}

// Is402Response reports whether resp is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseChallenge extracts the PaymentRequired challenge from a 402
// response: the PAYMENT-REQUIRED header when present, the JSON body
// otherwise.
func ParseChallenge(resp *http.Response) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: not a 402 response: got %d", resp.StatusCode)
	}

	var pr PaymentRequired
	if hdr := resp.Header.Get(HeaderPaymentRequired); hdr != "" {
		if err := DecodeHeader(hdr, &pr); err != nil {
			return nil, err
		}
	} else {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("x402: read challenge body: %w", err)
		}
		if err := json.Unmarshal(body, &pr); err != nil {
			return nil, fmt.Errorf("x402: parse challenge body: %w", err)
		}
	}

	if pr.X402Version != Version {
		return nil, fmt.Errorf("x402: unsupported protocol version %d", pr.X402Version)
	}
	if len(pr.Accepts) == 0 {
		return nil, fmt.Errorf("x402: challenge offers no payment options")
	}
	return &pr, nil
}
