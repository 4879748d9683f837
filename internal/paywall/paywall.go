// Package paywall implements the seller side of the x402 protocol:
// per-route pricing, 402 challenge construction, and payment
// verification and settlement through a facilitator.
package paywall

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/oobe-protocol/synapse-gateway/internal/amount"
	"github.com/oobe-protocol/synapse-gateway/internal/events"
	"github.com/oobe-protocol/synapse-gateway/pkg/x402"
)

// Verifier checks and settles payment payloads. *x402.Facilitator
// satisfies it; tests substitute a local implementation.
type Verifier interface {
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettlementResponse, error)
}

// Option is one (network, asset) pair the paywall accepts payment on.
// PayTo overrides the paywall-wide recipient when set. Extra carries
// scheme-specific requirement fields (e.g. an SVM fee payer) verbatim
// into every challenge issued for this rail.
type Option struct {
	Network string
	Asset   string
	PayTo   string
	Extra   map[string]interface{}
}

// Config describes a paywall.
type Config struct {
	// PayTo is the seller's receiving address.
	PayTo string
	// Accepts lists the payment rails offered in every challenge. At
	// most one requirement per (network, asset) pair is issued.
	Accepts []Option
	// DefaultPrice applies to routes without an explicit price. Nil or
	// zero means unpriced routes are free.
	DefaultPrice *big.Int
	// MaxTimeoutSeconds is advertised in each requirement; 0 means 60.
	MaxTimeoutSeconds int

	Verifier Verifier
	Bus      *events.Bus
}

// OutcomeKind classifies what Process decided about a request.
type OutcomeKind int

const (
	// OutcomeOpen: the route is free, serve it.
	OutcomeOpen OutcomeKind = iota
	// OutcomeChallenge: respond 402 with the challenge.
	OutcomeChallenge
	// OutcomePaid: payment verified and settled, serve the resource.
	OutcomePaid
)

// Outcome is the result of running one request through the paywall.
type Outcome struct {
	Kind OutcomeKind

	// Challenge fields, set when Kind == OutcomeChallenge.
	Challenge       *x402.PaymentRequired
	ChallengeHeader string

	// Payment fields, set when Kind == OutcomePaid.
	Payer            string
	Settlement       *x402.SettlementResponse
	SettlementHeader string
	AmountPaid       *big.Int
}

// Paywall prices resources and gates them behind x402 payments.
type Paywall struct {
	cfg Config
	bus *events.Bus

	mu     sync.RWMutex
	prices map[string]*big.Int
}

// New creates a paywall. Panics if cfg offers no payment rails, since a
// paywall that can issue no requirements is a configuration bug.
func New(cfg Config) *Paywall {
	if len(cfg.Accepts) == 0 {
		panic("paywall: config must list at least one accepted payment option")
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Paywall{
		cfg:    cfg,
		bus:    bus,
		prices: make(map[string]*big.Int),
	}
}

// AttachBus redirects paywall events onto bus. Call before serving
// requests; the gateway uses this to fan paywall events out to its own
// subscribers.
func (p *Paywall) AttachBus(bus *events.Bus) {
	if bus != nil {
		p.bus = bus
	}
}

// SetPrice assigns a price to a resource, overriding the default.
// A zero price makes the resource free.
func (p *Paywall) SetPrice(resource string, price *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[resource] = amount.Clone(price)
}

// PriceFor resolves the price of a resource: explicit entry first, then
// the default. Nil means free.
func (p *Paywall) PriceFor(resource string) *big.Int {
	p.mu.RLock()
	price, ok := p.prices[resource]
	p.mu.RUnlock()
	if ok {
		return amount.Clone(price)
	}
	return amount.Clone(p.cfg.DefaultPrice)
}

// Challenge builds the 402 challenge for a resource at the given price,
// one requirement per accepted (network, asset) pair.
func (p *Paywall) Challenge(resource, description string, price *big.Int) *x402.PaymentRequired {
	pr := &x402.PaymentRequired{
		X402Version: x402.Version,
		Error:       "payment required",
		Resource: x402.ResourceInfo{
			URL:         resource,
			Description: description,
			MimeType:    "application/json",
		},
	}
	seen := make(map[string]bool, len(p.cfg.Accepts))
	for _, opt := range p.cfg.Accepts {
		key := opt.Network + "/" + opt.Asset
		if seen[key] {
			continue
		}
		seen[key] = true
		payTo := opt.PayTo
		if payTo == "" {
			payTo = p.cfg.PayTo
		}
		pr.Accepts = append(pr.Accepts, x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           opt.Network,
			Asset:             opt.Asset,
			Amount:            amount.Format(price),
			PayTo:             payTo,
			MaxTimeoutSeconds: p.cfg.MaxTimeoutSeconds,
			Extra:             opt.Extra,
		})
	}
	return pr
}

// Process runs one request through the paywall. paymentHeader is the
// raw PAYMENT-SIGNATURE header value, empty when the caller sent none.
func (p *Paywall) Process(ctx context.Context, resource, description, paymentHeader string) (*Outcome, error) {
	price := p.PriceFor(resource)
	if !amount.IsPositive(price) {
		return &Outcome{Kind: OutcomeOpen}, nil
	}

	if paymentHeader == "" {
		return p.challengeOutcome(resource, description, price, "payment required")
	}

	var payload x402.PaymentPayload
	if err := x402.DecodeHeader(paymentHeader, &payload); err != nil {
		return p.challengeOutcome(resource, description, price, "malformed payment header")
	}

	challenge := p.Challenge(resource, description, price)
	requirements := matchRequirement(challenge.Accepts, payload)
	if requirements == nil {
		return p.challengeOutcome(resource, description, price, "payment does not match any accepted option")
	}

	if p.cfg.Verifier == nil {
		return nil, fmt.Errorf("paywall: no verifier configured")
	}

	vr, err := p.cfg.Verifier.Verify(ctx, payload, *requirements)
	if err != nil {
		return nil, fmt.Errorf("paywall: verify payment: %w", err)
	}
	if !vr.IsValid {
		reason := vr.InvalidReason
		if reason == "" {
			reason = "payment rejected"
		}
		return p.challengeOutcome(resource, description, price, reason)
	}
	p.emit(events.X402PaymentVerified, map[string]interface{}{
		"resource": resource,
		"payer":    vr.Payer,
		"amount":   requirements.Amount,
	})

	settlement, err := p.cfg.Verifier.Settle(ctx, payload, *requirements)
	if err != nil {
		return nil, fmt.Errorf("paywall: settle payment: %w", err)
	}
	if !settlement.Success {
		reason := settlement.ErrorReason
		if reason == "" {
			reason = "settlement failed"
		}
		return p.challengeOutcome(resource, description, price, reason)
	}

	header, err := x402.EncodeHeader(settlement)
	if err != nil {
		return nil, err
	}
	payer := settlement.Payer
	if payer == "" {
		payer = vr.Payer
	}
	p.emit(events.X402PaymentSettled, map[string]interface{}{
		"resource":    resource,
		"payer":       payer,
		"amount":      requirements.Amount,
		"transaction": settlement.Transaction,
		"network":     settlement.Network,
	})

	paid, _ := amount.Parse(requirements.Amount)
	return &Outcome{
		Kind:             OutcomePaid,
		Payer:            payer,
		Settlement:       settlement,
		SettlementHeader: header,
		AmountPaid:       paid,
	}, nil
}

func (p *Paywall) challengeOutcome(resource, description string, price *big.Int, reason string) (*Outcome, error) {
	challenge := p.Challenge(resource, description, price)
	challenge.Error = reason
	header, err := x402.EncodeHeader(challenge)
	if err != nil {
		return nil, err
	}
	p.emit(events.X402PaymentRequired, map[string]interface{}{
		"resource": resource,
		"amount":   amount.Format(price),
		"reason":   reason,
	})
	return &Outcome{
		Kind:            OutcomeChallenge,
		Challenge:       challenge,
		ChallengeHeader: header,
	}, nil
}

func (p *Paywall) emit(t events.Type, payload map[string]interface{}) {
	p.bus.Emit(events.Event{Type: t, Payload: payload})
}

// matchRequirement finds the accepted requirement the payload targets,
// by scheme, network and asset of its echoed Accepted entry.
func matchRequirement(accepts []x402.PaymentRequirements, payload x402.PaymentPayload) *x402.PaymentRequirements {
	for i := range accepts {
		if accepts[i].Scheme == payload.Accepted.Scheme &&
			accepts[i].Network == payload.Accepted.Network &&
			accepts[i].Asset == payload.Accepted.Asset {
			return &accepts[i]
		}
	}
	return nil
}
