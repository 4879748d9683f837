// Package pricing resolves the tier charged for an RPC method and tracks
// the gateway-wide latency average used for latency-adaptive listings.
package pricing

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/oobe-protocol/synapse-gateway/internal/amount"
)

// TokenKind classifies the payment token of a tier.
type TokenKind string

const (
	TokenNative     TokenKind = "native"
	TokenMint       TokenKind = "mint"
	TokenStablecoin TokenKind = "stablecoin"
)

// Token describes the unit a tier is priced in.
type Token struct {
	Kind     TokenKind `json:"kind"`
	Mint     string    `json:"mint,omitempty"` // empty for native
	Symbol   string    `json:"symbol"`
	Decimals int       `json:"decimals"`
}

// Tier is one pricing bundle for a method.
type Tier struct {
	ID                  string   `json:"id"`
	Label               string   `json:"label"`
	PricePerCall        *big.Int `json:"-"`
	MaxCallsPerSession  int      `json:"maxCallsPerSession"` // 0 = unlimited
	RateLimitPerSecond  int      `json:"rateLimitPerSecond"`
	Token               Token    `json:"token"`
	IncludesAttestation bool     `json:"includesAttestation"`
}

// Clone returns a deep copy (the price is the only pointer field).
func (t Tier) Clone() Tier {
	out := t
	out.PricePerCall = amount.Clone(t.PricePerCall)
	return out
}

type tierWire struct {
	ID                  string `json:"id"`
	Label               string `json:"label"`
	PricePerCall        string `json:"pricePerCall"`
	MaxCallsPerSession  int    `json:"maxCallsPerSession"`
	RateLimitPerSecond  int    `json:"rateLimitPerSecond"`
	Token               Token  `json:"token"`
	IncludesAttestation bool   `json:"includesAttestation"`
}

// MarshalJSON emits the price as a decimal string.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(tierWire{
		ID:                  t.ID,
		Label:               t.Label,
		PricePerCall:        amount.Format(t.PricePerCall),
		MaxCallsPerSession:  t.MaxCallsPerSession,
		RateLimitPerSecond:  t.RateLimitPerSecond,
		Token:               t.Token,
		IncludesAttestation: t.IncludesAttestation,
	})
}

// UnmarshalJSON parses the wire form, rejecting malformed prices.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var w tierWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	price, ok := amount.Parse(w.PricePerCall)
	if !ok {
		return fmt.Errorf("pricing: tier %s: invalid pricePerCall %q", w.ID, w.PricePerCall)
	}
	*t = Tier{
		ID:                  w.ID,
		Label:               w.Label,
		PricePerCall:        price,
		MaxCallsPerSession:  w.MaxCallsPerSession,
		RateLimitPerSecond:  w.RateLimitPerSecond,
		Token:               w.Token,
		IncludesAttestation: w.IncludesAttestation,
	}
	return nil
}

// latencyAlpha is the EMA smoothing coefficient for observed latencies.
const latencyAlpha = 0.2

// Engine maps methods to tier lists with bundle overrides and maintains
// the latency EMA. Safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	defaults []Tier
	byMethod map[string][]Tier
	bundles  map[string]bundle

	avgLatency float64
	samples    int64
}

type bundle struct {
	id      string
	methods map[string]struct{}
	tiers   []Tier
}

// NewEngine creates a pricing engine with the given default tier list.
func NewEngine(defaults []Tier) *Engine {
	e := &Engine{
		byMethod: make(map[string][]Tier),
		bundles:  make(map[string]bundle),
	}
	for _, t := range defaults {
		e.defaults = append(e.defaults, t.Clone())
	}
	return e
}

// RegisterMethod installs a method-specific tier list, replacing defaults
// for that method.
func (e *Engine) RegisterMethod(method string, tiers []Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		list = append(list, t.Clone())
	}
	e.byMethod[method] = list
}

// RegisterBundle installs bundle tier overrides for a method set. Bundle
// tiers take precedence over method-specific and default tiers for every
// method in the bundle.
func (e *Engine) RegisterBundle(id string, methods []string, tiers []Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	list := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		list = append(list, t.Clone())
	}
	e.bundles[id] = bundle{id: id, methods: set, tiers: list}
}

// TiersForMethod returns the effective tier list for a method: bundle
// overrides first, then the method-specific list, then defaults.
func (e *Engine) TiersForMethod(method string) []Tier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tiersForMethodLocked(method)
}

func (e *Engine) tiersForMethodLocked(method string) []Tier {
	for _, b := range e.bundles {
		if _, ok := b.methods[method]; ok {
			return cloneTiers(b.tiers)
		}
	}
	if list, ok := e.byMethod[method]; ok {
		return cloneTiers(list)
	}
	return cloneTiers(e.defaults)
}

// GetTier resolves a tier by id within the effective list for method.
// First match wins.
func (e *Engine) GetTier(method, id string) (Tier, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.tiersForMethodLocked(method) {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}

// FindTier resolves a tier by id across the whole catalog: defaults first,
// then method lists, then bundles. Used when no method context exists yet
// (session opening).
func (e *Engine) FindTier(id string) (Tier, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.defaults {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	for _, list := range e.byMethod {
		for _, t := range list {
			if t.ID == id {
				return t.Clone(), true
			}
		}
	}
	for _, b := range e.bundles {
		for _, t := range b.tiers {
			if t.ID == id {
				return t.Clone(), true
			}
		}
	}
	return Tier{}, false
}

// ReportLatency feeds one observed upstream latency into the EMA.
// The first sample seeds the average.
func (e *Engine) ReportLatency(ms float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 {
		e.avgLatency = ms
	} else {
		e.avgLatency = latencyAlpha*ms + (1-latencyAlpha)*e.avgLatency
	}
	e.samples++
}

// AvgLatency returns the current latency EMA in milliseconds.
func (e *Engine) AvgLatency() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.avgLatency
}

func cloneTiers(in []Tier) []Tier {
	out := make([]Tier, 0, len(in))
	for _, t := range in {
		out = append(out, t.Clone())
	}
	return out
}
