// Package gateway orchestrates metered RPC commerce: it opens sessions
// from signed payment intents, meters and attests upstream calls,
// settles sessions into receipts, and exposes the x402 paywall and the
// tool marketplace.
//
// Flow:
//  1. Buyer submits a payment intent → session opened (budget reserved)
//  2. Buyer executes calls → metering gates, upstream call, attestation
//  3. Session settled → receipt with amount charged, revenue recorded
package gateway

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/agent"
	"github.com/oobe-protocol/synapse-gateway/internal/attest"
	"github.com/oobe-protocol/synapse-gateway/internal/events"
	"github.com/oobe-protocol/synapse-gateway/internal/idgen"
	"github.com/oobe-protocol/synapse-gateway/internal/marketplace"
	"github.com/oobe-protocol/synapse-gateway/internal/paywall"
	"github.com/oobe-protocol/synapse-gateway/internal/pricing"
	"github.com/oobe-protocol/synapse-gateway/internal/session"
	"github.com/oobe-protocol/synapse-gateway/pkg/x402"
)

// Errors
var (
	ErrSessionNotFound  = errors.New("gateway: session not found")
	ErrCapacityReached  = errors.New("gateway: max concurrent sessions reached")
	ErrUnknownTier      = errors.New("gateway: unknown tier")
	ErrVerifierRejected = errors.New("gateway: intent verifier rejected intent")
	ErrNoPaywall        = errors.New("gateway: no paywall configured")
	ErrNoX402Client     = errors.New("gateway: no x402 client configured")
	ErrNoTransport      = errors.New("gateway: no upstream transport configured")
)

// Verifier validates a payment intent beyond the structural checks,
// typically a signature check against the buyer's wallet.
type Verifier func(intent *session.Intent) error

// Config assembles a gateway.
type Config struct {
	// Identity is the gateway's seller identity; intents must name it.
	Identity agent.Identity
	// Pricing resolves tiers and tracks the latency EMA.
	Pricing *pricing.Engine
	// Transport performs upstream RPC calls.
	Transport Transport
	// Signer produces attestation signatures; nil disables attestation.
	Signer attest.Signer
	// AttestByDefault attests every call regardless of tier flag.
	AttestByDefault bool
	// MaxConcurrentSessions caps pending+active+paused sessions;
	// 0 means unlimited.
	MaxConcurrentSessions int
	// SessionWindowMs overrides the rate-limit window length.
	SessionWindowMs int64
	// BudgetWarningThreshold overrides the budget:warning fraction.
	BudgetWarningThreshold float64

	// Paywall gates per-call x402 billing; optional.
	Paywall *paywall.Paywall
	// X402Client pays remote sellers' challenges; optional.
	X402Client *x402.Client

	// Marketplace receives published listings; created if nil.
	Marketplace *marketplace.Marketplace

	Logger *slog.Logger
}

// Gateway is the orchestrator. All methods are safe for concurrent use.
type Gateway struct {
	identity        agent.Identity
	pricing         *pricing.Engine
	transport       Transport
	attester        *attest.Attester
	attestByDefault bool
	maxSessions     int
	windowMs        int64
	warnThreshold   float64

	paywall    *paywall.Paywall
	x402Client *x402.Client
	market     *marketplace.Marketplace

	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session

	statsMu           sync.Mutex
	callsServed       int64
	totalAttestations int64
	totalRevenue      *big.Int
	x402Received      int64
	x402AmountIn      *big.Int
	x402Sent          int64
	x402AmountOut     *big.Int
}

// New assembles a gateway from cfg.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := cfg.Pricing
	if engine == nil {
		engine = pricing.NewEngine(nil)
	}
	market := cfg.Marketplace
	if market == nil {
		market = marketplace.New()
	}

	g := &Gateway{
		identity:        cfg.Identity.Clone(),
		pricing:         engine,
		transport:       cfg.Transport,
		attester:        attest.New(cfg.Identity.ID, cfg.Signer),
		attestByDefault: cfg.AttestByDefault,
		maxSessions:     cfg.MaxConcurrentSessions,
		windowMs:        cfg.SessionWindowMs,
		warnThreshold:   cfg.BudgetWarningThreshold,
		paywall:         cfg.Paywall,
		x402Client:      cfg.X402Client,
		market:          market,
		bus:             events.NewBus(logger),
		logger:          logger,
		sessions:        make(map[string]*session.Session),
		totalRevenue:    new(big.Int),
		x402AmountIn:    new(big.Int),
		x402AmountOut:   new(big.Int),
	}
	if g.paywall != nil {
		g.paywall.AttachBus(g.bus)
	}
	if g.x402Client != nil {
		g.x402Client.OnPayment = func(req x402.PaymentRequirements, settlement *x402.SettlementResponse) {
			g.recordOutboundPayment(req, settlement)
		}
	}
	return g
}

// Identity returns the gateway's seller identity.
func (g *Gateway) Identity() agent.Identity { return g.identity.Clone() }

// Bus returns the gateway-wide event bus.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// Pricing returns the tier engine.
func (g *Gateway) Pricing() *pricing.Engine { return g.pricing }

// Marketplace returns the listing registry.
func (g *Gateway) Marketplace() *marketplace.Marketplace { return g.market }

// On subscribes a handler to one event type, or events.Wildcard for
// all. Returns the unsubscribe function.
func (g *Gateway) On(t events.Type, h events.Handler) func() {
	return g.bus.Subscribe(t, h)
}

// OpenSessionOptions tweak session opening.
type OpenSessionOptions struct {
	// TierOverride replaces the intent's tier id.
	TierOverride string
	// TTLOverride replaces the intent's ttl for the session lifetime.
	TTLOverride int64
	// Verifier replaces the structural intent validation entirely.
	Verifier Verifier
}

// OpenSession validates an intent, checks capacity, and creates an
// active session ready for calls.
func (g *Gateway) OpenSession(intent *session.Intent, opts OpenSessionOptions) (*session.Session, error) {
	if opts.Verifier != nil {
		if err := opts.Verifier(intent); err != nil {
			return nil, errors.Join(ErrVerifierRejected, err)
		}
	} else if err := intent.Validate(g.identity.ID, time.Now()); err != nil {
		return nil, err
	}

	tierID := intent.TierID
	if opts.TierOverride != "" {
		tierID = opts.TierOverride
	}
	tier, ok := g.pricing.FindTier(tierID)
	if !ok {
		return nil, ErrUnknownTier
	}

	ttl := intent.TTLSeconds
	if opts.TTLOverride > 0 {
		ttl = opts.TTLOverride
	}

	g.mu.Lock()
	if g.maxSessions > 0 && g.liveCountLocked() >= g.maxSessions {
		g.mu.Unlock()
		return nil, ErrCapacityReached
	}
	s := session.New(session.Config{
		ID:               idgen.WithPrefix("ses_"),
		BuyerID:          intent.BuyerID,
		SellerID:         g.identity.ID,
		Tier:             tier,
		IntentNonce:      intent.Nonce,
		Budget:           intent.MaxBudget,
		TTLSeconds:       ttl,
		WindowMs:         g.windowMs,
		WarningThreshold: g.warnThreshold,
		Bus:              g.bus,
	})
	g.sessions[s.ID()] = s
	g.mu.Unlock()

	g.bus.Emit(events.Event{
		Type:      events.SessionCreated,
		SessionID: s.ID(),
		Payload: map[string]interface{}{
			"buyerId": intent.BuyerID,
			"tierId":  tier.ID,
			"budget":  intent.MaxBudget.String(),
		},
	})
	g.bus.Emit(events.Event{
		Type:      events.PaymentIntent,
		SessionID: s.ID(),
		Payload: map[string]interface{}{
			"nonce":   intent.Nonce,
			"buyerId": intent.BuyerID,
		},
	})

	if err := s.Activate(); err != nil {
		return nil, err
	}

	g.logger.Info("session opened",
		"sessionId", s.ID(),
		"buyer", intent.BuyerID,
		"tier", tier.ID,
		"budget", intent.MaxBudget.String(),
		"ttlSeconds", ttl,
	)
	return s, nil
}

// GetSession looks up a session by id.
func (g *Gateway) GetSession(id string) (*session.Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListSessions returns snapshots, optionally restricted to statuses.
func (g *Gateway) ListSessions(statuses ...session.Status) []session.Snapshot {
	filter := make(map[session.Status]bool, len(statuses))
	for _, st := range statuses {
		filter[st] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]session.Snapshot, 0, len(g.sessions))
	for _, s := range g.sessions {
		snap := s.Snapshot()
		if len(filter) > 0 && !filter[snap.Status] {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// PruneSessions removes settled and expired sessions and returns how
// many were reclaimed. Exhausted sessions are kept until settled.
func (g *Gateway) PruneSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	pruned := 0
	for id, s := range g.sessions {
		switch s.Status() {
		case session.StatusSettled, session.StatusExpired:
			delete(g.sessions, id)
			pruned++
		}
	}
	return pruned
}

// sweepExpired transitions overdue sessions to expired. Used by Timer.
func (g *Gateway) sweepExpired() int {
	g.mu.RLock()
	live := make([]*session.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		live = append(live, s)
	}
	g.mu.RUnlock()

	expired := 0
	for _, s := range live {
		if s.ExpireIfOverdue() {
			expired++
		}
	}
	return expired
}

func (g *Gateway) liveCountLocked() int {
	n := 0
	for _, s := range g.sessions {
		switch s.Status() {
		case session.StatusPending, session.StatusActive, session.StatusPaused:
			n++
		}
	}
	return n
}

// X402Metrics summarizes both sides of the 402 protocol.
type X402Metrics struct {
	PaymentsReceived int64  `json:"paymentsReceived"`
	AmountReceived   string `json:"amountReceived"`
	PaymentsSent     int64  `json:"paymentsSent"`
	AmountSent       string `json:"amountSent"`
}

// Metrics is the gateway-wide counter snapshot.
type Metrics struct {
	TotalCallsServed  int64             `json:"totalCallsServed"`
	TotalRevenue      string            `json:"totalRevenue"`
	ActiveSessions    int               `json:"activeSessions"`
	TotalSessions     int               `json:"totalSessions"`
	AvgLatencyMs      float64           `json:"avgLatencyMs"`
	TotalAttestations int64             `json:"totalAttestations"`
	Marketplace       marketplace.Stats `json:"marketplaceStats"`
	X402              X402Metrics       `json:"x402"`
}

// Metrics returns the current counters.
func (g *Gateway) Metrics() Metrics {
	g.mu.RLock()
	total := len(g.sessions)
	active := 0
	for _, s := range g.sessions {
		if s.Status() == session.StatusActive {
			active++
		}
	}
	g.mu.RUnlock()

	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return Metrics{
		TotalCallsServed:  g.callsServed,
		TotalRevenue:      g.totalRevenue.String(),
		ActiveSessions:    active,
		TotalSessions:     total,
		AvgLatencyMs:      g.pricing.AvgLatency(),
		TotalAttestations: g.totalAttestations,
		Marketplace:       g.market.Stats(),
		X402: X402Metrics{
			PaymentsReceived: g.x402Received,
			AmountReceived:   g.x402AmountIn.String(),
			PaymentsSent:     g.x402Sent,
			AmountSent:       g.x402AmountOut.String(),
		},
	}
}

func (g *Gateway) recordOutboundPayment(req x402.PaymentRequirements, settlement *x402.SettlementResponse) {
	amt, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		amt = new(big.Int)
	}
	g.statsMu.Lock()
	g.x402Sent++
	g.x402AmountOut.Add(g.x402AmountOut, amt)
	g.statsMu.Unlock()

	payload := map[string]interface{}{
		"network": req.Network,
		"asset":   req.Asset,
		"amount":  req.Amount,
		"payTo":   req.PayTo,
	}
	if settlement != nil {
		payload["transaction"] = settlement.Transaction
	}
	g.bus.Emit(events.Event{Type: events.X402PaymentSent, Payload: payload})
}
