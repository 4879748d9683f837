// Package session implements the metered session engine: a per-buyer state
// machine with a budget ledger, a sliding-window rate limiter, call
// counters, and TTL enforcement.
//
// Budget discipline follows reserve/commit/refund: PreCall atomically
// reserves the call cost (deducting it from the remaining budget), the
// upstream call runs with no session lock held, then PostCall commits the
// counters or Refund returns the reservation. The observable contract is
// "never overspend and never double-count".
package session

import (
	"math/big"
	"sync"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/amount"
	"github.com/oobe-protocol/synapse-gateway/internal/events"
	"github.com/oobe-protocol/synapse-gateway/internal/pricing"
)

// Status represents session lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusExhausted Status = "exhausted"
	StatusSettled   Status = "settled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusExhausted || s == StatusSettled || s == StatusExpired
}

// Defaults for the metering gates.
const (
	DefaultWindowMs         = 1000
	DefaultWarningThreshold = 0.20
)

// unlimitedCalls is the sentinel for tiers with MaxCallsPerSession == 0.
const unlimitedCalls = -1

// Config describes a new session.
type Config struct {
	ID          string
	BuyerID     string
	SellerID    string
	Tier        pricing.Tier
	IntentNonce string
	Budget      *big.Int
	TTLSeconds  int64 // 0 = no expiry

	// WindowMs is the rate-limit window length; 0 uses DefaultWindowMs.
	WindowMs int64
	// WarningThreshold is the remaining-budget fraction at or below which
	// a budget:warning fires; 0 uses DefaultWarningThreshold.
	WarningThreshold float64

	Bus *events.Bus
}

// Session is mutable state owned exclusively by the gateway that created
// it. All methods are safe for concurrent use; none of them block on I/O.
type Session struct {
	mu sync.Mutex

	id          string
	status      Status
	buyerID     string
	sellerID    string
	tier        pricing.Tier
	intentNonce string

	budgetTotal     *big.Int
	budgetRemaining *big.Int

	callsMade      int
	callsRemaining int // unlimitedCalls = no cap
	perMethod      map[string]int

	windowLen    time.Duration
	maxPerWindow int
	window       []time.Time

	metadata map[string]string

	createdAt    time.Time
	lastActivity time.Time
	ttlSeconds   int64

	warnThreshold float64
	budgetWarned  bool

	bus *events.Bus
	now func() time.Time
}

// New creates a session in pending status.
func New(cfg Config) *Session {
	windowMs := cfg.WindowMs
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	threshold := cfg.WarningThreshold
	if threshold <= 0 {
		threshold = DefaultWarningThreshold
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(nil)
	}

	callsRemaining := unlimitedCalls
	if cfg.Tier.MaxCallsPerSession > 0 {
		callsRemaining = cfg.Tier.MaxCallsPerSession
	}

	now := time.Now()
	return &Session{
		id:              cfg.ID,
		status:          StatusPending,
		buyerID:         cfg.BuyerID,
		sellerID:        cfg.SellerID,
		tier:            cfg.Tier.Clone(),
		intentNonce:     cfg.IntentNonce,
		budgetTotal:     amount.Clone(cfg.Budget),
		budgetRemaining: amount.Clone(cfg.Budget),
		callsRemaining:  callsRemaining,
		perMethod:       make(map[string]int),
		windowLen:       time.Duration(windowMs) * time.Millisecond,
		maxPerWindow:    cfg.Tier.RateLimitPerSecond,
		metadata:        make(map[string]string),
		createdAt:       now,
		lastActivity:    now,
		ttlSeconds:      cfg.TTLSeconds,
		warnThreshold:   threshold,
		bus:             bus,
		now:             time.Now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Bus returns the per-session event bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Tier returns a copy of the effective tier.
func (s *Session) Tier() pricing.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier.Clone()
}

// SetMeta stores a freeform metadata entry.
func (s *Session) SetMeta(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Activate transitions pending → active.
func (s *Session) Activate() error {
	s.mu.Lock()
	if s.status != StatusPending {
		err := s.invalidStateLocked("activate")
		s.mu.Unlock()
		return err
	}
	s.status = StatusActive
	s.mu.Unlock()

	s.emit(events.SessionActivated, nil)
	return nil
}

// Pause transitions active → paused. Paused sessions reject calls but can
// resume.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.status != StatusActive {
		err := s.invalidStateLocked("pause")
		s.mu.Unlock()
		return err
	}
	s.status = StatusPaused
	s.mu.Unlock()

	s.emit(events.SessionPaused, nil)
	return nil
}

// Resume transitions paused → active.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.status != StatusPaused {
		err := s.invalidStateLocked("resume")
		s.mu.Unlock()
		return err
	}
	s.status = StatusActive
	s.mu.Unlock()

	s.emit(events.SessionActivated, nil)
	return nil
}

// PreCall runs the metering gate for one call and, on success, reserves
// the tier price from the remaining budget. Gate order is fixed: status,
// ttl, rate window, call limit, budget — first failure wins.
func (s *Session) PreCall(method string) (*big.Int, error) {
	s.mu.Lock()

	if s.status != StatusActive {
		err := s.invalidStateLocked("call")
		s.mu.Unlock()
		return nil, err
	}

	now := s.now()

	if s.ttlSeconds > 0 && now.Sub(s.createdAt) >= time.Duration(s.ttlSeconds)*time.Second {
		s.status = StatusExpired
		s.mu.Unlock()
		s.emit(events.SessionExpired, map[string]interface{}{"ttlSeconds": s.ttlSeconds})
		return nil, &Error{Code: CodeSessionExpired, Message: "session ttl elapsed", SessionID: s.id}
	}

	if s.maxPerWindow > 0 {
		s.pruneWindowLocked(now)
		if len(s.window) >= s.maxPerWindow {
			retryAfter := s.windowLen - now.Sub(s.window[0])
			if retryAfter < 0 {
				retryAfter = 0
			}
			retryMs := retryAfter.Milliseconds()
			s.mu.Unlock()
			s.emit(events.RateLimitExceeded, map[string]interface{}{"retryAfterMs": retryMs})
			return nil, &Error{
				Code:         CodeRateLimitExceeded,
				Message:      "tier rate limit reached",
				SessionID:    s.id,
				RetryAfterMs: retryMs,
			}
		}
	}

	if s.callsRemaining != unlimitedCalls && s.callsRemaining <= 0 {
		s.status = StatusExhausted
		s.mu.Unlock()
		s.emit(events.SessionExhausted, map[string]interface{}{"reason": "call limit"})
		return nil, &Error{Code: CodeCallLimitExceeded, Message: "session call limit reached", SessionID: s.id}
	}

	cost := amount.Clone(s.tier.PricePerCall)
	if cost == nil {
		cost = big.NewInt(0)
	}
	if s.budgetRemaining.Cmp(cost) < 0 {
		s.status = StatusExhausted
		remaining := amount.Format(s.budgetRemaining)
		s.mu.Unlock()
		s.emit(events.BudgetExhausted, map[string]interface{}{
			"remaining": remaining,
			"cost":      amount.Format(cost),
		})
		return nil, &Error{Code: CodeBudgetExhausted, Message: "remaining budget below call price", SessionID: s.id}
	}

	// Reserve: the deduction happens here so a concurrent PreCall can
	// never observe budget it could overspend.
	s.budgetRemaining.Sub(s.budgetRemaining, cost)
	s.mu.Unlock()

	return cost, nil
}

// PostCall commits a successful call: counters, activity timestamp, rate
// window, warning and exhaustion checks. Only call after the upstream
// request succeeded; pair a failed request with Refund instead.
func (s *Session) PostCall(method string, cost *big.Int) {
	s.mu.Lock()

	s.callsMade++
	if s.callsRemaining != unlimitedCalls {
		s.callsRemaining--
	}
	s.perMethod[method]++
	now := s.now()
	s.lastActivity = now
	s.window = append(s.window, now)
	s.pruneWindowLocked(now)

	var fire []events.Type
	payload := map[string]interface{}{
		"remaining": amount.Format(s.budgetRemaining),
		"total":     amount.Format(s.budgetTotal),
	}

	if s.budgetRemaining.Sign() <= 0 {
		s.status = StatusExhausted
		fire = append(fire, events.BudgetExhausted)
	} else if !s.budgetWarned && s.underWarningThresholdLocked() {
		// Once per crossing: the flag stays set for the session's life.
		s.budgetWarned = true
		fire = append(fire, events.BudgetWarning)
	}
	s.mu.Unlock()

	for _, t := range fire {
		s.emit(t, payload)
	}
}

// Refund returns a PreCall reservation after a failed upstream call.
// No counters move; the call never happened as far as metering goes.
func (s *Session) Refund(cost *big.Int) {
	if cost == nil {
		return
	}
	s.mu.Lock()
	s.budgetRemaining.Add(s.budgetRemaining, cost)
	s.mu.Unlock()
}

// Settle transitions to settled and returns the amount charged
// (budgetTotal − budgetRemaining). Valid from active or paused.
func (s *Session) Settle() (*big.Int, error) {
	s.mu.Lock()
	if s.status != StatusActive && s.status != StatusPaused && s.status != StatusExhausted {
		err := s.invalidStateLocked("settle")
		s.mu.Unlock()
		return nil, err
	}
	s.status = StatusSettled
	charged := new(big.Int).Sub(s.budgetTotal, s.budgetRemaining)
	calls := s.callsMade
	s.mu.Unlock()

	s.emit(events.SessionSettled, map[string]interface{}{
		"amountCharged": amount.Format(charged),
		"callsMade":     calls,
	})
	return charged, nil
}

// ExpireIfOverdue transitions a non-terminal session to expired when its
// ttl has elapsed. Returns true if the transition happened. Used by the
// background sweeper.
func (s *Session) ExpireIfOverdue() bool {
	s.mu.Lock()
	if s.status.Terminal() || s.ttlSeconds <= 0 {
		s.mu.Unlock()
		return false
	}
	if s.now().Sub(s.createdAt) < time.Duration(s.ttlSeconds)*time.Second {
		s.mu.Unlock()
		return false
	}
	s.status = StatusExpired
	s.mu.Unlock()

	s.emit(events.SessionExpired, map[string]interface{}{"ttlSeconds": s.ttlSeconds})
	return true
}

// NextCallIndex returns the 1-based index the next committed call will
// occupy.
func (s *Session) NextCallIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callsMade + 1
}

// Snapshot is an immutable view of session state.
type Snapshot struct {
	ID              string            `json:"id"`
	Status          Status            `json:"status"`
	BuyerID         string            `json:"buyerId"`
	SellerID        string            `json:"sellerId"`
	TierID          string            `json:"tierId"`
	IntentNonce     string            `json:"intentNonce"`
	BudgetTotal     string            `json:"budgetTotal"`
	BudgetRemaining string            `json:"budgetRemaining"`
	CallsMade       int               `json:"callsMade"`
	CallsRemaining  int               `json:"callsRemaining"` // -1 = unlimited
	PerMethod       map[string]int    `json:"perMethod"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivity    time.Time         `json:"lastActivity"`
	TTLSeconds      int64             `json:"ttlSeconds"`
}

// Snapshot returns a deep-copied view for observers.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	perMethod := make(map[string]int, len(s.perMethod))
	for k, v := range s.perMethod {
		perMethod[k] = v
	}
	meta := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}

	return Snapshot{
		ID:              s.id,
		Status:          s.status,
		BuyerID:         s.buyerID,
		SellerID:        s.sellerID,
		TierID:          s.tier.ID,
		IntentNonce:     s.intentNonce,
		BudgetTotal:     amount.Format(s.budgetTotal),
		BudgetRemaining: amount.Format(s.budgetRemaining),
		CallsMade:       s.callsMade,
		CallsRemaining:  s.callsRemaining,
		PerMethod:       perMethod,
		Metadata:        meta,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		TTLSeconds:      s.ttlSeconds,
	}
}

func (s *Session) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-s.windowLen)
	i := 0
	for i < len(s.window) && !s.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// underWarningThresholdLocked reports remaining/total ∈ (0, threshold]
// using integer math only.
func (s *Session) underWarningThresholdLocked() bool {
	if s.budgetRemaining.Sign() <= 0 || s.budgetTotal.Sign() <= 0 {
		return false
	}
	// remaining*10000 ≤ total*threshold*10000
	lhs := new(big.Int).Mul(s.budgetRemaining, big.NewInt(10000))
	rhs := new(big.Int).Mul(s.budgetTotal, big.NewInt(int64(s.warnThreshold*10000)))
	return lhs.Cmp(rhs) <= 0
}

func (s *Session) invalidStateLocked(op string) error {
	return &Error{
		Code:      CodeInvalidState,
		Message:   "cannot " + op + " in status " + string(s.status),
		SessionID: s.id,
	}
}

func (s *Session) emit(t events.Type, payload map[string]interface{}) {
	s.bus.Emit(events.Event{Type: t, SessionID: s.id, Payload: payload})
}
