// Package events defines the gateway event catalog and a synchronous
// in-process bus with per-type and wildcard subscribers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event in the closed catalog.
type Type string

// Wildcard subscribes a handler to every event type.
const Wildcard Type = "*"

const (
	SessionCreated   Type = "session:created"
	SessionActivated Type = "session:activated"
	SessionPaused    Type = "session:paused"
	SessionExhausted Type = "session:exhausted"
	SessionSettled   Type = "session:settled"
	SessionExpired   Type = "session:expired"

	CallBefore   Type = "call:before"
	CallAfter    Type = "call:after"
	CallError    Type = "call:error"
	CallAttested Type = "call:attested"

	PaymentIntent  Type = "payment:intent"
	PaymentSettled Type = "payment:settled"

	RateLimitExceeded Type = "ratelimit:exceeded"
	BudgetWarning     Type = "budget:warning"
	BudgetExhausted   Type = "budget:exhausted"

	X402PaymentRequired Type = "x402:payment-required"
	X402PaymentVerified Type = "x402:payment-verified"
	X402PaymentSettled  Type = "x402:payment-settled"
	X402PaymentSent     Type = "x402:payment-sent"
)

// Event is a single emission on the bus.
type Event struct {
	Type      Type                   `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine and must be short-lived; dispatch long work elsewhere.
type Handler func(Event)

type entry struct {
	id int64
	fn Handler
}

// Bus dispatches events to registered handlers in registration order.
// A panicking handler is isolated and never corrupts emitter state.
type Bus struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[Type][]entry
	logger   *slog.Logger
}

// NewBus creates an event bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type][]entry),
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type (or Wildcard for all).
// The returned function removes the subscription.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], entry{id: id, fn: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[t]
		for i, e := range list {
			if e.id == id {
				b.handlers[t] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers ev to type-specific handlers first, then wildcard handlers,
// each in registration order.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := append([]entry(nil), b.handlers[ev.Type]...)
	wild := append([]entry(nil), b.handlers[Wildcard]...)
	b.mu.RUnlock()

	for _, e := range typed {
		b.safeCall(e.fn, ev)
	}
	for _, e := range wild {
		b.safeCall(e.fn, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Type),
				"sessionId", ev.SessionID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	h(ev)
}
