package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires overdue sessions and prunes terminal ones.
type Timer struct {
	gateway       *Gateway
	interval      time.Duration
	pruneInterval time.Duration
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
	lastPruneAt   time.Time
}

// NewTimer creates a session sweep timer.
func NewTimer(g *Gateway, logger *slog.Logger) *Timer {
	return &Timer{
		gateway:       g,
		interval:      30 * time.Second,
		pruneInterval: 5 * time.Minute,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep()
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in gateway timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep()
}

func (t *Timer) sweep() {
	if expired := t.gateway.sweepExpired(); expired > 0 {
		t.logger.Info("expired overdue sessions", "count", expired)
	}

	if time.Since(t.lastPruneAt) >= t.pruneInterval {
		if pruned := t.gateway.PruneSessions(); pruned > 0 {
			t.logger.Info("pruned terminal sessions", "count", pruned)
		}
		t.lastPruneAt = time.Now()
	}
}
