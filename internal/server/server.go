// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oobe-protocol/synapse-gateway/internal/agent"
	"github.com/oobe-protocol/synapse-gateway/internal/attest"
	"github.com/oobe-protocol/synapse-gateway/internal/config"
	"github.com/oobe-protocol/synapse-gateway/internal/events"
	"github.com/oobe-protocol/synapse-gateway/internal/gateway"
	"github.com/oobe-protocol/synapse-gateway/internal/logging"
	"github.com/oobe-protocol/synapse-gateway/internal/metrics"
	"github.com/oobe-protocol/synapse-gateway/internal/paywall"
	"github.com/oobe-protocol/synapse-gateway/internal/pricing"
	"github.com/oobe-protocol/synapse-gateway/internal/ratelimit"
	"github.com/oobe-protocol/synapse-gateway/internal/realtime"
	"github.com/oobe-protocol/synapse-gateway/internal/rpc"
	"github.com/oobe-protocol/synapse-gateway/internal/security"
	"github.com/oobe-protocol/synapse-gateway/internal/validation"
	"github.com/oobe-protocol/synapse-gateway/pkg/x402"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	gw           *gateway.Gateway
	timer        *gateway.Timer
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	transport  gateway.Transport
	x402Client *x402.Client
	pricingEng *pricing.Engine

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTransport overrides the upstream transport (for testing)
func WithTransport(t gateway.Transport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// WithX402Client enables buyer-side payments for remote x402 sellers
func WithX402Client(c *x402.Client) Option {
	return func(s *Server) {
		s.x402Client = c
	}
}

// WithPricing replaces the default tier catalog
func WithPricing(e *pricing.Engine) Option {
	return func(s *Server) {
		s.pricingEng = e
	}
}

// defaultTiers is the out-of-the-box catalog: a metered basic tier and
// an attested premium tier, priced in base units of the configured asset.
func defaultTiers(cfg *config.Config) []pricing.Tier {
	token := pricing.Token{Kind: pricing.TokenStablecoin, Mint: cfg.Asset, Symbol: "USDC", Decimals: 6}
	return []pricing.Tier{
		{
			ID:                 "basic",
			Label:              "Basic",
			PricePerCall:       big.NewInt(100),
			RateLimitPerSecond: 10,
			Token:              token,
		},
		{
			ID:                  "premium",
			Label:               "Premium",
			PricePerCall:        big.NewInt(250),
			RateLimitPerSecond:  50,
			Token:               token,
			IncludesAttestation: true,
		},
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set transport/logger/client)
	for _, opt := range opts {
		opt(s)
	}

	if s.transport == nil {
		s.transport = rpc.New(cfg.UpstreamRPCURL, rpc.WithLogger(s.logger))
		s.logger.Info("upstream transport configured", "endpoint", cfg.UpstreamRPCURL)
	}

	if s.pricingEng == nil {
		s.pricingEng = pricing.NewEngine(defaultTiers(cfg))
	}

	var signer attest.Signer
	if cfg.AttestSecret != "" {
		signer = attest.NewHMACSigner(cfg.AttestSecret)
		s.logger.Info("attestation signing enabled", "attester", cfg.GatewayID)
	}

	var pw *paywall.Paywall
	if cfg.X402Enabled() {
		facilitator := x402.NewFacilitator(cfg.FacilitatorURL, x402.WithFacilitatorAuth(cfg.FacilitatorToken))
		pw = paywall.New(paywall.Config{
			PayTo:    cfg.PayTo,
			Accepts:  []paywall.Option{{Network: cfg.Network, Asset: cfg.Asset}},
			Verifier: facilitator,
		})
		s.logger.Info("x402 paywall enabled",
			"facilitator", cfg.FacilitatorURL,
			"network", cfg.Network,
			"payTo", cfg.PayTo,
		)

		// Capability probe; informational only, the paywall works without it
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			kinds, err := facilitator.Supported(ctx)
			if err != nil {
				s.logger.Warn("facilitator capability probe failed", "error", err)
				return
			}
			supported := make([]string, 0, len(kinds))
			for _, k := range kinds {
				supported = append(supported, k.Scheme+"@"+k.Network)
			}
			s.logger.Info("facilitator capabilities", "kinds", supported)
		}()
	} else {
		s.logger.Info("x402 paywall disabled (no facilitator configured)")
	}

	s.gw = gateway.New(gateway.Config{
		Identity: agent.Identity{
			ID:     cfg.GatewayID,
			Name:   cfg.GatewayName,
			Wallet: cfg.GatewayWallet,
		},
		Pricing:               s.pricingEng,
		Transport:             s.transport,
		Signer:                signer,
		AttestByDefault:       cfg.AttestByDefault,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SessionWindowMs:       cfg.SessionWindowMs,
		Paywall:               pw,
		X402Client:            s.x402Client,
		Logger:                s.logger,
	})
	s.timer = gateway.NewTimer(s.gw, s.logger)

	// Stream gateway events to WebSocket subscribers
	s.realtimeHub = realtime.NewHub(s.logger)
	s.realtimeHub.Attach(s.gw.Bus())
	s.logger.Info("realtime streaming enabled")

	// Mirror gateway events into Prometheus counters
	s.wireMetrics()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// wireMetrics subscribes Prometheus counters to the gateway bus. The
// sessions gauge counts live (unsettled) sessions: exactly one of
// session:settled or session:expired ends each session.
func (s *Server) wireMetrics() {
	s.gw.On(events.SessionCreated, func(events.Event) {
		metrics.SessionsOpened.Inc()
		metrics.ActiveSessions.Inc()
	})
	s.gw.On(events.SessionSettled, func(events.Event) {
		metrics.ActiveSessions.Dec()
	})
	s.gw.On(events.SessionExpired, func(events.Event) {
		metrics.ActiveSessions.Dec()
	})
	s.gw.On(events.PaymentSettled, func(ev events.Event) {
		kind, _ := ev.Payload["kind"].(string)
		metrics.SessionsSettled.WithLabelValues(kind).Inc()
	})
	s.gw.On(events.CallAfter, func(ev events.Event) {
		method, _ := ev.Payload["method"].(string)
		metrics.CallsTotal.WithLabelValues(method, "success").Inc()
		if ms, ok := ev.Payload["latencyMs"].(int64); ok {
			metrics.UpstreamLatency.WithLabelValues(method).Observe(float64(ms) / 1000)
		}
	})
	s.gw.On(events.CallError, func(ev events.Event) {
		method, _ := ev.Payload["method"].(string)
		metrics.CallsTotal.WithLabelValues(method, "error").Inc()
	})
	s.gw.On(events.CallAttested, func(events.Event) {
		metrics.AttestationsTotal.Inc()
	})
	s.gw.On(events.X402PaymentSettled, func(events.Event) {
		metrics.X402PaymentsTotal.WithLabelValues("inbound", "settled").Inc()
	})
	s.gw.On(events.X402PaymentSent, func(events.Event) {
		metrics.X402PaymentsTotal.WithLabelValues("outbound", "settled").Inc()
	})
}

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.FromContext(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: agents call from anywhere; the x402 headers must be readable
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limits
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Edge rate limiting per client IP
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.FromContext(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Sessions: open, inspect, execute, settle, prune. The :id param is
	// validated before any lookup.
	v1.POST("/sessions", s.openSessionHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.POST("/sessions/prune", s.pruneHandler)

	byID := v1.Group("/sessions/:id", validation.SessionIDParamMiddleware())
	byID.GET("", s.getSessionHandler)
	byID.POST("/calls", s.executeHandler)
	byID.POST("/batch", s.executeBatchHandler)
	byID.POST("/settle", s.settleHandler)

	// Marketplace: discovery and publication
	v1.GET("/marketplace/search", s.searchHandler)
	v1.GET("/marketplace/listings/:method/:seller", s.getListingHandler)
	v1.POST("/marketplace/publish", s.publishHandler)
	v1.POST("/marketplace/bundles", s.publishBundleHandler)
	v1.GET("/marketplace/bundles/:id", s.getBundleHandler)

	// x402: per-call billing (seller side) and remote calls (buyer side)
	v1.POST("/x402/call", s.x402CallHandler)
	v1.POST("/x402/remote", s.remoteCallHandler)

	// Gateway-wide counters
	v1.GET("/stats", s.statsHandler)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.cfg.GatewayID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the session sweep timer (TTL expiry + pruning)
	go s.timer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (realtime hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.timer.Stop()
	s.logger.Info("session timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Gateway returns the underlying orchestrator for testing
func (s *Server) Gateway() *gateway.Gateway {
	return s.gw
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
