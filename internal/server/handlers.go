package server

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oobe-protocol/synapse-gateway/internal/gateway"
	"github.com/oobe-protocol/synapse-gateway/internal/marketplace"
	"github.com/oobe-protocol/synapse-gateway/internal/pricing"
	"github.com/oobe-protocol/synapse-gateway/internal/security"
	"github.com/oobe-protocol/synapse-gateway/internal/session"
	"github.com/oobe-protocol/synapse-gateway/internal/validation"
	"github.com/oobe-protocol/synapse-gateway/pkg/x402"
)

// writeError maps gateway and session errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		status := http.StatusBadRequest
		switch sessErr.Code {
		case session.CodeRateLimitExceeded:
			status = http.StatusTooManyRequests
			if sessErr.RetryAfterMs > 0 {
				// Retry-After is whole seconds; round up
				c.Header("Retry-After", strconv.FormatInt((sessErr.RetryAfterMs+999)/1000, 10))
			}
		case session.CodeBudgetExhausted, session.CodeCallLimitExceeded:
			status = http.StatusPaymentRequired
		case session.CodeSessionExpired:
			status = http.StatusGone
		case session.CodeInvalidState:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"error":        sessErr.Code,
			"message":      sessErr.Message,
			"sessionId":    sessErr.SessionID,
			"retryAfterMs": sessErr.RetryAfterMs,
		})
		return
	}

	switch {
	case errors.Is(err, gateway.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": err.Error()})
	case errors.Is(err, gateway.ErrCapacityReached):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity_reached", "message": err.Error()})
	case errors.Is(err, gateway.ErrUnknownTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_tier", "message": err.Error()})
	case errors.Is(err, gateway.ErrVerifierRejected):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "intent_rejected", "message": err.Error()})
	case errors.Is(err, gateway.ErrNoPaywall), errors.Is(err, gateway.ErrNoX402Client):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "not_configured", "message": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "message": err.Error()})
	}
}

// openSessionHandler handles POST /v1/sessions
func (s *Server) openSessionHandler(c *gin.Context) {
	var req struct {
		Intent       session.Intent `json:"intent"`
		TierOverride string         `json:"tierOverride"`
		TTLOverride  int64          `json:"ttlOverride"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	sess, err := s.gw.OpenSession(&req.Intent, gateway.OpenSessionOptions{
		TierOverride: req.TierOverride,
		TTLOverride:  req.TTLOverride,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess.Snapshot()})
}

// listSessionsHandler handles GET /v1/sessions?status=active,paused
func (s *Server) listSessionsHandler(c *gin.Context) {
	var statuses []session.Status
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, session.Status(strings.TrimSpace(st)))
		}
	}
	snaps := s.gw.ListSessions(statuses...)
	c.JSON(http.StatusOK, gin.H{"sessions": snaps, "count": len(snaps)})
}

// getSessionHandler handles GET /v1/sessions/:id
func (s *Server) getSessionHandler(c *gin.Context) {
	sess, err := s.gw.GetSession(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Snapshot()})
}

// executeHandler handles POST /v1/sessions/:id/calls
func (s *Server) executeHandler(c *gin.Context) {
	var req gateway.Call
	if err := c.ShouldBindJSON(&req); err != nil || req.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "method is required"})
		return
	}
	if !validation.IsValidMethod(req.Method) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "method is not a valid RPC method name"})
		return
	}

	result, err := s.gw.Execute(c.Request.Context(), c.Param("id"), req.Method, req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// executeBatchHandler handles POST /v1/sessions/:id/batch
func (s *Server) executeBatchHandler(c *gin.Context) {
	var req struct {
		Calls []gateway.Call `json:"calls"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Calls) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "calls must be a non-empty array"})
		return
	}

	results, err := s.gw.ExecuteBatch(c.Request.Context(), c.Param("id"), req.Calls)
	if err != nil {
		// Fail-fast: report the error alongside the partial results so
		// the buyer knows which calls were charged.
		var sessErr *session.Error
		status := http.StatusBadGateway
		if errors.As(err, &sessErr) || errors.Is(err, gateway.ErrSessionNotFound) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"error":     "batch_failed",
			"message":   err.Error(),
			"results":   results,
			"completed": len(results),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "completed": len(results)})
}

// settleHandler handles POST /v1/sessions/:id/settle
func (s *Server) settleHandler(c *gin.Context) {
	var req struct {
		TxReference string `json:"txReference"`
	}
	// Body is optional; empty settles into off-chain escrow
	_ = c.ShouldBindJSON(&req)

	receipt, err := s.gw.SettleSession(c.Param("id"), req.TxReference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// pruneHandler handles POST /v1/sessions/prune
func (s *Server) pruneHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pruned": s.gw.PruneSessions()})
}

// searchHandler handles GET /v1/marketplace/search
func (s *Server) searchHandler(c *gin.Context) {
	q := marketplace.Query{
		Method:         c.Query("method"),
		MethodContains: c.Query("q"),
		SellerID:       c.Query("seller"),
		Region:         c.Query("region"),
		SortBy:         marketplace.SortField(c.Query("sortBy")),
		Descending:     c.Query("desc") == "true",
		Attestation:    c.Query("attestation") == "true",
	}
	if raw := c.Query("maxPrice"); raw != "" {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "maxPrice must be a decimal integer"})
			return
		}
		q.MaxPrice = price
	}
	if raw := c.Query("minReputation"); raw != "" {
		q.MinReputation, _ = strconv.Atoi(raw)
	}
	if raw := c.Query("minUptime"); raw != "" {
		q.MinUptime, _ = strconv.ParseFloat(raw, 64)
	}
	if raw := c.Query("tags"); raw != "" {
		q.Tags = strings.Split(raw, ",")
	}
	q.Offset, _ = strconv.Atoi(c.Query("offset"))
	q.Limit, _ = strconv.Atoi(c.Query("limit"))

	results := s.gw.Marketplace().Search(q)
	c.JSON(http.StatusOK, gin.H{"listings": results, "count": len(results)})
}

// getListingHandler handles GET /v1/marketplace/listings/:method/:seller
func (s *Server) getListingHandler(c *gin.Context) {
	listing, ok := s.gw.Marketplace().GetListing(c.Param("method"), c.Param("seller"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "listing_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// publishHandler handles POST /v1/marketplace/publish
func (s *Server) publishHandler(c *gin.Context) {
	var req struct {
		Methods     []string `json:"methods" binding:"required"`
		Description string   `json:"description"`
		Region      string   `json:"region"`
		Commitments []string `json:"commitments"`
		Tags        []string `json:"tags"`
		UptimePct   float64  `json:"uptimePct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	for _, m := range req.Methods {
		if !validation.IsValidMethod(m) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid method name: " + m})
			return
		}
	}

	opts := gateway.PublishOptions{
		Region:      req.Region,
		Commitments: req.Commitments,
		Tags:        req.Tags,
		UptimePct:   req.UptimePct,
	}
	if req.Description != "" {
		desc := validation.SanitizeString(req.Description, validation.MaxStringLength)
		opts.Description = func(string) string { return desc }
	}

	listings := s.gw.Publish(req.Methods, opts)
	c.JSON(http.StatusCreated, gin.H{"listings": listings, "count": len(listings)})
}

// publishBundleHandler handles POST /v1/marketplace/bundles
func (s *Server) publishBundleHandler(c *gin.Context) {
	var req struct {
		Name        string         `json:"name" binding:"required"`
		Methods     []string       `json:"methods" binding:"required"`
		Tiers       []pricing.Tier `json:"tiers" binding:"required"`
		Description string         `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	bundle := s.gw.PublishBundle(req.Name, req.Methods, req.Tiers, req.Description)
	c.JSON(http.StatusCreated, gin.H{"bundle": bundle})
}

// getBundleHandler handles GET /v1/marketplace/bundles/:id
func (s *Server) getBundleHandler(c *gin.Context) {
	bundle, ok := s.gw.Marketplace().GetBundle(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "bundle_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bundle": bundle})
}

// x402CallHandler handles POST /v1/x402/call: a per-call x402-billed
// execution. Without a PAYMENT-SIGNATURE header the reply is a 402
// challenge; with a valid one the call executes and the settlement is
// returned in PAYMENT-RESPONSE. An optional sessionId meters the call
// through an open session instead of pure per-call billing.
func (s *Server) x402CallHandler(c *gin.Context) {
	var req struct {
		SessionID string      `json:"sessionId"`
		Method    string      `json:"method" binding:"required"`
		Params    interface{} `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidMethod(req.Method) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "method is not a valid RPC method name"})
		return
	}

	res, err := s.gw.ExecuteWithX402(c.Request.Context(), req.SessionID, req.Method, req.Params, c.Request.Header)
	if err != nil {
		writeError(c, err)
		return
	}

	for k, v := range res.ResponseHeaders {
		c.Header(k, v)
	}
	if res.PaymentRequired() {
		c.JSON(http.StatusPaymentRequired, res.Outcome.Challenge)
		return
	}
	c.JSON(http.StatusOK, res.Result)
}

// remoteCallHandler handles POST /v1/x402/remote: calls another seller's
// x402-gated endpoint, paying its challenge with the configured client.
func (s *Server) remoteCallHandler(c *gin.Context) {
	var req struct {
		URL    string      `json:"url" binding:"required"`
		Method string      `json:"method" binding:"required"`
		Params interface{} `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	// Buyers submit arbitrary URLs; refuse anything that would let them
	// aim the gateway at its own network.
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	res, err := s.gw.ExecuteRemoteX402(c.Request.Context(), req.URL, req.Method, req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// statsHandler handles GET /v1/stats
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Metrics())
}

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK
	if !s.healthy.Load() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        s.cfg.GatewayName,
		"description": "Metered RPC commerce gateway for autonomous agents",
		"version":     "0.1.0",
		"gatewayId":   s.cfg.GatewayID,
		"network":     s.cfg.Network,
		"x402":        s.cfg.X402Enabled(),
		"x402Version": x402.Version,
	})
}
