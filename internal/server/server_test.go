package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oobe-protocol/synapse-gateway/internal/config"
	"github.com/oobe-protocol/synapse-gateway/internal/gateway"
	"github.com/oobe-protocol/synapse-gateway/internal/logging"
	"github.com/oobe-protocol/synapse-gateway/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		GatewayID:             "agent_gateway",
		GatewayName:           "Test Gateway",
		UpstreamRPCURL:        "http://upstream.invalid",
		Network:               config.DefaultNetwork,
		Asset:                 config.DefaultAsset,
		MaxConcurrentSessions: 10,
		SessionWindowMs:       1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	transport := gateway.TransportFunc(func(ctx context.Context, method string, params interface{}) (interface{}, uint64, error) {
		return map[string]interface{}{"value": 999}, uint64(250000000), nil
	})

	srv, err := New(testConfig(),
		WithTransport(transport),
		WithLogger(logging.New("error", "text")),
	)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func testIntent(budget int64) session.Intent {
	return session.Intent{
		Nonce:      fmt.Sprintf("nonce-%d", time.Now().UnixNano()),
		BuyerID:    "agent_buyer",
		SellerID:   "agent_gateway",
		TierID:     "basic",
		MaxBudget:  big.NewInt(budget),
		CreatedAt:  time.Now(),
		TTLSeconds: 60,
	}
}

func openSession(t *testing.T, srv *Server, budget int64) string {
	t.Helper()
	w := doJSON(t, srv, "POST", "/v1/sessions", gin.H{"intent": testIntent(budget)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	id := body["session"].(map[string]interface{})["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestOpenSession(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/sessions", gin.H{"intent": testIntent(1000)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	sess := decodeBody(t, w)["session"].(map[string]interface{})
	assert.Equal(t, "active", sess["status"])
	assert.Equal(t, "agent_buyer", sess["buyerId"])
	assert.Equal(t, "1000", sess["budgetRemaining"])
}

func TestOpenSession_WrongSeller(t *testing.T) {
	srv := newTestServer(t)

	intent := testIntent(1000)
	intent.SellerID = "someone_else"
	w := doJSON(t, srv, "POST", "/v1/sessions", gin.H{"intent": intent})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, session.CodeWrongSeller, decodeBody(t, w)["error"])
}

func TestOpenSession_UnknownTier(t *testing.T) {
	srv := newTestServer(t)

	intent := testIntent(1000)
	intent.TierID = "platinum"
	w := doJSON(t, srv, "POST", "/v1/sessions", gin.H{"intent": intent})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_tier", decodeBody(t, w)["error"])
}

func TestExecuteCall(t *testing.T) {
	srv := newTestServer(t)
	id := openSession(t, srv, 1000)

	w := doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{
		"method": "getBalance",
		"params": []interface{}{"SomeAccount"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.EqualValues(t, 1, body["callIndex"])
	assert.Equal(t, float64(999), body["result"].(map[string]interface{})["value"])

	// Cost was charged against the budget
	w = doJSON(t, srv, "GET", "/v1/sessions/"+id, nil)
	sess := decodeBody(t, w)["session"].(map[string]interface{})
	assert.Equal(t, "900", sess["budgetRemaining"])
}

func TestExecuteCall_SessionNotFound(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/sessions/ses_0123456789abcdef01234567/calls", gin.H{"method": "getSlot"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteCall_MalformedSessionID(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/sessions/not-a-session/calls", gin.H{"method": "getSlot"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteCall_InvalidMethodName(t *testing.T) {
	srv := newTestServer(t)
	id := openSession(t, srv, 1000)

	w := doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{"method": "get slot; drop"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteCall_RateLimited(t *testing.T) {
	srv := newTestServer(t)
	id := openSession(t, srv, 100000)

	// basic tier allows 10 calls per second
	var w *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		w = doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{"method": "getSlot"})
		if w.Code != http.StatusOK {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.Equal(t, session.CodeRateLimitExceeded, decodeBody(t, w)["error"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestExecuteCall_BudgetExhausted(t *testing.T) {
	srv := newTestServer(t)
	id := openSession(t, srv, 100) // exactly one basic call

	w := doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{"method": "getSlot"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{"method": "getSlot"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, session.CodeBudgetExhausted, decodeBody(t, w)["error"])
}

func TestExecuteBatch(t *testing.T) {
	srv := newTestServer(t)
	id := openSession(t, srv, 1000)

	w := doJSON(t, srv, "POST", "/v1/sessions/"+id+"/batch", gin.H{
		"calls": []gin.H{
			{"method": "getSlot"},
			{"method": "getBalance", "params": []interface{}{"Acc"}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.EqualValues(t, 2, body["completed"])
}

func TestSettleSession(t *testing.T) {
	srv := newTestServer(t)
	id := openSession(t, srv, 1000)

	doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{"method": "getSlot"})
	doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{"method": "getSlot"})

	w := doJSON(t, srv, "POST", "/v1/sessions/"+id+"/settle", gin.H{"txReference": "5sigXYZ"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	receipt := decodeBody(t, w)["receipt"].(map[string]interface{})
	assert.Equal(t, "200", receipt["amountCharged"])
	assert.EqualValues(t, 2, receipt["callCount"])
	assert.Equal(t, "onchain", receipt["kind"])

	// Settled sessions are pruned
	w = doJSON(t, srv, "POST", "/v1/sessions/prune", nil)
	assert.EqualValues(t, 1, decodeBody(t, w)["pruned"])

	w = doJSON(t, srv, "GET", "/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionsByStatus(t *testing.T) {
	srv := newTestServer(t)
	openSession(t, srv, 1000)
	id := openSession(t, srv, 1000)
	doJSON(t, srv, "POST", "/v1/sessions/"+id+"/settle", nil)

	w := doJSON(t, srv, "GET", "/v1/sessions?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	w = doJSON(t, srv, "GET", "/v1/sessions", nil)
	assert.EqualValues(t, 2, decodeBody(t, w)["count"])
}

func TestMarketplacePublishAndSearch(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/marketplace/publish", gin.H{
		"methods":     []string{"getBalance", "getAccountInfo"},
		"description": "Solana account reads",
		"region":      "eu-west",
		"tags":        []string{"solana", "reads"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decodeBody(t, w)["count"])

	w = doJSON(t, srv, "GET", "/v1/marketplace/search?q=balance&region=eu-west", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.EqualValues(t, 1, body["count"], w.Body.String())
	listing := body["listings"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "getBalance", listing["method"])

	w = doJSON(t, srv, "GET", "/v1/marketplace/listings/getBalance/agent_gateway", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMarketplaceBundles(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/marketplace/bundles", gin.H{
		"name":    "Account reads",
		"methods": []string{"getBalance", "getAccountInfo"},
		"tiers": []gin.H{{
			"id":           "bundle-flat",
			"label":        "Flat",
			"pricePerCall": "80",
			"rateLimitPerSecond": 20,
		}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bundle := decodeBody(t, w)["bundle"].(map[string]interface{})
	id := bundle["id"].(string)

	w = doJSON(t, srv, "GET", "/v1/marketplace/bundles/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Bundle tier is now openable
	intent := testIntent(1000)
	intent.TierID = "bundle-flat"
	w = doJSON(t, srv, "POST", "/v1/sessions", gin.H{"intent": intent})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestX402CallWithoutPaywall(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/x402/call", gin.H{"method": "getSlot"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRemoteCallWithoutClient(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/x402/remote", gin.H{"url": "http://other.invalid", "method": "getSlot"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := openSession(t, srv, 1000)
	doJSON(t, srv, "POST", "/v1/sessions/"+id+"/calls", gin.H{"method": "getSlot"})

	w := doJSON(t, srv, "GET", "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 1, body["totalCallsServed"])
	assert.EqualValues(t, 1, body["activeSessions"])
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "GET", "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Run() has not marked the server ready
	w = doJSON(t, srv, "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/api", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}
