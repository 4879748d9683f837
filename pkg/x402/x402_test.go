package x402

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChallenge(amounts ...string) PaymentRequired {
	pr := PaymentRequired{
		X402Version: Version,
		Error:       "payment required",
		Resource: ResourceInfo{
			URL:      "https://gw.example/rpc/getBalance",
			MimeType: "application/json",
		},
	}
	for _, amt := range amounts {
		pr.Accepts = append(pr.Accepts, PaymentRequirements{
			Scheme:            SchemeExact,
			Network:           "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
			Asset:             "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Amount:            amt,
			PayTo:             "GatewayPayTo111111111111111111111111111111",
			MaxTimeoutSeconds: 60,
		})
	}
	return pr
}

func TestHeaderRoundTrip(t *testing.T) {
	in := testChallenge("1500")
	encoded, err := EncodeHeader(in)
	require.NoError(t, err)

	var out PaymentRequired
	require.NoError(t, DecodeHeader(encoded, &out))
	assert.Equal(t, in, out)

	assert.Error(t, DecodeHeader("not-base64!!", &out))
}

func TestParseChallenge_HeaderAndBodyFallback(t *testing.T) {
	challenge := testChallenge("100")

	// Header form.
	encoded, err := EncodeHeader(challenge)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPaymentRequired, encoded)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.True(t, Is402Response(resp))
	got, err := ParseChallenge(resp)
	require.NoError(t, err)
	assert.Equal(t, challenge, *got)

	// Body fallback when the header is missing.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(challenge)
	}))
	defer srv2.Close()

	resp2, err := http.Get(srv2.URL)
	require.NoError(t, err)
	defer resp2.Body.Close()
	got2, err := ParseChallenge(resp2)
	require.NoError(t, err)
	assert.Equal(t, challenge, *got2)
}

func TestParseChallenge_Rejections(t *testing.T) {
	bad := testChallenge("100")
	bad.X402Version = 1
	encoded, err := EncodeHeader(bad)
	require.NoError(t, err)

	resp := &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Header:     http.Header{},
		Body:       http.NoBody,
	}
	resp.Header.Set(HeaderPaymentRequired, encoded)
	_, err = ParseChallenge(resp)
	assert.ErrorContains(t, err, "unsupported protocol version")

	empty := testChallenge()
	encoded, err = EncodeHeader(empty)
	require.NoError(t, err)
	resp.Header.Set(HeaderPaymentRequired, encoded)
	_, err = ParseChallenge(resp)
	assert.ErrorContains(t, err, "no payment options")
}

func TestFacilitator_VerifyAndSettle(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, SchemeExact, body.Requirements.Scheme)

		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "buyer_wallet"})
		case "/settle":
			json.NewEncoder(w).Encode(SettlementResponse{
				Success:     true,
				Payer:       "buyer_wallet",
				Transaction: "5sig...",
				Network:     body.Requirements.Network,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFacilitator(srv.URL+"/", WithFacilitatorAuth("tok123"))
	reqs := testChallenge("100").Accepts[0]
	payload := PaymentPayload{X402Version: Version, Accepted: reqs}

	vr, err := f.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.True(t, vr.IsValid)
	assert.Equal(t, "buyer_wallet", vr.Payer)
	assert.Equal(t, "Bearer tok123", gotAuth)

	sr, err := f.Settle(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.True(t, sr.Success)
	assert.Equal(t, "5sig...", sr.Transaction)
}

func TestFacilitator_Supported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/supported", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"kinds": []SupportedKind{{Scheme: SchemeExact, Network: "solana:mainnet"}},
		})
	}))
	defer srv.Close()

	kinds, err := NewFacilitator(srv.URL).Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, kinds, 1)
	assert.Equal(t, SchemeExact, kinds[0].Scheme)
}

func TestFacilitator_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewFacilitator(srv.URL).Verify(context.Background(), PaymentPayload{}, PaymentRequirements{})
	var fe *FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	assert.Equal(t, "upstream down", fe.Body)
}

// paywalledServer returns 402 until the request carries a
// PAYMENT-SIGNATURE header, then serves the resource with a settlement
// header attached.
func paywalledServer(t *testing.T, challenge PaymentRequired) *httptest.Server {
	t.Helper()
	encoded, err := EncodeHeader(challenge)
	require.NoError(t, err)
	settlement, err := EncodeHeader(SettlementResponse{Success: true, Transaction: "tx1", Network: challenge.Accepts[0].Network})
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPaymentSignature) == "" {
			w.Header().Set(HeaderPaymentRequired, encoded)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		var payload PaymentPayload
		require.NoError(t, DecodeHeader(r.Header.Get(HeaderPaymentSignature), &payload))
		assert.Equal(t, Version, payload.X402Version)

		w.Header().Set(HeaderPaymentResponse, settlement)
		w.Write([]byte(`{"ok":true}`))
	}))
}

func testSigner(req PaymentRequirements, resource ResourceInfo) *PaymentPayload {
	return &PaymentPayload{
		X402Version: Version,
		Resource:    &resource,
		Accepted:    req,
		Payload:     map[string]interface{}{"authorization": "signed-blob", "amount": req.Amount},
	}
}

func TestClient_AutoPays(t *testing.T) {
	srv := paywalledServer(t, testChallenge("1500"))
	defer srv.Close()

	var paid []PaymentRequirements
	c := NewClient(func(_ context.Context, req PaymentRequirements, resource ResourceInfo) (*PaymentPayload, error) {
		return testSigner(req, resource), nil
	})
	c.OnPayment = func(req PaymentRequirements, s *SettlementResponse) {
		paid = append(paid, req)
		require.NotNil(t, s)
		assert.True(t, s.Success)
		assert.Equal(t, "tx1", s.Transaction)
	}

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, paid, 1)
	assert.Equal(t, "1500", paid[0].Amount)

	totals := c.SpendTotals()
	key := paid[0].Network + "/" + paid[0].Asset
	assert.Equal(t, "1500", totals[key].String())
}

func TestClient_DefaultSelectorPicksCheapest(t *testing.T) {
	challenge := testChallenge("900", "300", "600")
	srv := paywalledServer(t, challenge)
	defer srv.Close()

	var chosen string
	c := NewClient(func(_ context.Context, req PaymentRequirements, resource ResourceInfo) (*PaymentPayload, error) {
		chosen = req.Amount
		return testSigner(req, resource), nil
	})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "300", chosen)
}

func TestClient_PerCallCap(t *testing.T) {
	srv := paywalledServer(t, testChallenge("5000"))
	defer srv.Close()

	c := NewClient(func(_ context.Context, req PaymentRequirements, resource ResourceInfo) (*PaymentPayload, error) {
		return testSigner(req, resource), nil
	})
	c.MaxAmountPerCall = big.NewInt(1000)

	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no acceptable payment option")
}

func TestClient_BudgetVeto(t *testing.T) {
	srv := paywalledServer(t, testChallenge("100"))
	defer srv.Close()

	c := NewClient(func(_ context.Context, req PaymentRequirements, resource ResourceInfo) (*PaymentPayload, error) {
		return testSigner(req, resource), nil
	})
	c.CheckBudget = func(network, asset string, amt *big.Int) error {
		return assert.AnError
	}

	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget check refused")
	assert.Empty(t, c.SpendTotals())
}

func TestClient_PaidRetryNon2xxFails(t *testing.T) {
	challenge := testChallenge("1000")
	encoded, err := EncodeHeader(challenge)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPaymentSignature) == "" {
			w.Header().Set(HeaderPaymentRequired, encoded)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	paid := 0
	c := NewClient(func(_ context.Context, req PaymentRequirements, resource ResourceInfo) (*PaymentPayload, error) {
		return testSigner(req, resource), nil
	})
	c.OnPayment = func(PaymentRequirements, *SettlementResponse) { paid++ }

	_, err = c.Get(context.Background(), srv.URL)
	var re *RetryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
	assert.Contains(t, re.Body, "backend exploded")

	// A failed call is never counted as spend.
	assert.Zero(t, paid)
	assert.Empty(t, c.SpendTotals())
}

func TestClient_NoSignerReturns402(t *testing.T) {
	srv := paywalledServer(t, testChallenge("100"))
	defer srv.Close()

	c := NewClient(nil)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestClient_ReplaysPostBody(t *testing.T) {
	challenge := testChallenge("100")
	encoded, err := EncodeHeader(challenge)
	require.NoError(t, err)

	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if r.Header.Get(HeaderPaymentSignature) == "" {
			w.Header().Set(HeaderPaymentRequired, encoded)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(func(_ context.Context, req PaymentRequirements, resource ResourceInfo) (*PaymentPayload, error) {
		return testSigner(req, resource), nil
	})
	resp, err := c.Post(context.Background(), srv.URL, "application/json", []byte(`{"method":"getSlot"}`))
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
}
