package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_ExtractsContextSlot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string        `json:"jsonrpc"`
			Method  string        `json:"method"`
			Params  []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "getBalance", req.Method)
		assert.Equal(t, []interface{}{"SomeAccount"}, req.Params)

		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":250123456},"value":999}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, slot, err := c.Request(context.Background(), "getBalance", []interface{}{"SomeAccount"})
	require.NoError(t, err)
	assert.Equal(t, uint64(250123456), slot)

	obj := result.(map[string]interface{})
	assert.Equal(t, json.Number("999"), obj["value"])
}

func TestRequest_ScalarResultHasNoSlot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":359000000}`))
	}))
	defer srv.Close()

	result, slot, err := New(srv.URL).Request(context.Background(), "getSlot", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), slot)
	assert.Equal(t, json.Number("359000000"), result)
}

func TestRequest_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
	}))
	defer srv.Close()

	_, _, err := New(srv.URL).Request(context.Background(), "nope", nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "not found")
}

func TestRequest_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := New(srv.URL).Request(context.Background(), "getSlot", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRequest_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New(srv.URL).Request(ctx, "getSlot", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
