package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultUpstreamRPCURL, cfg.UpstreamRPCURL)
	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, DefaultMaxSessions, cfg.MaxConcurrentSessions)
	assert.Equal(t, int64(DefaultWindowMs), cfg.SessionWindowMs)
	assert.False(t, cfg.AttestByDefault)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.X402Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("UPSTREAM_RPC_URL", "https://api.mainnet-beta.solana.com")
	t.Setenv("X402_NETWORK", "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp")
	t.Setenv("FACILITATOR_URL", "https://facilitator.example.com")
	t.Setenv("X402_PAY_TO", "SellerWallet111")
	t.Setenv("MAX_CONCURRENT_SESSIONS", "25")
	t.Setenv("ATTEST_BY_DEFAULT", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.UpstreamRPCURL)
	assert.Equal(t, "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", cfg.Network)
	assert.Equal(t, 25, cfg.MaxConcurrentSessions)
	assert.True(t, cfg.AttestByDefault)
	assert.True(t, cfg.X402Enabled())
}

func TestLoad_FacilitatorRequiresPayTo(t *testing.T) {
	t.Setenv("FACILITATOR_URL", "https://facilitator.example.com")
	t.Setenv("X402_PAY_TO", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "X402_PAY_TO")
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_SESSIONS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSessions, cfg.MaxConcurrentSessions)
}

func TestValidate_NegativeSessions(t *testing.T) {
	cfg := &Config{
		UpstreamRPCURL:        "https://api.devnet.solana.com",
		GatewayID:             "gw",
		MaxConcurrentSessions: -1,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_SESSIONS")
}
