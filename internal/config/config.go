// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Gateway identity
	GatewayID     string
	GatewayName   string
	GatewayWallet string

	// Upstream RPC
	UpstreamRPCURL string

	// Payment rail
	Network string // CAIP-2 identifier, e.g. "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	Asset   string // mint / contract address of the payment asset
	PayTo   string // receiving address advertised in challenges

	// Facilitator
	FacilitatorURL   string
	FacilitatorToken string

	// Session engine
	MaxConcurrentSessions int
	SessionWindowMs       int64

	// Attestation
	AttestByDefault bool
	AttestSecret    string // HMAC secret; empty disables attestation

	// Observability
	OTLPEndpoint string
}

// Defaults target a local devnet setup.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultUpstreamRPCURL = "https://api.devnet.solana.com"
	DefaultNetwork        = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	DefaultAsset          = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU" // devnet USDC
	DefaultMaxSessions    = 1000
	DefaultWindowMs       = 1000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		GatewayID:             getEnv("GATEWAY_ID", "agent_gateway"),
		GatewayName:           getEnv("GATEWAY_NAME", "Synapse Gateway"),
		GatewayWallet:         os.Getenv("GATEWAY_WALLET"),
		UpstreamRPCURL:        getEnv("UPSTREAM_RPC_URL", DefaultUpstreamRPCURL),
		Network:               getEnv("X402_NETWORK", DefaultNetwork),
		Asset:                 getEnv("X402_ASSET", DefaultAsset),
		PayTo:                 os.Getenv("X402_PAY_TO"),
		FacilitatorURL:        os.Getenv("FACILITATOR_URL"),
		FacilitatorToken:      os.Getenv("FACILITATOR_TOKEN"),
		MaxConcurrentSessions: int(getEnvInt64("MAX_CONCURRENT_SESSIONS", DefaultMaxSessions)),
		SessionWindowMs:       getEnvInt64("SESSION_WINDOW_MS", DefaultWindowMs),
		AttestByDefault:       getEnvBool("ATTEST_BY_DEFAULT", false),
		AttestSecret:          os.Getenv("ATTEST_HMAC_SECRET"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.UpstreamRPCURL == "" {
		return fmt.Errorf("UPSTREAM_RPC_URL is required")
	}
	if c.GatewayID == "" {
		return fmt.Errorf("GATEWAY_ID is required")
	}
	if c.FacilitatorURL != "" && c.PayTo == "" {
		return fmt.Errorf("X402_PAY_TO is required when FACILITATOR_URL is set")
	}
	if c.MaxConcurrentSessions < 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// X402Enabled reports whether the seller-side paywall can be assembled.
func (c *Config) X402Enabled() bool {
	return c.FacilitatorURL != "" && c.PayTo != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
