// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // operator session key; empty runs the API read-only
	EscrowContract string
	TokenContract  string
	GasCeiling     uint64

	// Escrow coordinator
	AutoReleaseOffset    time.Duration
	ApprovalPollAttempts int
	ApprovalPollInterval time.Duration
	SweepInterval        time.Duration
	TransferScanFrom     uint64 // first block searched for payee transfers
	FaucetEnabled        bool

	// RPC circuit breaker
	RPCBreakerThreshold int           // consecutive failures before reads fail fast
	RPCBreakerOpen      time.Duration // how long reads fail fast before probing

	// Payee webhooks
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int

	// Security
	AdminSecret    string
	CORSOrigins    []string // payment page origins; "*" allows any
	RateLimitRPM   int      // public routes, per client IP; 0 disables
	RateLimitBurst int

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of new traces kept; 0 keeps all
}

// Base Sepolia defaults
const (
	DefaultRPCURL               = "https://sepolia.base.org"
	DefaultChainID              = 84532                                        // Base Sepolia
	DefaultTokenContract        = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultGasCeiling           = 500000
	DefaultAutoReleaseOffset    = 7 * 24 * time.Hour
	DefaultApprovalPollAttempts = 30
	DefaultApprovalPollInterval = time.Second
	DefaultSweepInterval        = 5 * time.Minute
	DefaultRPCBreakerThreshold  = 5
	DefaultRPCBreakerOpen       = 30 * time.Second
	DefaultRateLimitRPM         = 60
	DefaultRateLimitBurst       = 10
	DefaultWebhookTimeout       = 10 * time.Second
	DefaultWebhookMaxAttempts   = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:           os.Getenv("PRIVATE_KEY"),
		EscrowContract:       os.Getenv("ESCROW_CONTRACT"),
		TokenContract:        getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		GasCeiling:           uint64(getEnvInt64("GAS_CEILING", DefaultGasCeiling)),
		AutoReleaseOffset:    getEnvDuration("AUTO_RELEASE_OFFSET", DefaultAutoReleaseOffset),
		ApprovalPollAttempts: int(getEnvInt64("APPROVAL_POLL_ATTEMPTS", DefaultApprovalPollAttempts)),
		ApprovalPollInterval: getEnvDuration("APPROVAL_POLL_INTERVAL", DefaultApprovalPollInterval),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		TransferScanFrom:     uint64(getEnvInt64("TRANSFER_SCAN_FROM_BLOCK", 0)),
		FaucetEnabled:        getEnvBool("FAUCET_ENABLED", false),
		RPCBreakerThreshold:  int(getEnvInt64("RPC_BREAKER_THRESHOLD", DefaultRPCBreakerThreshold)),
		RPCBreakerOpen:       getEnvDuration("RPC_BREAKER_OPEN", DefaultRPCBreakerOpen),
		WebhookTimeout:       getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookMaxAttempts:   int(getEnvInt64("WEBHOOK_MAX_ATTEMPTS", DefaultWebhookMaxAttempts)),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		CORSOrigins:          getEnvList("CORS_ORIGINS", []string{"*"}),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}
	if !common.IsHexAddress(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a valid address")
	}
	if !common.IsHexAddress(c.TokenContract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a valid address")
	}

	// Allow both with and without 0x prefix
	if c.PrivateKey != "" {
		if key := strings.TrimPrefix(c.PrivateKey, "0x"); len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.ApprovalPollAttempts <= 0 || c.ApprovalPollInterval <= 0 {
		return fmt.Errorf("APPROVAL_POLL_ATTEMPTS and APPROVAL_POLL_INTERVAL must be positive")
	}
	if c.AutoReleaseOffset <= 0 {
		return fmt.Errorf("AUTO_RELEASE_OFFSET must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.WebhookMaxAttempts < 0 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must not be negative")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.FaucetEnabled {
			return fmt.Errorf("FAUCET_ENABLED must not be set in production")
		}
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

// HasSession reports whether an operator signing key is configured.
func (c *Config) HasSession() bool {
	return c.PrivateKey != ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
