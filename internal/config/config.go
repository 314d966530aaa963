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

	"github.com/mbd888/ledgersync/internal/amount"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	// Storage
	DatabaseURL       string // PostgreSQL DSN (optional, uses in-memory if not set)
	RedisURL          string // Event stream (optional, uses in-memory if not set)
	EventStream       string
	EventStreamMaxLen int64

	// Chain listener
	RPCURL               string
	PaymentRouterAddress string
	ChainID              int64
	ListenerStartBlock   uint64
	ListenerPollInterval time.Duration
	ListenerWorkers      int
	ListenerQueueSize    int
	ListenerEventTimeout time.Duration

	// Bank ledger
	BankURL     string
	BankTimeout time.Duration

	// Reconciliation
	ReconLookback           time.Duration
	ReconInterval           time.Duration
	ReconBalanceConcurrency int
	ReconRateLimit          int // manual runs per minute per client
	USDPerWei               string

	// Observability
	OTLPEndpoint string

	// Demo
	DemoInterval time.Duration
}

const (
	DefaultPort                 = "4100"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultEventStream          = "payments"
	DefaultEventStreamMaxLen    = 100000
	DefaultChainID              = 280
	DefaultListenerPoll         = 5 * time.Second
	DefaultListenerWorkers      = 8
	DefaultListenerQueueSize    = 256
	DefaultListenerEventTimeout = 10 * time.Second
	DefaultBankURL              = "http://bank-mock:4500"
	DefaultBankTimeout          = 5 * time.Second
	DefaultLookbackHours        = 24
	DefaultBalanceConcurrency   = 4
	DefaultReconRateLimit       = 6
	DefaultDemoInterval         = 15 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:             getEnvList("CORS_ORIGINS"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		EventStream:             getEnv("EVENT_STREAM", DefaultEventStream),
		EventStreamMaxLen:       getEnvInt64("EVENT_STREAM_MAXLEN", DefaultEventStreamMaxLen),
		RPCURL:                  os.Getenv("RPC_URL"),
		PaymentRouterAddress:    os.Getenv("PAYMENT_ROUTER_ADDRESS"),
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID),
		ListenerStartBlock:      uint64(max(getEnvInt64("LISTENER_START_BLOCK", 0), 0)), // #nosec G115 -- clamped non-negative
		ListenerPollInterval:    getEnvDuration("LISTENER_POLL_INTERVAL", DefaultListenerPoll),
		ListenerWorkers:         int(getEnvInt64("LISTENER_WORKERS", DefaultListenerWorkers)),
		ListenerQueueSize:       int(getEnvInt64("LISTENER_QUEUE_SIZE", DefaultListenerQueueSize)),
		ListenerEventTimeout:    getEnvDuration("LISTENER_EVENT_TIMEOUT", DefaultListenerEventTimeout),
		BankURL:                 getEnv("BANK_URL", DefaultBankURL),
		BankTimeout:             getEnvDuration("BANK_TIMEOUT", DefaultBankTimeout),
		ReconLookback:           time.Duration(getEnvInt64("RECON_LOOKBACK_HOURS", DefaultLookbackHours)) * time.Hour,
		ReconInterval:           getEnvDuration("RECON_INTERVAL", 0),
		ReconBalanceConcurrency: int(getEnvInt64("RECON_BALANCE_CONCURRENCY", DefaultBalanceConcurrency)),
		ReconRateLimit:          int(getEnvInt64("RECON_RATE_LIMIT", DefaultReconRateLimit)),
		USDPerWei:               os.Getenv("USD_PER_WEI"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DemoInterval:            getEnvDuration("DEMO_INTERVAL", DefaultDemoInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable. Missing optional
// collaborators are not errors; they select degraded modes.
func (c *Config) Validate() error {
	if c.ReconLookback <= 0 {
		return fmt.Errorf("RECON_LOOKBACK_HOURS must be positive")
	}
	if c.ReconBalanceConcurrency <= 0 {
		return fmt.Errorf("RECON_BALANCE_CONCURRENCY must be positive")
	}
	if c.ListenerWorkers <= 0 {
		return fmt.Errorf("LISTENER_WORKERS must be positive")
	}
	if c.ListenerQueueSize <= 0 {
		return fmt.Errorf("LISTENER_QUEUE_SIZE must be positive")
	}
	if c.ReconInterval < 0 {
		return fmt.Errorf("RECON_INTERVAL must not be negative")
	}
	if _, err := amount.ParseRate(c.USDPerWei); err != nil {
		return fmt.Errorf("USD_PER_WEI: %w", err)
	}
	if c.PaymentRouterAddress != "" && !common.IsHexAddress(c.PaymentRouterAddress) {
		return fmt.Errorf("PAYMENT_ROUTER_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	return nil
}

// ListenerEnabled reports whether both chain settings are present.
func (c *Config) ListenerEnabled() bool {
	return strings.TrimSpace(c.RPCURL) != "" && strings.TrimSpace(c.PaymentRouterAddress) != ""
}

// Rate returns the configured display-currency conversion rate.
func (c *Config) Rate() amount.Rate {
	r, _ := amount.ParseRate(c.USDPerWei)
	return r
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvDuration accepts Go durations ("5s") or bare milliseconds ("15000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
