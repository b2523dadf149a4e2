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

// Wallet modes
const (
	WalletModeKeyring = "keyring" // local keys from PRIVATE_KEYS, signed in process
	WalletModeNode    = "node"    // accounts and signing delegated to the RPC endpoint
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	CORSOrigins         []string // empty = same-origin only, "*" = any
	MutationsPerMinute  int      // per client, on state-changing routes

	// Ledger transports
	RPCURL  string // request/response endpoint
	WSURL   string // push endpoint
	ChainID int64  // 0 = ask the node

	// Wallet
	WalletMode  string
	PrivateKeys []string // Hex-encoded, with or without 0x

	// Registry
	RegistryArtifact string // path; empty uses the bundled artifact
	RegistryAddress  string // optional initial address
	GasLimit         uint64

	// Engine tuning
	AccountPollInterval time.Duration
	ReadyTimeout        time.Duration
	CatalogConcurrency  int

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64

	// MCP client
	APIURL string
}

// Local development defaults (ganache / truffle develop)
const (
	DefaultRPCURL              = "http://127.0.0.1:8545"
	DefaultWSURL               = "ws://127.0.0.1:8545"
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultGasLimit            = 10_000_000
	DefaultAccountPollInterval = 2 * time.Second
	DefaultReadyTimeout        = 60 * time.Second
	DefaultCatalogConcurrency  = 1
	DefaultAPIURL              = "http://localhost:8080"
	DefaultMutationsPerMinute  = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		MutationsPerMinute:  int(getEnvInt64("MUTATIONS_PER_MINUTE", DefaultMutationsPerMinute)),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		WSURL:               getEnv("WS_URL", DefaultWSURL),
		ChainID:             getEnvInt64("CHAIN_ID", 0),
		WalletMode:          getEnv("WALLET_MODE", WalletModeKeyring),
		PrivateKeys:         getEnvList("PRIVATE_KEYS"),
		RegistryArtifact:    os.Getenv("REGISTRY_ARTIFACT"),
		RegistryAddress:     os.Getenv("REGISTRY_ADDRESS"),
		GasLimit:            uint64(getEnvInt64("GAS_LIMIT", DefaultGasLimit)),
		AccountPollInterval: getEnvDuration("ACCOUNT_POLL_INTERVAL", DefaultAccountPollInterval),
		ReadyTimeout:        getEnvDuration("READY_TIMEOUT", DefaultReadyTimeout),
		CatalogConcurrency:  int(getEnvInt64("CATALOG_CONCURRENCY", DefaultCatalogConcurrency)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		APIURL:              getEnv("API_URL", DefaultAPIURL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadAPIURL reads only API_URL, for clients of a running offersync
// server that need none of the node or wallet settings.
func LoadAPIURL() string {
	_ = godotenv.Load()
	return getEnv("API_URL", DefaultAPIURL)
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	switch c.WalletMode {
	case WalletModeKeyring:
		if len(c.PrivateKeys) == 0 {
			return fmt.Errorf("PRIVATE_KEYS is required when WALLET_MODE=%s", WalletModeKeyring)
		}
		for i, key := range c.PrivateKeys {
			// Allow both with and without 0x prefix
			if len(strings.TrimPrefix(key, "0x")) != 64 {
				return fmt.Errorf("PRIVATE_KEYS entry %d must be 64 hex characters (with or without 0x prefix)", i)
			}
		}
	case WalletModeNode:
	default:
		return fmt.Errorf("WALLET_MODE must be %q or %q", WalletModeKeyring, WalletModeNode)
	}

	if c.RegistryAddress != "" && !common.IsHexAddress(c.RegistryAddress) {
		return fmt.Errorf("REGISTRY_ADDRESS is not a valid address")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("GAS_LIMIT must be positive")
	}
	if c.CatalogConcurrency < 1 {
		return fmt.Errorf("CATALOG_CONCURRENCY must be at least 1")
	}
	if c.MutationsPerMinute < 0 {
		return fmt.Errorf("MUTATIONS_PER_MINUTE must not be negative")
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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
