package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PRIVATE_KEYS", testKey+", 0x"+testKey)
	setEnv(t, "PORT", "9090")
	setEnv(t, "ACCOUNT_POLL_INTERVAL", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, WalletModeKeyring, cfg.WalletMode)
	assert.Len(t, cfg.PrivateKeys, 2)
	assert.Equal(t, uint64(DefaultGasLimit), cfg.GasLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.AccountPollInterval)
	assert.Equal(t, DefaultReadyTimeout, cfg.ReadyTimeout)
	assert.Equal(t, 1, cfg.CatalogConcurrency)
	assert.Equal(t, DefaultMutationsPerMinute, cfg.MutationsPerMinute)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_NodeModeNeedsNoKeys(t *testing.T) {
	setEnv(t, "PRIVATE_KEYS", "")
	setEnv(t, "WALLET_MODE", "node")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.PrivateKeys)
}

func TestLoadAPIURL(t *testing.T) {
	setEnv(t, "API_URL", "")
	assert.Equal(t, DefaultAPIURL, LoadAPIURL())

	setEnv(t, "API_URL", "http://offersync:9090")
	setEnv(t, "PRIVATE_KEYS", "")
	assert.Equal(t, "http://offersync:9090", LoadAPIURL())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RPCURL:             DefaultRPCURL,
			WalletMode:         WalletModeKeyring,
			PrivateKeys:        []string{testKey},
			GasLimit:           DefaultGasLimit,
			CatalogConcurrency: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing rpc", func(c *Config) { c.RPCURL = "" }, "RPC_URL"},
		{"missing keys", func(c *Config) { c.PrivateKeys = nil }, "PRIVATE_KEYS is required"},
		{"short key", func(c *Config) { c.PrivateKeys = []string{"abc"} }, "64 hex"},
		{"unknown mode", func(c *Config) { c.WalletMode = "browser" }, "WALLET_MODE"},
		{"bad registry", func(c *Config) { c.RegistryAddress = "0x123" }, "REGISTRY_ADDRESS"},
		{"good registry", func(c *Config) { c.RegistryAddress = "0x00000000000000000000000000000000000000cc" }, ""},
		{"zero gas", func(c *Config) { c.GasLimit = 0 }, "GAS_LIMIT"},
		{"zero concurrency", func(c *Config) { c.CatalogConcurrency = 0 }, "CATALOG_CONCURRENCY"},
		{"negative mutation limit", func(c *Config) { c.MutationsPerMinute = -1 }, "MUTATIONS_PER_MINUTE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	setEnv(t, "OFFERSYNC_TEST_INT", "notanumber")
	assert.Equal(t, int64(7), getEnvInt64("OFFERSYNC_TEST_INT", 7))

	setEnv(t, "OFFERSYNC_TEST_DUR", "soon")
	assert.Equal(t, time.Second, getEnvDuration("OFFERSYNC_TEST_DUR", time.Second))

	setEnv(t, "OFFERSYNC_TEST_FLOAT", "0.25")
	assert.Equal(t, 0.25, getEnvFloat("OFFERSYNC_TEST_FLOAT", 1))
	setEnv(t, "OFFERSYNC_TEST_FLOAT", "half")
	assert.Equal(t, 1.0, getEnvFloat("OFFERSYNC_TEST_FLOAT", 1))

	setEnv(t, "OFFERSYNC_TEST_LIST", " a, ,b ")
	assert.Equal(t, []string{"a", "b"}, getEnvList("OFFERSYNC_TEST_LIST"))
}

func TestEnvironmentChecks(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
