package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "DEVELOPMENT", cfg.Environment)
	assert.Equal(t, 24, cfg.Mixer.ExpiryHours)
	assert.Equal(t, 25, cfg.Mixer.DispatchBatchSize)
	assert.Equal(t, 0.0001, cfg.Mixer.DepositTolerance)
	assert.Equal(t, "mixcore", cfg.Redis.KeyPrefix)
	assert.Equal(t, 1000, cfg.Redis.L1Capacity)
}

func TestLoadYAMLWithChainDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: STAGING
chains:
  - symbol: BTC
    rpc_url: http://localhost:8332
    rpc_user: rpc
    rpc_password: secret
    wallet_name: mixer
  - symbol: ETH
    rpc_url: http://localhost:8545
    timeout_seconds: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "STAGING", cfg.Environment)
	require.Len(t, cfg.Chains, 2)

	btc := cfg.Chains[0]
	assert.Equal(t, "mixer", btc.WalletName)
	assert.Equal(t, 30, btc.TimeoutSeconds) // default applied
	assert.Equal(t, 3, btc.MaxRetries)
	assert.Equal(t, 5, btc.PollIntervalMinutes)

	eth := cfg.Chains[1]
	assert.Equal(t, 10, eth.TimeoutSeconds) // explicit value kept
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad environment", func(c *Config) { c.Environment = "QA" }},
		{"zero expiry", func(c *Config) { c.Mixer.ExpiryHours = 0 }},
		{"tolerance out of range", func(c *Config) { c.Mixer.DepositTolerance = 1.5 }},
		{"chain missing url", func(c *Config) {
			c.Chains = []ChainConfig{{Symbol: "BTC", PollIntervalMinutes: 5}}
		}},
		{"poll interval out of range", func(c *Config) {
			c.Chains = []ChainConfig{{Symbol: "BTC", RPCURL: "http://x", PollIntervalMinutes: 2000}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
