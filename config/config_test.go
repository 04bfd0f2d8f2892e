package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
chains:
  base-sepolia:
    rpc_url: "https://sepolia.base.org"
  solana-devnet:
    rpc_url: "https://api.devnet.solana.com"

store:
  backend: redis
  redis_addr: "127.0.0.1:6379"
  redis_db: 2

webhook:
  max_age: 120s

policy:
  agent-1:
    budget:
      daily_cap: "25.00"
      max_per_request: "0.50"
    vendor_acl:
      allow: ["api.vendor-a.com", "*"]
      deny: ["bad.example"]
    rate_limit:
      per_minute: 10
      per_hour: 200

engine:
  timeout: 45s
  record_ttl: 30m

logger:
  level: debug

metrics:
  enabled: true
`

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	chdir(t, dir)
}

func TestLoadFromFile(t *testing.T) {
	writeConfig(t, sampleConfig)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://sepolia.base.org", cfg.Chains["base-sepolia"].RPCURL)
	assert.Equal(t, "https://api.devnet.solana.com", cfg.Chains["solana-devnet"].RPCURL)

	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 2, cfg.Store.RedisDB)
	assert.Equal(t, 120*time.Second, cfg.Webhook.MaxAge)
	assert.Equal(t, 45*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Engine.RecordTTL)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Metrics.Enabled)

	rules, ok := cfg.Policy["agent-1"]
	require.True(t, ok)
	require.NotNil(t, rules.Budget)
	require.NotNil(t, rules.Budget.DailyCap)
	assert.Equal(t, "25", rules.Budget.DailyCap.String())
	require.NotNil(t, rules.Budget.MaxPerRequest)
	assert.Equal(t, "0.5", rules.Budget.MaxPerRequest.String())
	assert.Nil(t, rules.Budget.WeeklyCap)
	require.NotNil(t, rules.VendorACL)
	assert.Contains(t, rules.VendorACL.Allow, "*")
	assert.Equal(t, []string{"bad.example"}, rules.VendorACL.Deny)
	require.NotNil(t, rules.RateLimit)
	assert.Equal(t, 10, rules.RateLimit.PerMinute)
	assert.Equal(t, 200, rules.RateLimit.PerHour)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 300*time.Second, cfg.Webhook.MaxAge)
	assert.Equal(t, 60*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, time.Hour, cfg.Engine.RecordTTL)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadSecretFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("WEBHOOK_SECRET_DATA", "whsec_from_env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("whsec_from_env"), cfg.Webhook.Secret)
}

func TestLoadSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "webhook.secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("whsec_from_file\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("webhook:\n  secret_path: "+secretPath+"\n"), 0o600))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("whsec_from_file"), cfg.Webhook.Secret)
}
