package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns Defaults() with the fields that have no sensible
// default filled in.
func validConfig() Config {
	cfg := Defaults()
	cfg.Vault.Account = "0xffffffffffffffffffffffffffffffffffffffff"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateServerModeSkipsSwapRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	cfg.Swap.BaseURL = ""
	cfg.Vault.Account = ""

	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "banana"
	cfg.LogLevel = "loud"
	cfg.Ledger.BaseURL = ""
	cfg.Vault.CashAssetKey = ""
	cfg.Vault.ReserveBufferBps = 10000

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown mode "banana"`)
	assert.ErrorContains(t, err, `unknown log_level "loud"`)
	assert.ErrorContains(t, err, "ledger: base_url")
	assert.ErrorContains(t, err, "vault: cash_asset_key")
	assert.ErrorContains(t, err, "reserve_buffer_bps")
}

func TestValidateLedgerCredentialsPaired(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.APIKey = "key"
	cfg.Ledger.APISecret = ""

	err := cfg.Validate()
	assert.ErrorContains(t, err, "api_key and api_secret must be set together")

	cfg.Ledger.APISecret = "c2VjcmV0"
	assert.NoError(t, cfg.Validate())
}

func TestValidatePostgresDSNBypassesHostChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Host = ""
	cfg.Postgres.Port = 0
	cfg.Postgres.Database = ""

	err := cfg.Validate()
	require.Error(t, err)

	cfg.Postgres.DSN = "postgres://vaultd:pw@localhost:5432/vaultd"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRateLimitWindow(t *testing.T) {
	cfg := validConfig()
	cfg.Server.RateLimit = 100
	cfg.Server.RateLimitWindow = duration{0}

	err := cfg.Validate()
	assert.ErrorContains(t, err, "rate_limit_window")

	cfg.Server.RateLimitWindow = duration{time.Second}
	assert.NoError(t, cfg.Validate())
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	cfg.S3.Endpoint = ""
	cfg.S3.Bucket = ""
	cfg.Archive.RetentionDays = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "s3: endpoint")
	assert.ErrorContains(t, err, "s3: bucket")
	assert.ErrorContains(t, err, "retention_days")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	body := `
mode = "settle"
log_level = "debug"

[vault]
account = "0xffffffffffffffffffffffffffffffffffffffff"
cash_asset_key = "usdc"
cycle_interval = "5m"

[server]
port = 9999
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "settle", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "usdc", cfg.Vault.CashAssetKey)
	assert.Equal(t, 5*time.Minute, cfg.Vault.CycleInterval.Duration)
	assert.Equal(t, 9999, cfg.Server.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 250, int(cfg.Vault.DriftThresholdBps))
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	body := `
[vault]
account = "0xffffffffffffffffffffffffffffffffffffffff"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("VAULTD_MODE", "server")
	t.Setenv("VAULTD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("VAULTD_VAULT_RESERVE_BUFFER_BPS", "300")
	t.Setenv("VAULTD_ORACLE_MAX_STALENESS", "90s")
	t.Setenv("VAULTD_ORACLE_API_KEY", "oracle-key")
	t.Setenv("VAULTD_SWAP_API_KEY", "swap-key")
	t.Setenv("VAULTD_LEDGER_TIMEOUT", "20s")
	t.Setenv("VAULTD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("VAULTD_POSTGRES_RUN_MIGRATIONS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(300), cfg.Vault.ReserveBufferBps)
	assert.Equal(t, 90*time.Second, cfg.Oracle.MaxStaleness.Duration)
	assert.Equal(t, "oracle-key", cfg.Oracle.APIKey)
	assert.Equal(t, "swap-key", cfg.Swap.APIKey)
	assert.Equal(t, 20*time.Second, cfg.Ledger.Timeout.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Postgres.RunMigrations)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
