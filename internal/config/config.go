// Package config defines the top-level configuration for the vault
// settlement engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by VAULTD_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Oracle   OracleConfig   `toml:"oracle"`
	Swap     SwapConfig     `toml:"swap"`
	Vault    VaultConfig    `toml:"vault"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds the custodial ledger API endpoint and HMAC credentials.
type LedgerConfig struct {
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
}

// OracleConfig holds the price oracle endpoint and the staleness bound beyond
// which a quote invalidates the whole snapshot.
type OracleConfig struct {
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	Timeout      duration `toml:"timeout"`
	MaxStaleness duration `toml:"max_staleness"`
}

// SwapConfig holds the swap venue endpoint. Requests carry no client-level
// timeout; each leg is bounded by vault.swap_leg_timeout instead.
type SwapConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// VaultConfig holds the settlement-engine parameters.
type VaultConfig struct {
	// Account is the vault's own ledger account, the recipient of swap
	// proceeds.
	Account string `toml:"account"`
	// CashAssetKey identifies the basket entry that counts as the
	// immediately-liquid reserve.
	CashAssetKey string `toml:"cash_asset_key"`
	// ReserveBufferBps shrinks the usable reserve by this many basis points
	// when routing redemptions.
	ReserveBufferBps int64 `toml:"reserve_buffer_bps"`
	// DriftThresholdBps is the max-drift level above which a cycle performs
	// a proportional rebalance even with no queued liability.
	DriftThresholdBps int64 `toml:"drift_threshold_bps"`
	// MaxSlippageBps bounds acceptable swap output below the oracle-implied
	// amount.
	MaxSlippageBps int64    `toml:"max_slippage_bps"`
	CycleInterval  duration `toml:"cycle_interval"`
	SwapLegTimeout duration `toml:"swap_leg_timeout"`
	RedeemCooldown duration `toml:"redeem_cooldown"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold-storage archival of terminal redemption
// requests and sampled basket snapshots.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// RetentionDays is the age a request must reach before it is archived.
	RetentionDays int `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters. AdminAPIKey gates the operator
// pause/resume/cancel endpoints; it may be supplied raw or decrypted from an
// encrypted-at-rest file.
type ServerConfig struct {
	Enabled               bool     `toml:"enabled"`
	Port                  int      `toml:"port"`
	CORSOrigins           []string `toml:"cors_origins"`
	AdminAPIKey           string   `toml:"admin_api_key"`
	EncryptedAdminKeyPath string   `toml:"encrypted_admin_key_path"`
	AdminKeyPassword      string   `toml:"admin_key_password"`
	// RateLimit caps requests per client IP per RateLimitWindow; zero
	// disables limiting.
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			BaseURL: "http://localhost:8100",
			Timeout: duration{10 * time.Second},
		},
		Oracle: OracleConfig{
			BaseURL:      "http://localhost:8200",
			Timeout:      duration{5 * time.Second},
			MaxStaleness: duration{2 * time.Minute},
		},
		Swap: SwapConfig{
			BaseURL: "http://localhost:8300",
		},
		Vault: VaultConfig{
			CashAssetKey:      "usd-reserve",
			ReserveBufferBps:  100,
			DriftThresholdBps: 250,
			MaxSlippageBps:    50,
			CycleInterval:     duration{1 * time.Minute},
			SwapLegTimeout:    duration{45 * time.Second},
			RedeemCooldown:    duration{10 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "vaultd",
			User:          "vaultd",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolSize:    20,
			MaxRetries:  3,
			TLSEnabled:  false,
			SnapshotTTL: duration{15 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "vaultd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       0,
			RateLimitWindow: duration{1 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"vault_paused", "vault_resumed", "swap_leg_failed", "drift_threshold_exceeded"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"settle": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, settle, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if c.Ledger.BaseURL == "" {
		errs = append(errs, "ledger: base_url must not be empty")
	}
	ak := c.Ledger.APIKey != ""
	as := c.Ledger.APISecret != ""
	if ak != as {
		errs = append(errs, "ledger: api_key and api_secret must be set together")
	}

	// Oracle
	if c.Oracle.BaseURL == "" {
		errs = append(errs, "oracle: base_url must not be empty")
	}
	if c.Oracle.MaxStaleness.Duration <= 0 {
		errs = append(errs, "oracle: max_staleness must be > 0")
	}

	// Swap settings are only required when the rebalance trigger runs.
	if c.Mode == "settle" || c.Mode == "full" {
		if c.Swap.BaseURL == "" {
			errs = append(errs, "swap: base_url must not be empty for mode "+c.Mode)
		}
		if c.Vault.Account == "" {
			errs = append(errs, "vault: account must be set for mode "+c.Mode)
		}
	}

	// Vault
	if c.Vault.CashAssetKey == "" {
		errs = append(errs, "vault: cash_asset_key must not be empty")
	}
	if c.Vault.ReserveBufferBps < 0 || c.Vault.ReserveBufferBps >= 10000 {
		errs = append(errs, fmt.Sprintf("vault: reserve_buffer_bps must be in [0, 10000), got %d", c.Vault.ReserveBufferBps))
	}
	if c.Vault.DriftThresholdBps <= 0 {
		errs = append(errs, "vault: drift_threshold_bps must be > 0")
	}
	if c.Vault.MaxSlippageBps <= 0 {
		errs = append(errs, "vault: max_slippage_bps must be > 0")
	}
	if c.Vault.CycleInterval.Duration <= 0 {
		errs = append(errs, "vault: cycle_interval must be > 0")
	}
	if c.Vault.SwapLegTimeout.Duration <= 0 {
		errs = append(errs, "vault: swap_leg_timeout must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.EncryptedAdminKeyPath != "" && c.Server.AdminKeyPassword == "" {
			errs = append(errs, "server: admin_key_password is required when encrypted_admin_key_path is set")
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
