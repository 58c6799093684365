package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VAULTD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VAULTD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.BaseURL, "VAULTD_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.APIKey, "VAULTD_LEDGER_API_KEY")
	setStr(&cfg.Ledger.APISecret, "VAULTD_LEDGER_API_SECRET")
	setDuration(&cfg.Ledger.Timeout, "VAULTD_LEDGER_TIMEOUT")

	// ── Oracle ──
	setStr(&cfg.Oracle.BaseURL, "VAULTD_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.APIKey, "VAULTD_ORACLE_API_KEY")
	setDuration(&cfg.Oracle.Timeout, "VAULTD_ORACLE_TIMEOUT")
	setDuration(&cfg.Oracle.MaxStaleness, "VAULTD_ORACLE_MAX_STALENESS")

	// ── Swap ──
	setStr(&cfg.Swap.BaseURL, "VAULTD_SWAP_BASE_URL")
	setStr(&cfg.Swap.APIKey, "VAULTD_SWAP_API_KEY")

	// ── Vault ──
	setStr(&cfg.Vault.Account, "VAULTD_VAULT_ACCOUNT")
	setStr(&cfg.Vault.CashAssetKey, "VAULTD_VAULT_CASH_ASSET_KEY")
	setInt64(&cfg.Vault.ReserveBufferBps, "VAULTD_VAULT_RESERVE_BUFFER_BPS")
	setInt64(&cfg.Vault.DriftThresholdBps, "VAULTD_VAULT_DRIFT_THRESHOLD_BPS")
	setInt64(&cfg.Vault.MaxSlippageBps, "VAULTD_VAULT_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Vault.CycleInterval, "VAULTD_VAULT_CYCLE_INTERVAL")
	setDuration(&cfg.Vault.SwapLegTimeout, "VAULTD_VAULT_SWAP_LEG_TIMEOUT")
	setDuration(&cfg.Vault.RedeemCooldown, "VAULTD_VAULT_REDEEM_COOLDOWN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "VAULTD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "VAULTD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VAULTD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VAULTD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VAULTD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VAULTD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VAULTD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VAULTD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VAULTD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VAULTD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "VAULTD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VAULTD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VAULTD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VAULTD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VAULTD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VAULTD_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.SnapshotTTL, "VAULTD_REDIS_SNAPSHOT_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "VAULTD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VAULTD_S3_REGION")
	setStr(&cfg.S3.Bucket, "VAULTD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VAULTD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VAULTD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VAULTD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VAULTD_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "VAULTD_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "VAULTD_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "VAULTD_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VAULTD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VAULTD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VAULTD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "VAULTD_SERVER_ADMIN_API_KEY")
	setStr(&cfg.Server.EncryptedAdminKeyPath, "VAULTD_SERVER_ENCRYPTED_ADMIN_KEY_PATH")
	setStr(&cfg.Server.AdminKeyPassword, "VAULTD_SERVER_ADMIN_KEY_PASSWORD")
	setInt(&cfg.Server.RateLimit, "VAULTD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "VAULTD_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VAULTD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VAULTD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VAULTD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VAULTD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "VAULTD_MODE")
	setStr(&cfg.LogLevel, "VAULTD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
