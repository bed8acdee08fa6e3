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
// built-in defaults, applies BRIDGE_* environment variable overrides, and
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

// applyEnvOverrides reads well-known BRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── XRPL ──
	setStr(&cfg.XRPL.WsURL, "BRIDGE_XRPL_WS_URL")
	setStr(&cfg.XRPL.VaultAddress, "BRIDGE_XRPL_VAULT_ADDRESS")
	setInt(&cfg.XRPL.BackfillCount, "BRIDGE_XRPL_BACKFILL_COUNT")
	setDuration(&cfg.XRPL.BackfillWindow, "BRIDGE_XRPL_BACKFILL_WINDOW")

	// ── Flare ──
	setStr(&cfg.Flare.RpcURL, "BRIDGE_FLARE_RPC_URL")
	setInt64(&cfg.Flare.ChainID, "BRIDGE_FLARE_CHAIN_ID")
	setStr(&cfg.Flare.AssetManagerURL, "BRIDGE_FLARE_ASSET_MANAGER_URL")
	setDuration(&cfg.Flare.SubmitTimeout, "BRIDGE_FLARE_SUBMIT_TIMEOUT")
	setDuration(&cfg.Flare.ConfirmTimeout, "BRIDGE_FLARE_CONFIRM_TIMEOUT")

	// ── FDC ──
	setStr(&cfg.FDC.BaseURL, "BRIDGE_FDC_BASE_URL")
	setDuration(&cfg.FDC.ProofDeadline, "BRIDGE_FDC_PROOF_DEADLINE")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "BRIDGE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "BRIDGE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "BRIDGE_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BRIDGE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BRIDGE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BRIDGE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BRIDGE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BRIDGE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BRIDGE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BRIDGE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BRIDGE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BRIDGE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BRIDGE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BRIDGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "BRIDGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BRIDGE_S3_FORCE_PATH_STYLE")

	// ── Bridge ──
	setFloat64(&cfg.Bridge.LotSizeXRP, "BRIDGE_LOT_SIZE_XRP")
	setDuration(&cfg.Bridge.WatchdogInterval, "BRIDGE_WATCHDOG_INTERVAL")
	setDuration(&cfg.Bridge.StuckThreshold, "BRIDGE_STUCK_THRESHOLD")
	setInt(&cfg.Bridge.MaxRetries, "BRIDGE_MAX_RETRIES")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BRIDGE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "BRIDGE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "BRIDGE_ARCHIVE_RETENTION_DAYS")

	// ── Alert ──
	setDuration(&cfg.Alert.Interval, "BRIDGE_ALERT_INTERVAL")
	setDuration(&cfg.Alert.ThrottleInterval, "BRIDGE_ALERT_THROTTLE_INTERVAL")
	setDuration(&cfg.Alert.RedemptionDelay, "BRIDGE_ALERT_REDEMPTION_DELAY")
	setInt(&cfg.Alert.ConsecutiveFailures, "BRIDGE_ALERT_CONSECUTIVE_FAILURES")
	setFloat64(&cfg.Alert.YieldDriftBps, "BRIDGE_ALERT_YIELD_DRIFT_BPS")
	setDuration(&cfg.Alert.YieldDriftWindow, "BRIDGE_ALERT_YIELD_DRIFT_WINDOW")
	setDuration(&cfg.Alert.RPCLatencyWarn, "BRIDGE_ALERT_RPC_LATENCY_WARN")
	setStr(&cfg.Alert.DashboardURL, "BRIDGE_ALERT_DASHBOARD_URL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "BRIDGE_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BRIDGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BRIDGE_MODE")
	setStr(&cfg.LogLevel, "BRIDGE_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
