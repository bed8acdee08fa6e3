// Package config defines the top-level configuration for the bridge engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BRIDGE_* environment variables.
type Config struct {
	XRPL     XRPLConfig     `toml:"xrpl"`
	Flare    FlareConfig    `toml:"flare"`
	FDC      FDCConfig      `toml:"fdc"`
	Wallet   WalletConfig   `toml:"wallet"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Archive  ArchiveConfig  `toml:"archive"`
	Alert    AlertConfig    `toml:"alert"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// XRPLConfig holds XRP Ledger feed parameters.
type XRPLConfig struct {
	WsURL        string `toml:"ws_url"`
	VaultAddress string `toml:"vault_address"`
	// BackfillCount is how many recent account transactions to fetch when a
	// new address is subscribed.
	BackfillCount int `toml:"backfill_count"`
	// BackfillWindow bounds replayed history; older entries are ignored.
	BackfillWindow duration `toml:"backfill_window"`
}

// FlareConfig holds settlement-chain RPC and minting-service parameters.
type FlareConfig struct {
	RpcURL            string   `toml:"rpc_url"`
	ChainID           int64    `toml:"chain_id"`
	AssetManagerURL   string   `toml:"asset_manager_url"`
	SubmitTimeout     duration `toml:"submit_timeout"`
	ConfirmTimeout    duration `toml:"confirm_timeout"`
	ReceiptPollPeriod duration `toml:"receipt_poll_period"`
}

// FDCConfig holds proof-generation (attestation) service parameters.
type FDCConfig struct {
	BaseURL       string   `toml:"base_url"`
	ProofDeadline duration `toml:"proof_deadline"`
}

// WalletConfig holds settlement-chain signing credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
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
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
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

// BridgeConfig holds state-machine and watchdog parameters.
type BridgeConfig struct {
	// LotSizeXRP is the agent collateral lot size in XRP.
	LotSizeXRP float64 `toml:"lot_size_xrp"`
	// WatchdogInterval is how often the recovery sweep runs.
	WatchdogInterval duration `toml:"watchdog_interval"`
	// StuckThreshold is the minimum age before a non-terminal operation is
	// considered stuck.
	StuckThreshold duration `toml:"stuck_threshold"`
	MaxRetries     int      `toml:"max_retries"`
	// OperationLockTTL bounds the per-operation submission lock.
	OperationLockTTL duration `toml:"operation_lock_ttl"`
	// SeenTxTTL bounds the live/backfill dedup window.
	SeenTxTTL duration `toml:"seen_tx_ttl"`
}

// ArchiveConfig holds resolved-operation archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// AlertConfig holds alerting subsystem parameters.
type AlertConfig struct {
	Interval         duration `toml:"interval"`
	ThrottleInterval duration `toml:"throttle_interval"`
	// RedemptionDelay is how long a redemption may wait for its payout
	// before an alert fires.
	RedemptionDelay duration `toml:"redemption_delay"`
	// ConsecutiveFailures triggers an alert when this many operations fail
	// back to back.
	ConsecutiveFailures int `toml:"consecutive_failures"`
	// YieldDriftBps is the basis-point threshold for vault yield drift over
	// the rolling window.
	YieldDriftBps    float64  `toml:"yield_drift_bps"`
	YieldDriftWindow duration `toml:"yield_drift_window"`
	// RPCLatencyWarn flags the settlement RPC as degraded above this bound.
	RPCLatencyWarn duration `toml:"rpc_latency_warn"`
	DashboardURL   string   `toml:"dashboard_url"`
}

// NotifyConfig holds notification sink credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
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
		XRPL: XRPLConfig{
			WsURL:          "wss://s1.ripple.com",
			BackfillCount:  10,
			BackfillWindow: duration{15 * time.Minute},
		},
		Flare: FlareConfig{
			RpcURL:            "https://flare-api.flare.network/ext/C/rpc",
			ChainID:           14,
			SubmitTimeout:     duration{30 * time.Second},
			ConfirmTimeout:    duration{2 * time.Minute},
			ReceiptPollPeriod: duration{3 * time.Second},
		},
		FDC: FDCConfig{
			ProofDeadline: duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bridgebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bridgebot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Bridge: BridgeConfig{
			LotSizeXRP:       20,
			WatchdogInterval: duration{2 * time.Minute},
			StuckThreshold:   duration{10 * time.Minute},
			MaxRetries:       5,
			OperationLockTTL: duration{90 * time.Second},
			SeenTxTTL:        duration{30 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Alert: AlertConfig{
			Interval:            duration{1 * time.Minute},
			ThrottleInterval:    duration{15 * time.Minute},
			RedemptionDelay:     duration{30 * time.Minute},
			ConsecutiveFailures: 3,
			YieldDriftBps:       50,
			YieldDriftWindow:    duration{6 * time.Hour},
			RPCLatencyWarn:      duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"deposit_complete", "withdrawal_complete", "alert"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"monitor": true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// XRPL
	if c.XRPL.WsURL == "" {
		errs = append(errs, "xrpl: ws_url must not be empty")
	}
	if c.XRPL.VaultAddress == "" {
		errs = append(errs, "xrpl: vault_address must not be empty")
	}
	if c.XRPL.BackfillCount < 1 {
		errs = append(errs, "xrpl: backfill_count must be >= 1")
	}
	if c.XRPL.BackfillWindow.Duration <= 0 {
		errs = append(errs, "xrpl: backfill_window must be positive")
	}

	// Flare. A signing key is required whenever the engine can mutate the
	// settlement chain, i.e. in full mode.
	if c.Flare.RpcURL == "" {
		errs = append(errs, "flare: rpc_url must not be empty")
	}
	if c.Flare.ChainID <= 0 {
		errs = append(errs, "flare: chain_id must be positive")
	}
	if strings.ToLower(c.Mode) == "full" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode full")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Flare.AssetManagerURL == "" {
			errs = append(errs, "flare: asset_manager_url must not be empty for mode full")
		}
		if c.FDC.BaseURL == "" {
			errs = append(errs, "fdc: base_url must not be empty for mode full")
		}
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

	// Bridge
	if c.Bridge.LotSizeXRP <= 0 {
		errs = append(errs, "bridge: lot_size_xrp must be > 0")
	}
	if c.Bridge.WatchdogInterval.Duration <= 0 {
		errs = append(errs, "bridge: watchdog_interval must be positive")
	}
	if c.Bridge.StuckThreshold.Duration <= 0 {
		errs = append(errs, "bridge: stuck_threshold must be positive")
	}
	if c.Bridge.MaxRetries < 1 {
		errs = append(errs, "bridge: max_retries must be >= 1")
	}

	// Alert
	if c.Alert.Interval.Duration <= 0 {
		errs = append(errs, "alert: interval must be positive")
	}
	if c.Alert.ThrottleInterval.Duration <= 0 {
		errs = append(errs, "alert: throttle_interval must be positive")
	}
	if c.Alert.ConsecutiveFailures < 1 {
		errs = append(errs, "alert: consecutive_failures must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
