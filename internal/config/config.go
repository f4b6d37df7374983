// Package config defines the top-level configuration for the trade-execution
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEEXEC_* environment variables.
type Config struct {
	Feed          FeedConfig          `toml:"feed"`
	Database      DatabaseConfig      `toml:"database"`
	Redis         RedisConfig         `toml:"redis"`
	Broker        BrokerConfig        `toml:"broker"`
	Vault         VaultConfig         `toml:"vault"`
	Lifecycle     LifecycleConfig     `toml:"lifecycle"`
	Execution     ExecutionConfig     `toml:"execution"`
	Monitor       MonitorConfig       `toml:"monitor"`
	Reconcile     ReconcileConfig     `toml:"reconcile"`
	Recommend     RecommendConfig     `toml:"recommend"`
	Notify        NotifyConfig        `toml:"notify"`
	Observability ObservabilityConfig `toml:"observability"`
	Mode          string              `toml:"mode"`
	Environment   string              `toml:"environment"`
	LogLevel      string              `toml:"log_level"`
}

// FeedConfig holds market-data feed parameters.
type FeedConfig struct {
	WsURL   string   `toml:"ws_url"`
	Symbols []string `toml:"symbols"`

	// SetupRefreshInterval is how often the setup snapshot source is polled.
	SetupRefreshInterval duration `toml:"setup_refresh_interval"`

	// SetupAPIURL is the endpoint the snapshot source reads from.
	SetupAPIURL string `toml:"setup_api_url"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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

// BrokerConfig holds broker API parameters. Per-account tokens live in the
// credential store; this section only carries endpoints.
type BrokerConfig struct {
	ProductionHost string `toml:"production_host"`
	SandboxHost    string `toml:"sandbox_host"`
}

// VaultConfig holds the token-vault passphrase source.
type VaultConfig struct {
	Passphrase string `toml:"passphrase"`
}

// LifecycleConfig holds the transition engine parameters.
type LifecycleConfig struct {
	Debounce                 duration `toml:"debounce"`
	StopConfirmFromReady     int      `toml:"stop_confirm_from_ready"`
	StopConfirmFromTriggered int      `toml:"stop_confirm_from_triggered"`
	BreakevenAfterTarget1    bool     `toml:"breakeven_after_target1"`
}

// ExecutionConfig holds the orchestrator and sizing policy.
type ExecutionConfig struct {
	Enabled           bool     `toml:"enabled"`
	ProductionEnabled bool     `toml:"production_enabled"`
	UserAllowlist     []string `toml:"user_allowlist"`

	LimitOffset         float64 `toml:"limit_offset"`
	ScaleOutPct         float64 `toml:"scale_out_pct"`
	ScaleOutTargetPct   float64 `toml:"scale_out_target_pct"`
	RunnerStopOffsetPct float64 `toml:"runner_stop_offset_pct"`

	MaxRiskPct             float64 `toml:"max_risk_pct"`
	DayTradeUtilizationPct float64 `toml:"day_trade_utilization_pct"`
	MaxContracts           int     `toml:"max_contracts"`
}

// MonitorConfig holds order polling parameters.
type MonitorConfig struct {
	Interval     duration `toml:"interval"`
	EntryTimeout duration `toml:"entry_timeout"`
	MaxPolls     int      `toml:"max_polls"`
}

// ReconcileConfig holds broker ledger reconciliation parameters.
type ReconcileConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// RecommendConfig holds contract selection parameters.
type RecommendConfig struct {
	StrikeIncrement float64           `toml:"strike_increment"`
	RootOverrides   map[string]string `toml:"root_overrides"`
	MaxQuoteAge     duration          `toml:"max_quote_age"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`

	// MinPriority is the lowest severity delivered: "info", "warning",
	// "critical".
	MinPriority string `toml:"min_priority"`
}

// ObservabilityConfig holds the metrics endpoint parameters.
type ObservabilityConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			WsURL:                "wss://feed.example.com/v1/ticks",
			Symbols:              []string{"SPX"},
			SetupRefreshInterval: duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeexec",
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
			TLSEnabled: false,
		},
		Broker: BrokerConfig{
			ProductionHost: "https://api.tradier.com",
			SandboxHost:    "https://sandbox.tradier.com",
		},
		Lifecycle: LifecycleConfig{
			Debounce:                 duration{time.Second},
			StopConfirmFromReady:     1,
			StopConfirmFromTriggered: 2,
			BreakevenAfterTarget1:    true,
		},
		Execution: ExecutionConfig{
			Enabled:                false,
			ProductionEnabled:      false,
			LimitOffset:            0.05,
			ScaleOutPct:            0.5,
			ScaleOutTargetPct:      0.5,
			RunnerStopOffsetPct:    0.015,
			MaxRiskPct:             0.02,
			DayTradeUtilizationPct: 0.25,
			MaxContracts:           10,
		},
		Monitor: MonitorConfig{
			Interval:     duration{5 * time.Second},
			EntryTimeout: duration{2 * time.Minute},
			MaxPolls:     60,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: duration{5 * time.Minute},
		},
		Recommend: RecommendConfig{
			StrikeIncrement: 5,
			RootOverrides:   map[string]string{"SPX": "SPXW"},
			MaxQuoteAge:     duration{30 * time.Second},
		},
		Notify: NotifyConfig{
			MinPriority: "info",
		},
		Observability: ObservabilityConfig{
			Enabled: true,
			Port:    9090,
		},
		Mode:        "trade",
		Environment: "development",
		LogLevel:    "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"monitor":   true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validPriorities enumerates the accepted values for NotifyConfig.MinPriority.
var validPriorities = map[string]bool{
	"info":     true,
	"warning":  true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, reconcile)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Environment == "" {
		errs = append(errs, "environment must not be empty")
	}

	// Feed is required for trade mode.
	if c.Mode == "trade" {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty for mode trade")
		}
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, "feed: symbols must not be empty for mode trade")
		}
	}
	if c.Feed.SetupRefreshInterval.Duration <= 0 {
		errs = append(errs, "feed: setup_refresh_interval must be > 0")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Broker
	if c.Broker.ProductionHost == "" {
		errs = append(errs, "broker: production_host must not be empty")
	}
	if c.Broker.SandboxHost == "" {
		errs = append(errs, "broker: sandbox_host must not be empty")
	}

	// Execution needs decryptable tokens.
	if c.Execution.Enabled && c.Vault.Passphrase == "" {
		errs = append(errs, "vault: passphrase is required when execution is enabled")
	}

	// Lifecycle
	if c.Lifecycle.Debounce.Duration < 0 {
		errs = append(errs, "lifecycle: debounce must be >= 0")
	}
	if c.Lifecycle.StopConfirmFromReady < 1 {
		errs = append(errs, "lifecycle: stop_confirm_from_ready must be >= 1")
	}
	if c.Lifecycle.StopConfirmFromTriggered < 1 {
		errs = append(errs, "lifecycle: stop_confirm_from_triggered must be >= 1")
	}

	// Execution
	if c.Execution.MaxRiskPct <= 0 || c.Execution.MaxRiskPct > 1 {
		errs = append(errs, fmt.Sprintf("execution: max_risk_pct must be in (0,1], got %v", c.Execution.MaxRiskPct))
	}
	if c.Execution.DayTradeUtilizationPct <= 0 || c.Execution.DayTradeUtilizationPct > 1 {
		errs = append(errs, fmt.Sprintf("execution: day_trade_utilization_pct must be in (0,1], got %v", c.Execution.DayTradeUtilizationPct))
	}
	if c.Execution.ScaleOutPct <= 0 || c.Execution.ScaleOutPct >= 1 {
		errs = append(errs, fmt.Sprintf("execution: scale_out_pct must be in (0,1), got %v", c.Execution.ScaleOutPct))
	}
	if c.Execution.LimitOffset < 0 {
		errs = append(errs, "execution: limit_offset must be >= 0")
	}
	if c.Execution.ScaleOutTargetPct <= 0 {
		errs = append(errs, "execution: scale_out_target_pct must be > 0")
	}
	if c.Execution.RunnerStopOffsetPct < 0 {
		errs = append(errs, "execution: runner_stop_offset_pct must be >= 0")
	}

	// Monitor
	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if c.Monitor.EntryTimeout.Duration <= 0 {
		errs = append(errs, "monitor: entry_timeout must be > 0")
	}
	if c.Monitor.MaxPolls < 1 {
		errs = append(errs, "monitor: max_polls must be >= 1")
	}

	// Reconcile
	if c.Reconcile.Enabled && c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0 when enabled")
	}

	// Recommend
	if c.Recommend.StrikeIncrement <= 0 {
		errs = append(errs, "recommend: strike_increment must be > 0")
	}

	// Notify
	if !validPriorities[strings.ToLower(c.Notify.MinPriority)] {
		errs = append(errs, fmt.Sprintf("notify: unknown min_priority %q (valid: info, warning, critical)", c.Notify.MinPriority))
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Observability
	if c.Observability.Enabled {
		if c.Observability.Port <= 0 || c.Observability.Port > 65535 {
			errs = append(errs, fmt.Sprintf("observability: port must be 1-65535, got %d", c.Observability.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
