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
// built-in defaults, applies TRADEEXEC_* environment variable overrides, and
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

// applyEnvOverrides reads well-known TRADEEXEC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "TRADEEXEC_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "TRADEEXEC_FEED_SYMBOLS")
	setDuration(&cfg.Feed.SetupRefreshInterval, "TRADEEXEC_FEED_SETUP_REFRESH_INTERVAL")
	setStr(&cfg.Feed.SetupAPIURL, "TRADEEXEC_FEED_SETUP_API_URL")

	// ── Database ──
	setStr(&cfg.Database.DSN, "TRADEEXEC_DATABASE_DSN")
	setStr(&cfg.Database.Host, "TRADEEXEC_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TRADEEXEC_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TRADEEXEC_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "TRADEEXEC_DATABASE_USER")
	setStr(&cfg.Database.Password, "TRADEEXEC_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TRADEEXEC_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "TRADEEXEC_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TRADEEXEC_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "TRADEEXEC_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADEEXEC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEEXEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEEXEC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEEXEC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEEXEC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEEXEC_REDIS_TLS_ENABLED")

	// ── Broker ──
	setStr(&cfg.Broker.ProductionHost, "TRADEEXEC_BROKER_PRODUCTION_HOST")
	setStr(&cfg.Broker.SandboxHost, "TRADEEXEC_BROKER_SANDBOX_HOST")

	// ── Vault ──
	setStr(&cfg.Vault.Passphrase, "TRADEEXEC_VAULT_PASSPHRASE")

	// ── Lifecycle ──
	setDuration(&cfg.Lifecycle.Debounce, "TRADEEXEC_LIFECYCLE_DEBOUNCE")
	setInt(&cfg.Lifecycle.StopConfirmFromReady, "TRADEEXEC_LIFECYCLE_STOP_CONFIRM_FROM_READY")
	setInt(&cfg.Lifecycle.StopConfirmFromTriggered, "TRADEEXEC_LIFECYCLE_STOP_CONFIRM_FROM_TRIGGERED")
	setBool(&cfg.Lifecycle.BreakevenAfterTarget1, "TRADEEXEC_LIFECYCLE_BREAKEVEN_AFTER_TARGET1")

	// ── Execution ──
	setBool(&cfg.Execution.Enabled, "TRADEEXEC_EXECUTION_ENABLED")
	setBool(&cfg.Execution.ProductionEnabled, "TRADEEXEC_EXECUTION_PRODUCTION_ENABLED")
	setStringSlice(&cfg.Execution.UserAllowlist, "TRADEEXEC_EXECUTION_USER_ALLOWLIST")
	setFloat64(&cfg.Execution.LimitOffset, "TRADEEXEC_EXECUTION_LIMIT_OFFSET")
	setFloat64(&cfg.Execution.ScaleOutPct, "TRADEEXEC_EXECUTION_SCALE_OUT_PCT")
	setFloat64(&cfg.Execution.ScaleOutTargetPct, "TRADEEXEC_EXECUTION_SCALE_OUT_TARGET_PCT")
	setFloat64(&cfg.Execution.RunnerStopOffsetPct, "TRADEEXEC_EXECUTION_RUNNER_STOP_OFFSET_PCT")
	setFloat64(&cfg.Execution.MaxRiskPct, "TRADEEXEC_EXECUTION_MAX_RISK_PCT")
	setFloat64(&cfg.Execution.DayTradeUtilizationPct, "TRADEEXEC_EXECUTION_DAY_TRADE_UTILIZATION_PCT")
	setInt(&cfg.Execution.MaxContracts, "TRADEEXEC_EXECUTION_MAX_CONTRACTS")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "TRADEEXEC_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.EntryTimeout, "TRADEEXEC_MONITOR_ENTRY_TIMEOUT")
	setInt(&cfg.Monitor.MaxPolls, "TRADEEXEC_MONITOR_MAX_POLLS")

	// ── Reconcile ──
	setBool(&cfg.Reconcile.Enabled, "TRADEEXEC_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "TRADEEXEC_RECONCILE_INTERVAL")

	// ── Recommend ──
	setFloat64(&cfg.Recommend.StrikeIncrement, "TRADEEXEC_RECOMMEND_STRIKE_INCREMENT")
	setDuration(&cfg.Recommend.MaxQuoteAge, "TRADEEXEC_RECOMMEND_MAX_QUOTE_AGE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEEXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEEXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEEXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinPriority, "TRADEEXEC_NOTIFY_MIN_PRIORITY")

	// ── Observability ──
	setBool(&cfg.Observability.Enabled, "TRADEEXEC_OBSERVABILITY_ENABLED")
	setInt(&cfg.Observability.Port, "TRADEEXEC_OBSERVABILITY_PORT")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEEXEC_MODE")
	setStr(&cfg.Environment, "TRADEEXEC_ENVIRONMENT")
	setStr(&cfg.LogLevel, "TRADEEXEC_LOG_LEVEL")
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
