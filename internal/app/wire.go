package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coachbot/tradeexec/internal/broker/tradier"
	"github.com/coachbot/tradeexec/internal/cache/redis"
	"github.com/coachbot/tradeexec/internal/config"
	"github.com/coachbot/tradeexec/internal/crypto"
	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/notify"
	"github.com/coachbot/tradeexec/internal/observability"
	"github.com/coachbot/tradeexec/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	States domain.ExecutionStateStore
	Fills  domain.FillStore
	Creds  domain.CredentialStore

	// Caches
	TickCache domain.TickCache
	EventBus  domain.EventBus

	// Broker access
	Vault  *crypto.TokenVault
	Dialer domain.BrokerDialer

	// Notifications and metrics
	Notifier *notify.Notifier
	Metrics  *observability.Metrics
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.States = postgres.NewActiveStateStore(pool)
	deps.Fills = postgres.NewFillStore(pool)
	deps.Creds = postgres.NewCredentialStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.TickCache = redis.NewTickCache(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- Broker access ---
	deps.Vault = crypto.NewTokenVault(cfg.Vault.Passphrase)
	deps.Dialer = tradier.NewDialer(deps.Vault, cfg.Broker.ProductionHost, cfg.Broker.SandboxHost)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, minPriority(cfg.Notify.MinPriority), logger)

	// --- Metrics ---
	deps.Metrics = observability.NewMetrics("tradeexec")

	return deps, cleanup, nil
}

// minPriority maps the configured floor name onto a notify.Priority.
func minPriority(name string) notify.Priority {
	switch strings.ToLower(name) {
	case "critical":
		return notify.PriorityCritical
	case "warning":
		return notify.PriorityWarning
	default:
		return notify.PriorityInfo
	}
}
