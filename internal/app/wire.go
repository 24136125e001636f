package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/tradeexec/internal/blob/s3"
	"github.com/alanyoungcy/tradeexec/internal/cache/redis"
	"github.com/alanyoungcy/tradeexec/internal/config"
	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/notify"
	"github.com/alanyoungcy/tradeexec/internal/server/handler"
	"github.com/alanyoungcy/tradeexec/internal/store/postgres"
	"github.com/alanyoungcy/tradeexec/internal/store/sqlite"
)

// quoteTTL bounds how long a cached price stays usable by the paper broker
// and the price refresh loop.
const quoteTTL = 5 * time.Minute

// Dependencies bundles the infrastructure the engine runs on. Every field
// except Journal may be empty when the backing service is disabled.
type Dependencies struct {
	Journal domain.Journal

	// Redis
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Object storage
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// Checks are run by the health endpoint.
	Checks []handler.Check
}

// Wire constructs all concrete infrastructure from cfg and returns it with a
// cleanup function that releases it in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- Journal: PostgreSQL when enabled, local SQLite otherwise ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail("postgres migrations", err)
			}
			if applied > 0 {
				logger.InfoContext(ctx, "journal schema migrated", slog.Int("applied", applied))
			}
		}
		deps.Journal = pgClient.Journal()
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Ping: pgClient.Ping})
		logger.InfoContext(ctx, "journal ready", slog.String("backend", "postgres"))
	} else if cfg.SQLite.Path != "" {
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Journal = db.Journal()
		logger.InfoContext(ctx, "journal ready",
			slog.String("backend", "sqlite"),
			slog.String("path", cfg.SQLite.Path),
		)
	} else {
		logger.WarnContext(ctx, "no journal configured; positions and trades are kept in memory only")
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			StreamMax:  cfg.Redis.StreamMax,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, quoteTTL)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Ping: redisClient.Ping})
	}

	// --- S3 trade archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Ping: s3Client.Health})

		if deps.Journal.Trades != nil {
			deps.Archiver = s3blob.NewTradeArchiver(
				s3blob.NewWriter(s3Client),
				s3blob.NewReader(s3Client),
				deps.Journal.Trades,
				deps.Journal.Audit,
				cfg.InstanceID,
				logger,
			)
		} else {
			logger.WarnContext(ctx, "s3 enabled without a journal; trade archiving disabled")
		}
	}

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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.InstanceID, logger)

	return deps, cleanup, nil
}
