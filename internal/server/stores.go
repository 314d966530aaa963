package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/config"
	"github.com/mbd888/ledgersync/internal/eventstore"
	"github.com/mbd888/ledgersync/internal/payments"
	"github.com/mbd888/ledgersync/internal/reconciliation"
)

const redisDialTimeout = 5 * time.Second

// Stores bundles the storage backends selected by configuration. DB and
// Redis are nil when the in-memory fallbacks are in use.
type Stores struct {
	DB       *sql.DB
	Redis    *goredis.Client
	Payments payments.Store
	Stream   eventstore.Store
}

// OpenStores connects the relational store (PostgreSQL when DATABASE_URL is
// set) and the event stream (Redis when REDIS_URL is set). Without them the
// in-memory stores are used and nothing survives a restart.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	s := &Stores{}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.DB = db
		s.Payments = payments.NewPostgresStore(db)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.Payments = payments.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Redis = client
		s.Stream = eventstore.NewRedisStore(client, cfg.EventStream, cfg.EventStreamMaxLen)
		logger.Info("using Redis event stream", "url", maskDSN(cfg.RedisURL), "stream", cfg.EventStream)
	} else {
		s.Stream = eventstore.NewMemoryStore(int(cfg.EventStreamMaxLen))
		logger.Warn("REDIS_URL not set, using in-memory event stream")
	}

	return s, nil
}

func openRedis(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = redisDialTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Close releases the database pool and the Redis client.
func (s *Stores) Close() error {
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}

// NewLedger builds the bank ledger client from configuration.
func NewLedger(cfg *config.Config) *bank.Client {
	return bank.NewClient(bank.Config{
		BaseURL:          cfg.BankURL,
		Timeout:          cfg.BankTimeout,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	})
}

// NewEngine builds the reconciliation engine from configuration.
func NewEngine(cfg *config.Config, store payments.Store, ledger bank.Ledger, logger *slog.Logger) *reconciliation.Engine {
	return reconciliation.NewEngine(store, ledger, reconciliation.Config{
		Lookback:    cfg.ReconLookback,
		Concurrency: cfg.ReconBalanceConcurrency,
		Rate:        cfg.Rate(),
	}, logger)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
