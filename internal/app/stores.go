// Package app wires configuration into the stores and services shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/config"
	"oncopurpose.org/internal/obs"
	"oncopurpose.org/internal/quota"
	"oncopurpose.org/internal/ratelimit"
)

// Stores holds the backing stores selected by configuration. Without a DSN principals
// live in memory; without a Redis URL revocations and quota counters do too, which only
// suits a single development instance.
type Stores struct {
	DB          *sql.DB
	Redis       redis.UniversalClient
	Credentials auth.CredentialStore
	Revocations auth.RevocationStore
	Ledger      quota.Ledger
}

// Open connects the configured stores and verifies they answer.
func Open(ctx context.Context, cfg config.Config) (*Stores, error) {
	s := &Stores{}
	if cfg.PGDSN != "" {
		db, err := sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping db: %w", err)
		}
		s.DB = db
		s.Credentials = auth.NewPGStore(db)
	} else {
		obs.Warn("store_fallback", map[string]any{"store": "credentials", "backend": "memory"})
		s.Credentials = auth.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.Redis = client
		s.Revocations = auth.NewRedisRevocationStore(client)
		s.Ledger = quota.NewRedisLedger(client)
	} else {
		obs.Warn("store_fallback", map[string]any{"store": "revocations,quota", "backend": "memory"})
		s.Revocations = auth.NewMemoryRevocationStore()
		s.Ledger = quota.NewMemoryLedger(nil)
	}
	return s, nil
}

// Close releases every open connection.
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

// Services bundles the services built on top of Stores.
type Services struct {
	Tokens   *auth.TokenService
	Accounts *auth.Service
	Limiter  *ratelimit.Limiter
}

// Build constructs the token service, account service and limiter.
func (s *Stores) Build(cfg config.Config) (*Services, error) {
	tokens, err := auth.NewTokenService(cfg.AuthSecret, s.Revocations, s.Credentials,
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}
	accounts, err := auth.NewService(s.Credentials, tokens, auth.WithBcryptCost(cfg.BcryptCost))
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(s.Ledger,
		ratelimit.WithPolicies(cfg.Policies),
		ratelimit.WithTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}
	return &Services{Tokens: tokens, Accounts: accounts, Limiter: limiter}, nil
}
