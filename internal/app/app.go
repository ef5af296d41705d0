// Package app assembles the store, credential and token components from
// configuration. The server and the CLI share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/tenantguard/internal/featureflags"
	"github.com/aryan0dhankhar/tenantguard/internal/reliability/retry"
	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/internal/security/password"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
	"github.com/aryan0dhankhar/tenantguard/internal/store"
	"github.com/aryan0dhankhar/tenantguard/internal/store/memory"
	"github.com/aryan0dhankhar/tenantguard/internal/store/sqlstore"
	"github.com/aryan0dhankhar/tenantguard/pkg/config"
	"github.com/aryan0dhankhar/tenantguard/pkg/database"
)

// Store is an opened backend plus whatever must be closed with it.
type Store struct {
	Backend store.Backend
	pool    *database.ConnectionPool
}

func (s *Store) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// OpenStore connects to the configured backend and applies migrations.
// The dial is retried; a database that is still starting is common in
// container deployments.
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Store, error) {
	var dbCfg *database.Config
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		return &Store{Backend: memory.New()}, nil
	case "sqlite":
		dbCfg = &database.Config{Driver: "sqlite3", DSN: "file:" + cfg.SQLitePath}
	case "postgres":
		dbCfg = &database.Config{
			Driver:          "postgres",
			DSN:             cfg.DatabaseURL,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	pool, err := retry.Do(ctx, nil, log, "database connect", func(ctx context.Context) (*database.ConnectionPool, error) {
		return database.NewConnectionPool(ctx, dbCfg, log)
	})
	if err != nil {
		return nil, err
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{Backend: sqlstore.New(pool.GetDB(), log), pool: pool}, nil
}

// Hasher builds the credential hasher from the configured Argon2id costs.
func Hasher(cfg *config.Config) *password.Hasher {
	return password.NewHasher(password.Params{
		Memory:      cfg.Argon2MemoryKiB,
		Iterations:  cfg.Argon2Iterations,
		Parallelism: cfg.Argon2Parallelism,
	})
}

func Tokens(cfg *config.Config) (*auth.TokenManager, error) {
	return auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenLifetime)
}

// IdentityConfig maps configuration onto the identity policy. Self
// registration can be switched off at runtime with FLAG_SELF_REGISTRATION.
func IdentityConfig(cfg *config.Config, loginLimiter service.Limiter) service.IdentityConfig {
	return service.IdentityConfig{
		DefaultRole: cfg.DefaultRole,
		AdminRole:   cfg.AdminRole,
		OpenTenants: cfg.RegistrationOpenTenants,
		SelfRegistration: func() bool {
			return featureflags.EnabledOr(featureflags.SelfRegistration, true)
		},
		InvitationLifetime: cfg.InvitationLifetime,
		LoginLimiter:       loginLimiter,
	}
}
