package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/tenantguard/internal/infrastructure/redis"
	"github.com/aryan0dhankhar/tenantguard/internal/reliability/circuitbreaker"
	"github.com/aryan0dhankhar/tenantguard/pkg/cache"
)

// ErrRevocationUnavailable is returned while the backing store is failing.
// Callers treat it as "revoked".
var ErrRevocationUnavailable = errors.New("revocation store unavailable")

// RevocationStore remembers logged-out token ids until they expire.
//
// Consume revokes tokenID only if it is not revoked yet and reports whether
// this call did it. Single-use tokens are claimed with it so that concurrent
// redemptions see exactly one winner. Release undoes a claim whose use failed.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Consume(ctx context.Context, tokenID string, until time.Time) (bool, error)
	Release(ctx context.Context, tokenID string) error
}

// MemoryRevocations keeps revoked ids in process.
type MemoryRevocations struct {
	cache *cache.Cache
}

func NewMemoryRevocations(c *cache.Cache) *MemoryRevocations {
	if c == nil {
		c = cache.New()
	}
	return &MemoryRevocations{cache: c}
}

func (m *MemoryRevocations) Revoke(_ context.Context, tokenID string, until time.Time) error {
	m.cache.Add(tokenID, until)
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	return m.cache.Has(tokenID), nil
}

func (m *MemoryRevocations) Consume(_ context.Context, tokenID string, until time.Time) (bool, error) {
	return m.cache.AddIfAbsent(tokenID, until), nil
}

func (m *MemoryRevocations) Release(_ context.Context, tokenID string) error {
	m.cache.Delete(tokenID)
	return nil
}

// Prune drops entries whose tokens have expired anyway.
func (m *MemoryRevocations) Prune() int {
	return m.cache.Prune()
}

// RedisRevocations shares revocations across instances. A tripped breaker
// short-circuits lookups with ErrRevocationUnavailable.
type RedisRevocations struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewRedisRevocations(client *redis.Client, breaker *circuitbreaker.CircuitBreaker, logger *slog.Logger) *RedisRevocations {
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(5, 2, 30*time.Second)
	}
	return &RedisRevocations{client: client, breaker: breaker, logger: logger}
}

func (r *RedisRevocations) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	err := r.breaker.Execute(func() error {
		return r.client.Mark(ctx, redis.Key("revoked", tokenID), ttl)
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			r.logger.Error("failed to store revocation", slog.String("error", err.Error()))
		}
		return ErrRevocationUnavailable
	}
	return nil
}

// IsRevoked fails closed: while Redis is unreachable every token counts as
// revoked.
func (r *RedisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := r.breaker.Execute(func() error {
		var err error
		revoked, err = r.client.Exists(ctx, redis.Key("revoked", tokenID))
		return err
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			r.logger.Error("failed to check revocation", slog.String("error", err.Error()))
		}
		return true, ErrRevocationUnavailable
	}
	return revoked, nil
}

// Consume fails closed like IsRevoked: an unreachable Redis claims nothing.
func (r *RedisRevocations) Consume(ctx context.Context, tokenID string, until time.Time) (bool, error) {
	ttl := time.Until(until)
	if ttl <= 0 {
		return false, nil
	}
	var claimed bool
	err := r.breaker.Execute(func() error {
		var err error
		claimed, err = r.client.MarkIfAbsent(ctx, redis.Key("revoked", tokenID), ttl)
		return err
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			r.logger.Error("failed to consume token", slog.String("error", err.Error()))
		}
		return false, ErrRevocationUnavailable
	}
	return claimed, nil
}

func (r *RedisRevocations) Release(ctx context.Context, tokenID string) error {
	err := r.breaker.Execute(func() error {
		return r.client.Delete(ctx, redis.Key("revoked", tokenID))
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			r.logger.Error("failed to release token", slog.String("error", err.Error()))
		}
		return ErrRevocationUnavailable
	}
	return nil
}
