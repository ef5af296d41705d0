package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/tenantguard/internal/security/auth"
	"github.com/aryan0dhankhar/tenantguard/pkg/cache"
)

type countingPruner struct{ calls atomic.Int32 }

func (p *countingPruner) Prune() int {
	p.calls.Add(1)
	return 1
}

func TestRunOncePrunesExpiredRevocations(t *testing.T) {
	c := cache.New()
	revocations := auth.NewMemoryRevocations(c)
	ctx := context.Background()

	require.NoError(t, revocations.Revoke(ctx, "short", time.Now().Add(20*time.Millisecond)))
	require.NoError(t, revocations.Revoke(ctx, "long", time.Now().Add(time.Hour)))
	time.Sleep(40 * time.Millisecond)

	w := NewCleanupWorker(revocations, nil, time.Minute)
	require.Equal(t, 1, w.RunOnce())
	require.Equal(t, 1, c.Len())

	revoked, err := revocations.IsRevoked(ctx, "long")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestStartStopsWithContext(t *testing.T) {
	p := &countingPruner{}
	w := NewCleanupWorker(p, nil, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
