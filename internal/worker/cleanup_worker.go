package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/tenantguard/internal/observability/metrics"
)

// Pruner drops expired entries and reports how many went.
type Pruner interface {
	Prune() int
}

// CleanupWorker periodically prunes expired token revocations
type CleanupWorker struct {
	pruner   Pruner
	logger   *slog.Logger
	interval time.Duration
}

// NewCleanupWorker creates a new cleanup worker
func NewCleanupWorker(pruner Pruner, logger *slog.Logger, interval time.Duration) *CleanupWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CleanupWorker{
		pruner:   pruner,
		logger:   logger,
		interval: interval,
	}
}

// Start runs until ctx is done. It always returns nil so it can sit in an
// errgroup next to the HTTP server.
func (w *CleanupWorker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("cleanup worker started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopped")
			return nil
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce performs a single pruning pass.
func (w *CleanupWorker) RunOnce() int {
	n := w.pruner.Prune()
	metrics.ObserveRevocationsPruned(n)
	if n > 0 {
		w.logger.Debug("pruned expired revocations", slog.Int("count", n))
	}
	return n
}
