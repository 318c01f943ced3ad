package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/download_manager/internal/logctx"
)

// Pruner drops finished downloads from the store.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// PruneExpired removes completed downloads older than keepDuration.
func PruneExpired(ctx context.Context, p Pruner, keepDuration time.Duration, now time.Time) error {
	logger := logctx.LoggerFromContext(ctx)

	pruned, err := p.Prune(ctx, now.Add(-keepDuration))
	if err != nil {
		logger.Error("Failed to prune expired downloads", "err", err)

		return err
	}

	if pruned > 0 {
		logger.Info("Pruned expired downloads", "count", pruned, "retention", keepDuration.String())
	}

	return nil
}

// Run prunes on every tick of interval until ctx is done.
func Run(ctx context.Context, p Pruner, interval, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case now := <-ticker.C:
			_ = PruneExpired(ctx, p, keepDuration, now)
		}
	}
}
