package device

import (
	"context"
	"time"
)

// Logger is the logging surface the pruner needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// RunPruner deletes history older than retention every interval until ctx
// is cancelled. It prunes once immediately. A non-positive retention
// returns at once.
func RunPruner(ctx context.Context, h SnapshotHistory, retention, interval time.Duration, logger Logger) {
	if retention <= 0 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = noopLogger{}
	}

	prune := func() {
		n, err := h.PruneHistory(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("snapshot history prune failed", "error", err)
		case n > 0:
			logger.Info("pruned snapshot history", "deleted", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
