package storage

import (
	"context"
	"log/slog"
	"time"
)

// Purger is implemented by backends that do not expire records on their own.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// RunJanitor calls Purge every interval until ctx is done. Failures are logged
// and the next tick tries again.
func RunJanitor(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := p.Purge(ctx)
			if err != nil {
				logger.Warn("purge failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				logger.Debug("purged expired sessions", slog.Int("removed", removed))
			}
		}
	}
}
