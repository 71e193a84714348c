// ABOUTME: Background pruning of idle sessions
// ABOUTME: Deletes sessions untouched for longer than database.session_ttl

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// janitor prunes idle sessions on a fixed interval.
type janitor struct {
	store    store.Store
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func newJanitor(s store.Store, ttl, interval time.Duration, logger *slog.Logger) *janitor {
	return &janitor{
		store:    s,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "janitor"),
	}
}

// run prunes until ctx is cancelled.
func (j *janitor) run(ctx context.Context) {
	j.logger.Info("session pruning enabled", "ttl", j.ttl, "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.prune(ctx)
		}
	}
}

func (j *janitor) prune(ctx context.Context) int {
	n, err := j.store.Prune(ctx, j.now().Add(-j.ttl))
	if err != nil {
		j.logger.Error("pruning sessions failed", "error", err)
		return 0
	}
	if n > 0 {
		j.logger.Info("pruned idle sessions", "count", n)
	}
	return n
}
