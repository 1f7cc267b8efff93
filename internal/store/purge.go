package store

import (
	"context"
	"log/slog"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/expiry"
	"cercle-chat/internal/observability"
)

const purgeTimeout = 30 * time.Second

// Purger deletes ephemeral rows whose deadline is older than the retention
// window. Sessions never depend on it; expiry there is a visibility rule.
type Purger struct {
	repo      domain.MessageRepository
	clock     expiry.Clock
	retention time.Duration
	interval  time.Duration
}

// NewPurger creates a new purger
func NewPurger(repo domain.MessageRepository, clock expiry.Clock, retention, interval time.Duration) *Purger {
	return &Purger{
		repo:      repo,
		clock:     clock,
		retention: retention,
		interval:  interval,
	}
}

// Run purges once per interval until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("message purge started",
		slog.Duration("retention", p.retention),
		slog.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping message purge")
			return
		case <-ticker.C:
			p.purgeOnce(ctx)
		}
	}
}

func (p *Purger) purgeOnce(ctx context.Context) (int64, error) {
	purgeCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	cutoff := p.clock.Now().Add(-p.retention)
	count, err := p.repo.DeleteExpiredBefore(purgeCtx, cutoff)
	if err != nil {
		slog.Error("message purge failed", slog.String("error", err.Error()))
		return 0, err
	}

	observability.MessagesPurged.Add(float64(count))
	if count > 0 {
		slog.Info("message purge completed",
			slog.Int64("messages_deleted", count),
			slog.Time("cutoff", cutoff))
	}
	return count, nil
}
