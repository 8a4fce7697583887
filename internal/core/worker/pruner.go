package worker

import (
	"context"
	"log/slog"
	"time"
)

// FinishedPageStore deletes terminal pages older than a cutoff. Stored
// analyses go with them.
type FinishedPageStore interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes old finished pages based on retention policy.
type Pruner struct {
	retention time.Duration
	pages     FinishedPageStore
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. A retention of 0 disables it.
func NewPruner(retention time.Duration, pages FinishedPageStore, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		pages:     pages,
		log:       log,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Calculate check interval (e.g., 10% of retention period, but max 1 hour)
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := time.Now().Add(-p.retention)

	n, err := p.pages.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		p.log.Error("failed to prune finished pages", "error", err)
		return
	}
	if n > 0 {
		p.log.Info("pruned finished pages", "count", n, "cutoff", cutoff)
	}
}
