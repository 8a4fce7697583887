package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quizpix/scanworker/internal/infra/ai/keypool"
	"github.com/quizpix/scanworker/internal/infra/storage"
)

// Pinger reports whether a backing connection is alive.
type Pinger interface {
	Health(ctx context.Context) error
}

// Backlog thresholds for the pending page queue.
const (
	backlogDegraded = 500
	backlogCritical = 5000
)

// Monitor aggregates health status from the pipeline's dependencies.
type Monitor struct {
	db         Pinger // nil in DB-less mode
	cache      Pinger // nil when stats shipping is disabled
	pages      storage.PageRepository
	keys       *keypool.Pool
	lastCheck  time.Time
	lastReport map[string]ComponentHealth
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. db and cache may be nil when the
// corresponding backend is not configured.
func NewMonitor(db, cache Pinger, pages storage.PageRepository, keys *keypool.Pool) *Monitor {
	return &Monitor{
		db:         db,
		cache:      cache,
		pages:      pages,
		keys:       keys,
		lastReport: make(map[string]ComponentHealth),
	}
}

// CheckHealth performs a health check over all configured components.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks (max once per 10s) to avoid hammering the backends
	if time.Since(m.lastCheck) < 10*time.Second && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]ComponentHealth)

	if m.db != nil {
		h := ComponentHealth{Component: "database", Status: StatusHealthy}
		// The database holds the work queue; losing it stalls the pipeline.
		if err := m.db.Health(ctx); err != nil {
			h.Status = StatusCritical
			h.Detail = err.Error()
		}
		report["database"] = h
	}

	if m.cache != nil {
		h := ComponentHealth{Component: "redis", Status: StatusHealthy}
		// Stats shipping is best-effort, so a dead Redis only degrades.
		if err := m.cache.Health(ctx); err != nil {
			h.Status = StatusDegraded
			h.Detail = err.Error()
		}
		report["redis"] = h
	}

	if m.pages != nil {
		h := ComponentHealth{Component: "queue", Status: StatusHealthy}
		pending, err := m.pages.CountPending(ctx)
		if err != nil {
			h.Status = StatusDegraded
			h.Detail = err.Error()
		} else {
			h.Pending = pending
			if pending > backlogCritical {
				h.Status = StatusCritical
				h.Detail = "pending backlog is growing faster than it drains"
			} else if pending > backlogDegraded {
				h.Status = StatusDegraded
			}
		}
		report["queue"] = h
	}

	if m.keys != nil {
		report["keys"] = ComponentHealth{
			Component: "keys",
			Status:    StatusHealthy,
			Detail:    fmt.Sprintf("%d keys in rotation", m.keys.Len()),
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
