package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quizpix/scanworker/internal/core/domain"
	"github.com/quizpix/scanworker/internal/infra/ai"
	"github.com/quizpix/scanworker/internal/infra/storage"
	"github.com/quizpix/scanworker/internal/metrics"
)

// Config bounds one scheduler instance.
type Config struct {
	BatchSize     int
	Concurrency   int
	MaxItemRounds int // how many rounds one page may requeue before it fails
	RetryInterval time.Duration
	IdleInterval  time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	BatchSize:     20,
	Concurrency:   4,
	MaxItemRounds: 3,
	RetryInterval: 5 * time.Second,
	IdleInterval:  30 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.BatchSize > 0 {
		d.BatchSize = c.BatchSize
	}
	if c.Concurrency > 0 {
		d.Concurrency = c.Concurrency
	}
	if c.MaxItemRounds > 0 {
		d.MaxItemRounds = c.MaxItemRounds
	}
	if c.RetryInterval > 0 {
		d.RetryInterval = c.RetryInterval
	}
	if c.IdleInterval > 0 {
		d.IdleInterval = c.IdleInterval
	}
	return d
}

// Scheduler drives batches of pages to completion with bounded concurrency
// and multi-round retry. Windows of Concurrency tasks run fully
// concurrently; windows execute strictly one after another.
type Scheduler struct {
	cfg     Config
	pages   storage.PageRepository
	results storage.AnalysisRepository
	proc    Processor
	log     *slog.Logger

	round int
}

func NewScheduler(
	cfg Config,
	pages storage.PageRepository,
	results storage.AnalysisRepository,
	proc Processor,
	log *slog.Logger,
) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		pages:   pages,
		results: results,
		proc:    proc,
		log:     log,
	}
}

// Run drives rounds until ctx is cancelled. Shutdown is honored only at
// round and window boundaries; in-flight tasks always finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		"batch_size", s.cfg.BatchSize, "concurrency", s.cfg.Concurrency)

	var queue []*domain.ScanPage
	for {
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped", "rounds", s.round)
			return nil
		}

		if len(queue) == 0 {
			fetched, err := s.pages.FetchPending(ctx, s.cfg.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.log.Error("failed to fetch pending pages", "error", err)
				s.sleep(ctx, s.cfg.RetryInterval)
				continue
			}
			if backlog, err := s.pages.CountPending(ctx); err == nil {
				metrics.PagesPending.Set(float64(backlog))
			}
			if len(fetched) == 0 {
				s.log.Debug("no pending pages, idling", "wait", s.cfg.IdleInterval)
				s.sleep(ctx, s.cfg.IdleInterval)
				continue
			}
			queue = fetched
		}

		summary, retries := s.runRound(ctx, queue)
		s.round++
		metrics.RoundsTotal.Inc()
		s.log.Info("round complete",
			"round", s.round,
			"processed", summary.Processed,
			"successful", summary.Successful,
			"failed", summary.Failed,
			"retried", summary.Retried)

		queue = retries
		if len(queue) > 0 {
			s.sleep(ctx, s.cfg.RetryInterval)
		}
	}
}

// runRound partitions items into fixed windows and settles each window
// before starting the next.
func (s *Scheduler) runRound(ctx context.Context, items []*domain.ScanPage) (domain.RoundSummary, []*domain.ScanPage) {
	summary := domain.RoundSummary{Round: s.round + 1}
	var mu sync.Mutex
	var retries []*domain.ScanPage

	for start := 0; start < len(items); start += s.cfg.Concurrency {
		// Shutdown check at the window boundary only; the current window is
		// never interrupted once started.
		if ctx.Err() != nil {
			break
		}

		end := min(start+s.cfg.Concurrency, len(items))
		var wg sync.WaitGroup
		for _, page := range items[start:end] {
			wg.Add(1)
			go func(page *domain.ScanPage) {
				defer wg.Done()
				s.processPage(ctx, page, &mu, &summary, &retries)
			}(page)
		}
		wg.Wait()
	}

	return summary, retries
}

func (s *Scheduler) processPage(
	ctx context.Context,
	page *domain.ScanPage,
	mu *sync.Mutex,
	summary *domain.RoundSummary,
	retries *[]*domain.ScanPage,
) {
	analysis, outcome, err := s.proc.Process(ctx, page)

	// Terminal bookkeeping must land even when the run context died mid
	// window, or a cancelled run strands pages in processing and loses the
	// persist of tasks that finished inside the final window.
	bctx := context.WithoutCancel(ctx)

	if outcome == ai.OutcomeSuccess {
		// The AI result is not cached across rounds: a persistence failure
		// forces recomputation of the whole page next round.
		if perr := s.results.Save(bctx, analysis); perr != nil {
			outcome = ai.OutcomeRetryable
			err = fmt.Errorf("persist analysis: %w", perr)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	summary.Processed++

	switch outcome {
	case ai.OutcomeSuccess:
		if merr := s.pages.MarkDone(bctx, page.ID); merr != nil {
			s.log.Warn("failed to mark page done", "page", page.ID, "error", merr)
		}
		summary.Successful++
		metrics.PagesProcessed.WithLabelValues("done").Inc()

	case ai.OutcomeRetryable:
		page.RetryCount++
		page.LastError = err.Error()
		if page.RetryCount >= s.cfg.MaxItemRounds {
			s.log.Error("page exhausted its retry rounds", "page", page.ID, "error", err)
			if merr := s.pages.MarkFailed(bctx, page.ID, err.Error()); merr != nil {
				s.log.Warn("failed to mark page failed", "page", page.ID, "error", merr)
			}
			summary.Failed++
			metrics.PagesProcessed.WithLabelValues("failed").Inc()
			return
		}
		s.log.Warn("page requeued for next round",
			"page", page.ID, "round_retries", page.RetryCount, "error", err)
		*retries = append(*retries, page)
		summary.Retried++
		metrics.PagesProcessed.WithLabelValues("retried").Inc()

	case ai.OutcomeCancelled:
		// Recorded and dropped from this run; the page returns to pending
		// so a later run picks it up.
		s.log.Info("page processing cancelled", "page", page.ID)
		if merr := s.pages.Requeue(bctx, page.ID, "run cancelled"); merr != nil {
			s.log.Warn("failed to requeue cancelled page", "page", page.ID, "error", merr)
		}
		summary.Failed++
		metrics.PagesProcessed.WithLabelValues("cancelled").Inc()

	default: // ai.OutcomeFatal
		s.log.Error("page failed permanently", "page", page.ID, "error", err)
		if merr := s.pages.MarkFailed(bctx, page.ID, err.Error()); merr != nil {
			s.log.Warn("failed to mark page failed", "page", page.ID, "error", merr)
		}
		summary.Failed++
		metrics.PagesProcessed.WithLabelValues("failed").Inc()
	}
}

// sleep waits d or until ctx is done; it reports whether the full wait
// elapsed.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
