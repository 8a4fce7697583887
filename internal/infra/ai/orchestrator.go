package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quizpix/scanworker/internal/core/domain"
	"github.com/quizpix/scanworker/internal/infra/ai/keypool"
	"github.com/quizpix/scanworker/internal/infra/ai/stream"
	"github.com/quizpix/scanworker/internal/metrics"
)

// StatsSink receives per-attempt outcomes. Implementations must be
// best-effort: a failed or slow write never affects pipeline correctness.
type StatsSink interface {
	Record(ctx context.Context, attempt domain.Attempt)
}

// NoopStats discards every record.
type NoopStats struct{}

func (NoopStats) Record(context.Context, domain.Attempt) {}

// RetryConfig bounds one logical call. Detection and analysis calls carry
// independent configs.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    60 * time.Second,
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig
	if c.MaxAttempts > 0 {
		d.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		d.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		d.MaxDelay = c.MaxDelay
	}
	return d
}

// Outcome is the terminal state of one orchestrated call.
type Outcome int

const (
	OutcomeSuccess   Outcome = iota
	OutcomeRetryable         // budget exhausted on a transient cause; the item may requeue
	OutcomeFatal
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is what one orchestrated call resolves to.
type Result struct {
	Response *stream.Response
	Outcome  Outcome
	Attempts int
	Err      error
}

// Orchestrator makes one logical call reliable: credential selection,
// cancellable backoff waits, error classification, and a bounded retry
// budget around a single Caller.
type Orchestrator struct {
	caller Caller
	keys   *keypool.Pool
	stats  StatsSink
	cfg    RetryConfig
	log    *slog.Logger
}

func NewOrchestrator(caller Caller, keys *keypool.Pool, stats StatsSink, cfg RetryConfig, log *slog.Logger) *Orchestrator {
	if stats == nil {
		stats = NoopStats{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		caller: caller,
		keys:   keys,
		stats:  stats,
		cfg:    cfg.withDefaults(),
		log:    log,
	}
}

// Do runs one work item through the endpoint until success, a fatal
// condition, cancellation, or budget exhaustion.
func (o *Orchestrator) Do(ctx context.Context, pageID string, req Request) Result {
	var lastErr error
	lastKind := KindFatal

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		// Cancellation observed before an attempt does not consume a slot.
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeCancelled, Attempts: attempt - 1, Err: err}
		}

		key := o.keys.Next()

		if attempt > 1 {
			wait := o.keys.Delay(key)
			if lastKind == KindRateLimited {
				wait += expBackoff(attempt-1, o.cfg)
			}
			o.log.Debug("waiting before retry",
				"page", pageID, "attempt", attempt, "key", keypool.Mask(key), "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return Result{Outcome: OutcomeCancelled, Attempts: attempt - 1, Err: err}
			}
		}

		start := time.Now()
		resp, err := o.caller.Generate(ctx, key, req)
		elapsed := time.Since(start)
		metrics.AttemptLatency.WithLabelValues(req.Model).Observe(elapsed.Seconds())

		if err == nil {
			o.keys.ResetDelay(key)
			o.report(ctx, pageID, key, req.Model, start, elapsed, nil)
			metrics.AttemptsTotal.WithLabelValues(req.Model, "success").Inc()
			return Result{Response: resp, Outcome: OutcomeSuccess, Attempts: attempt}
		}

		lastErr = err
		kind := Classify(err)
		o.report(ctx, pageID, key, req.Model, start, elapsed, err)
		metrics.AttemptsTotal.WithLabelValues(req.Model, kind.String()).Inc()

		switch kind {
		case KindCancelled:
			return Result{Outcome: OutcomeCancelled, Attempts: attempt, Err: err}
		case KindRateLimited, KindTransient:
			backoff := o.keys.IncreaseDelay(key)
			o.log.Warn("attempt failed",
				"page", pageID, "attempt", attempt, "key", keypool.Mask(key),
				"kind", kind.String(), "key_backoff", backoff, "error", err)
		case KindMalformed:
			o.log.Warn("attempt returned malformed payload",
				"page", pageID, "attempt", attempt, "key", keypool.Mask(key), "error", err)
		default:
			return Result{Outcome: OutcomeFatal, Attempts: attempt, Err: err}
		}
		lastKind = kind
	}

	return Result{
		Outcome:  OutcomeRetryable,
		Attempts: o.cfg.MaxAttempts,
		Err:      fmt.Errorf("gave up after %d attempts: %w", o.cfg.MaxAttempts, lastErr),
	}
}

func (o *Orchestrator) report(ctx context.Context, pageID, key, model string, start time.Time, d time.Duration, err error) {
	attempt := domain.Attempt{
		PageID:    pageID,
		KeyMask:   keypool.Mask(key),
		Model:     model,
		Success:   err == nil,
		StartedAt: start,
		Duration:  d,
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	o.stats.Record(ctx, attempt)
}

// expBackoff is min(2^retry * base, max), on top of the per-key delay.
func expBackoff(retry int, cfg RetryConfig) time.Duration {
	d := cfg.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return d
}

// sleep waits d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
