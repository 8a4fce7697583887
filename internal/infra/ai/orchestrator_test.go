package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quizpix/scanworker/internal/core/domain"
	"github.com/quizpix/scanworker/internal/infra/ai/keypool"
	"github.com/quizpix/scanworker/internal/infra/ai/stream"
)

// fakeCaller scripts per-attempt behavior and records when each attempt
// started.
type fakeCaller struct {
	mu    sync.Mutex
	calls int
	times []time.Time
	fn    func(call int, key string) (*stream.Response, error)
}

func (f *fakeCaller) Generate(ctx context.Context, key string, req Request) (*stream.Response, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.times = append(f.times, time.Now())
	f.mu.Unlock()
	return f.fn(n, key)
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCaller) attemptGaps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	gaps := make([]time.Duration, 0, len(f.times))
	for i := 1; i < len(f.times); i++ {
		gaps = append(gaps, f.times[i].Sub(f.times[i-1]))
	}
	return gaps
}

type captureStats struct {
	mu      sync.Mutex
	records []domain.Attempt
}

func (s *captureStats) Record(_ context.Context, a domain.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, a)
}

func fastPool(t *testing.T) *keypool.Pool {
	t.Helper()
	p, err := keypool.New([]string{"key-a", "key-b"}, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("keypool.New failed: %v", err)
	}
	return p
}

func fastConfig(maxAttempts int) RetryConfig {
	return RetryConfig{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	caller := &fakeCaller{fn: func(int, string) (*stream.Response, error) {
		return &stream.Response{Text: "ok", FinishReason: "STOP"}, nil
	}}
	stats := &captureStats{}
	o := NewOrchestrator(caller, fastPool(t), stats, fastConfig(3), nil)

	res := o.Do(context.Background(), "page-1", Request{Model: "test-model"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success (err: %v)", res.Outcome, res.Err)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if len(stats.records) != 1 || !stats.records[0].Success {
		t.Errorf("expected one successful attempt record, got %+v", stats.records)
	}
}

func TestDo_FatalSurfacesImmediately(t *testing.T) {
	caller := &fakeCaller{fn: func(int, string) (*stream.Response, error) {
		return nil, &ValidationError{Msg: "payload unreadable"}
	}}
	o := NewOrchestrator(caller, fastPool(t), nil, fastConfig(3), nil)

	res := o.Do(context.Background(), "page-1", Request{Model: "test-model"})
	if res.Outcome != OutcomeFatal {
		t.Fatalf("outcome = %v, want fatal", res.Outcome)
	}
	if caller.callCount() != 1 {
		t.Errorf("caller invoked %d times, want 1", caller.callCount())
	}
}

func TestDo_RateLimitedExhaustsBudget(t *testing.T) {
	caller := &fakeCaller{fn: func(int, string) (*stream.Response, error) {
		return nil, &StatusError{Code: 429, Message: "quota"}
	}}
	stats := &captureStats{}
	o := NewOrchestrator(caller, fastPool(t), stats, fastConfig(3), nil)

	res := o.Do(context.Background(), "page-1", Request{Model: "test-model"})
	if res.Outcome != OutcomeRetryable {
		t.Fatalf("outcome = %v, want retryable", res.Outcome)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", res.Attempts)
	}
	if caller.callCount() != 3 {
		t.Errorf("caller invoked %d times, want 3", caller.callCount())
	}
	if !strings.Contains(res.Err.Error(), "3 attempts") {
		t.Errorf("terminal error should embed attempt count, got %v", res.Err)
	}
	if len(stats.records) != 3 {
		t.Errorf("expected 3 attempt records, got %d", len(stats.records))
	}
}

func TestDo_RateLimitedWaitsGrow(t *testing.T) {
	// Single key so every attempt sees the same doubling delay; the
	// rate-limit extra backoff doubles on top of it, so each inter-attempt
	// wait must exceed the one before.
	pool, err := keypool.New([]string{"only-key"}, 20*time.Millisecond, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("keypool.New failed: %v", err)
	}
	caller := &fakeCaller{fn: func(int, string) (*stream.Response, error) {
		return nil, &StatusError{Code: 429, Message: "quota"}
	}}
	o := NewOrchestrator(caller, pool, nil,
		RetryConfig{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}, nil)

	res := o.Do(context.Background(), "page-1", Request{Model: "m"})
	if res.Outcome != OutcomeRetryable {
		t.Fatalf("outcome = %v, want retryable", res.Outcome)
	}

	gaps := caller.attemptGaps()
	if len(gaps) != 2 {
		t.Fatalf("got %d inter-attempt gaps, want 2", len(gaps))
	}
	// Attempt 2 waits key delay 40ms + backoff 40ms; attempt 3 waits 80ms
	// + 80ms. Bound loosely against scheduler jitter.
	if gaps[0] < 60*time.Millisecond {
		t.Errorf("first wait = %v, want at least 60ms", gaps[0])
	}
	if gaps[1] <= gaps[0] {
		t.Errorf("waits did not grow: %v then %v", gaps[0], gaps[1])
	}
}

func TestDo_TransientThenSuccess(t *testing.T) {
	pool := fastPool(t)
	caller := &fakeCaller{fn: func(call int, _ string) (*stream.Response, error) {
		if call == 1 {
			return nil, &StatusError{Code: 503, Message: "overloaded"}
		}
		return &stream.Response{Text: "ok"}, nil
	}}
	o := NewOrchestrator(caller, pool, nil, fastConfig(3), nil)

	res := o.Do(context.Background(), "page-1", Request{Model: "test-model"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success (err: %v)", res.Outcome, res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
}

func TestDo_SuccessResetsKeyDelay(t *testing.T) {
	pool, err := keypool.New([]string{"only-key"}, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("keypool.New failed: %v", err)
	}
	pool.IncreaseDelay("only-key")
	pool.IncreaseDelay("only-key")

	caller := &fakeCaller{fn: func(int, string) (*stream.Response, error) {
		return &stream.Response{Text: "ok"}, nil
	}}
	o := NewOrchestrator(caller, pool, nil, fastConfig(3), nil)

	if res := o.Do(context.Background(), "page-1", Request{Model: "m"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", res.Outcome)
	}
	if got := pool.Delay("only-key"); got != time.Millisecond {
		t.Errorf("delay after success = %v, want initial 1ms", got)
	}
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	caller := &fakeCaller{fn: func(int, string) (*stream.Response, error) {
		t.Error("caller must not run after cancellation")
		return nil, nil
	}}
	o := NewOrchestrator(caller, fastPool(t), nil, fastConfig(3), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Do(ctx, "page-1", Request{Model: "m"})
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", res.Outcome)
	}
	if res.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", res.Attempts)
	}
}

func TestDo_CancelDuringBackoffWait(t *testing.T) {
	// Large backoff so the only fast exit is losing the wait race.
	pool, err := keypool.New([]string{"only-key"}, 30*time.Second, time.Minute)
	if err != nil {
		t.Fatalf("keypool.New failed: %v", err)
	}
	caller := &fakeCaller{fn: func(int, string) (*stream.Response, error) {
		return nil, &StatusError{Code: 429, Message: "quota"}
	}}
	o := NewOrchestrator(caller, pool, nil,
		RetryConfig{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := o.Do(ctx, "page-1", Request{Model: "m"})
	elapsed := time.Since(start)

	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", res.Outcome)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.Err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, should beat the pending 30s wait", elapsed)
	}
	if caller.callCount() != 1 {
		t.Errorf("caller invoked %d times after cancel, want 1", caller.callCount())
	}
}

func TestExpBackoff(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := expBackoff(i+1, cfg); got != w {
			t.Errorf("expBackoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
