package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizpix/scanworker/internal/core/domain"
)

const (
	attemptStream = "scanworker:attempts"
	attemptMaxLen = 100_000
	writeTimeout  = 2 * time.Second
)

// StatsSink ships per-attempt outcomes to a capped Redis stream. Writes are
// best-effort: failures are logged and swallowed so they can never affect
// pipeline correctness.
type StatsSink struct {
	client *Client
	log    *slog.Logger
}

// NewStatsSink creates a stats sink over an existing client.
func NewStatsSink(client *Client, log *slog.Logger) *StatsSink {
	if log == nil {
		log = slog.Default()
	}
	return &StatsSink{client: client, log: log}
}

// Record appends one attempt to the stream.
func (s *StatsSink) Record(ctx context.Context, a domain.Attempt) {
	// Detach from the caller's cancellation: a cancelled run still gets its
	// last attempts recorded, bounded by a short timeout.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	values := map[string]any{
		"page_id":     a.PageID,
		"key_mask":    a.KeyMask,
		"model":       a.Model,
		"success":     a.Success,
		"duration_ms": a.Duration.Milliseconds(),
		"started_at":  a.StartedAt.UnixMilli(),
	}
	if a.Error != "" {
		values["error"] = a.Error
	}

	err := s.client.rdb.XAdd(wctx, &redis.XAddArgs{
		Stream: attemptStream,
		MaxLen: attemptMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		s.log.Warn("failed to record attempt stats", "page", a.PageID, "error", err)
	}
}
