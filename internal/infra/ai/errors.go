package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/quizpix/scanworker/internal/infra/ai/stream"
)

// Kind classifies a failed attempt and decides the retry treatment.
type Kind int

const (
	KindRateLimited Kind = iota // 429-class, retryable with key backoff
	KindTransient               // 5xx/network, retryable with key backoff
	KindMalformed               // empty or schema-mismatched payload, retryable
	KindFatal                   // never retried
	KindCancelled               // abort observed, never retried
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the orchestrator may spend another attempt on
// this kind of failure.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient || k == KindMalformed
}

// StatusError carries the HTTP status the transport returned. It is the
// primary classification signal; message heuristics are only a fallback.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.Code, e.Message)
}

// ValidationError marks a malformed work item or request. Fatal per item,
// never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Msg
}

// ErrEmptyPayload is returned when the endpoint answered but the assembled
// response carried no text.
var ErrEmptyPayload = errors.New("model returned empty payload")

// Classify maps an attempt error onto the retry taxonomy. Structured
// signals (context errors, typed status/validation errors, net.Error) are
// checked first; the message substring heuristic is a last resort for
// transports that lose the status code.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindFatal
	}
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Code)
	}
	var ae *stream.APIError
	if errors.As(err, &ae) {
		return classifyStatus(ae.Code)
	}
	if errors.Is(err, stream.ErrEmptyStream) || errors.Is(err, ErrEmptyPayload) {
		return KindMalformed
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindTransient
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int) Kind {
	switch {
	case code == 429:
		return KindRateLimited
	case code >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

func classifyMessage(s string) Kind {
	lower := strings.ToLower(s)

	if strings.Contains(s, "429") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "quota") {
		return KindRateLimited
	}

	if strings.Contains(s, "500") || strings.Contains(s, "502") ||
		strings.Contains(s, "503") || strings.Contains(s, "504") ||
		strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "unexpected eof") {
		return KindTransient
	}

	return KindFatal
}
