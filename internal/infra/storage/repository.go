package storage

import (
	"context"
	"errors"

	"github.com/quizpix/scanworker/internal/core/domain"
)

var (
	// ErrImageNotFound is returned when a page's image reference resolves
	// to nothing.
	ErrImageNotFound = errors.New("image not found")
)

// PageRepository is the work source: it hands out batches of pending pages
// and records their terminal state.
type PageRepository interface {
	// FetchPending claims up to limit pending pages and moves them to
	// processing. An empty result is not an error.
	FetchPending(ctx context.Context, limit int) ([]*domain.ScanPage, error)

	// MarkDone records a successfully persisted page.
	MarkDone(ctx context.Context, id string) error

	// MarkFailed records a terminal failure.
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// Requeue returns a processing page to pending for a later round.
	Requeue(ctx context.Context, id string, errMsg string) error

	// CountPending returns the backlog size.
	CountPending(ctx context.Context) (int, error)
}

// ImageRepository resolves a page's payload reference to raw bytes plus a
// media-type tag. The pipeline never decodes images.
type ImageRepository interface {
	Get(ctx context.Context, ref string) (data []byte, mediaType string, err error)
}

// AnalysisRepository is the result sink.
type AnalysisRepository interface {
	// Save upserts the analysis keyed by page id.
	Save(ctx context.Context, a *domain.Analysis) error

	// GetByPage retrieves a stored analysis, nil when absent.
	GetByPage(ctx context.Context, pageID string) (*domain.Analysis, error)
}
