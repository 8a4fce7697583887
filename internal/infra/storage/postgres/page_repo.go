package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quizpix/scanworker/internal/core/domain"
)

// PageRepo implements storage.PageRepository using PostgreSQL.
type PageRepo struct {
	db *DB
}

// NewPageRepo creates a new PostgreSQL page repository.
func NewPageRepo(db *DB) *PageRepo {
	return &PageRepo{db: db}
}

type pageRow struct {
	ID         string    `db:"id"`
	ImageRef   string    `db:"image_ref"`
	Subject    string    `db:"subject"`
	Metadata   []byte    `db:"metadata"`
	Status     string    `db:"status"`
	RetryCount int       `db:"retry_count"`
	LastError  string    `db:"last_error"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r pageRow) toDomain() (*domain.ScanPage, error) {
	page := &domain.ScanPage{
		ID:         r.ID,
		ImageRef:   r.ImageRef,
		Subject:    r.Subject,
		Status:     domain.PageStatus(r.Status),
		RetryCount: r.RetryCount,
		LastError:  r.LastError,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &page.Metadata); err != nil {
			return nil, fmt.Errorf("decode page metadata: %w", err)
		}
	}
	return page, nil
}

// FetchPending claims up to limit pending pages. SKIP LOCKED keeps multiple
// workers from claiming the same page.
func (r *PageRepo) FetchPending(ctx context.Context, limit int) ([]*domain.ScanPage, error) {
	query := `
		UPDATE scan_pages
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scan_pages
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, image_ref, subject, metadata, status, retry_count,
		          COALESCE(last_error, '') AS last_error, created_at, updated_at
	`

	var rows []pageRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch pending pages: %w", err)
	}

	pages := make([]*domain.ScanPage, 0, len(rows))
	for _, row := range rows {
		page, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// MarkDone records a successfully persisted page.
func (r *PageRepo) MarkDone(ctx context.Context, id string) error {
	query := `UPDATE scan_pages SET status = 'done', last_error = NULL, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark page done: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure.
func (r *PageRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	query := `UPDATE scan_pages SET status = 'failed', last_error = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("failed to mark page failed: %w", err)
	}
	return nil
}

// Requeue returns a page to pending for a later round.
func (r *PageRepo) Requeue(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE scan_pages
		SET status = 'pending', retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("failed to requeue page: %w", err)
	}
	return nil
}

// CountPending returns the backlog size.
func (r *PageRepo) CountPending(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM scan_pages WHERE status = 'pending'`
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count pending pages: %w", err)
	}
	return count, nil
}

// DeleteFinishedBefore removes done and failed pages older than cutoff.
// Their analyses cascade.
func (r *PageRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM scan_pages WHERE status IN ('done', 'failed') AND updated_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished pages: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuck returns pages stuck in processing longer than age back to
// pending. Used by the admin command after a crashed run.
func (r *PageRepo) ResetStuck(ctx context.Context, age time.Duration) (int64, error) {
	query := `
		UPDATE scan_pages
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < NOW() - $1::interval
	`
	res, err := r.db.ExecContext(ctx, query, fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck pages: %w", err)
	}
	return res.RowsAffected()
}
