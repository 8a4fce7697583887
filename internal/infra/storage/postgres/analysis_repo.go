package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quizpix/scanworker/internal/core/domain"
)

// AnalysisRepo implements storage.AnalysisRepository using PostgreSQL.
type AnalysisRepo struct {
	db *DB
}

// NewAnalysisRepo creates a new PostgreSQL analysis repository.
func NewAnalysisRepo(db *DB) *AnalysisRepo {
	return &AnalysisRepo{db: db}
}

// Save upserts the analysis keyed by page id.
func (r *AnalysisRepo) Save(ctx context.Context, a *domain.Analysis) error {
	query := `
		INSERT INTO page_analyses (page_id, model, detection, result, finish_reason, tokens_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (page_id) DO UPDATE
		SET model = EXCLUDED.model,
		    detection = EXCLUDED.detection,
		    result = EXCLUDED.result,
		    finish_reason = EXCLUDED.finish_reason,
		    tokens_used = EXCLUDED.tokens_used,
		    created_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		a.PageID, a.Model, []byte(a.Detection), []byte(a.Result), a.FinishReason, a.TokensUsed)
	if err != nil {
		return fmt.Errorf("failed to save analysis for page %s: %w", a.PageID, err)
	}
	return nil
}

// GetByPage retrieves a stored analysis, nil when absent.
func (r *AnalysisRepo) GetByPage(ctx context.Context, pageID string) (*domain.Analysis, error) {
	var dest struct {
		PageID       string    `db:"page_id"`
		Model        string    `db:"model"`
		Detection    []byte    `db:"detection"`
		Result       []byte    `db:"result"`
		FinishReason string    `db:"finish_reason"`
		TokensUsed   int       `db:"tokens_used"`
		CreatedAt    time.Time `db:"created_at"`
	}
	query := `
		SELECT page_id, model, detection, result, finish_reason, tokens_used, created_at
		FROM page_analyses WHERE page_id = $1
	`
	err := r.db.GetContext(ctx, &dest, query, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis for page %s: %w", pageID, err)
	}
	return &domain.Analysis{
		PageID:       dest.PageID,
		Model:        dest.Model,
		Detection:    json.RawMessage(dest.Detection),
		Result:       json.RawMessage(dest.Result),
		FinishReason: dest.FinishReason,
		TokensUsed:   dest.TokensUsed,
		CreatedAt:    dest.CreatedAt,
	}, nil
}
