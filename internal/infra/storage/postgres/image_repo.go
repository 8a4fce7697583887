package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quizpix/scanworker/internal/infra/storage"
)

// ImageRepo implements storage.ImageRepository using PostgreSQL.
type ImageRepo struct {
	db *DB
}

// NewImageRepo creates a new PostgreSQL image repository.
func NewImageRepo(db *DB) *ImageRepo {
	return &ImageRepo{db: db}
}

// Get resolves an image reference to raw bytes and its media type.
func (r *ImageRepo) Get(ctx context.Context, ref string) ([]byte, string, error) {
	var dest struct {
		Data     []byte `db:"data"`
		MimeType string `db:"mime_type"`
	}
	query := `SELECT data, mime_type FROM scan_images WHERE ref = $1`
	err := r.db.GetContext(ctx, &dest, query, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", storage.ErrImageNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get image %s: %w", ref, err)
	}
	return dest.Data, dest.MimeType, nil
}
