package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/store"
)

var _ store.SuppressionStore = (*SuppressionStore)(nil)

type SuppressionStore struct {
	db *sql.DB
}

func NewSuppressionStore(db *sql.DB) *SuppressionStore {
	return &SuppressionStore{db: db}
}

func (s *SuppressionStore) AddSuppression(ctx context.Context, email, reason, source string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppressions (email, reason, source)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO NOTHING`,
		strings.ToLower(strings.TrimSpace(email)), reason, source,
	)
	return err
}

func (s *SuppressionStore) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM suppressions WHERE email = $1)`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&exists)
	return exists, err
}

func (s *SuppressionStore) ListSuppressions(ctx context.Context, limit, offset int) ([]models.Suppression, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, reason, source, created_at
		 FROM suppressions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Suppression
	for rows.Next() {
		var sup models.Suppression
		if err := rows.Scan(&sup.ID, &sup.Email, &sup.Reason, &sup.Source, &sup.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sup)
	}
	return out, rows.Err()
}
