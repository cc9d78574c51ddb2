package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/store"
)

var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore persists OAuth sessions. The refresh_token column holds
// ciphertext; encryption happens in the token manager before rows get here.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) UpsertSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_sessions (id, account_email, refresh_token, expires_at, scopes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at    = EXCLUDED.expires_at,
		   scopes        = EXCLUDED.scopes,
		   updated_at    = NOW()`,
		sess.ID, sess.AccountEmail, sess.RefreshToken, sess.ExpiresAt, pq.Array(sess.Scopes),
	)
	return err
}

func (s *SessionStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_email, refresh_token, expires_at, scopes, created_at, updated_at
		 FROM oauth_sessions ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(
			&sess.ID, &sess.AccountEmail, &sess.RefreshToken,
			&sess.ExpiresAt, pq.Array(&sess.Scopes), &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE id = $1`, id)
	return err
}
