package store

import (
	"context"

	"github.com/draftwire/outreach/internal/models"
)

// SessionStore persists OAuth sessions so background jobs survive restarts.
// Writes are best effort: callers fire-and-forget and the in-memory state
// stays authoritative for the process lifetime.
type SessionStore interface {
	UpsertSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context) ([]models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// SuppressionStore holds the local do-not-contact list.
type SuppressionStore interface {
	AddSuppression(ctx context.Context, email, reason, source string) error
	IsSuppressed(ctx context.Context, email string) (bool, error)
	ListSuppressions(ctx context.Context, limit, offset int) ([]models.Suppression, error)
}
