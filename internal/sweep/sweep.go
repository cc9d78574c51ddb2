// Package sweep holds the periodic jobs that walk every active session's
// inbox: reply detection and bounce detection. Sessions are processed
// independently; one account's failure never blocks the others.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/draftwire/outreach/internal/inbox"
	"github.com/draftwire/outreach/internal/models"
)

// SessionSource lists the active sessions to sweep.
type SessionSource interface {
	Sessions() []models.Session
}

// TokenBinder produces a token source bound to a session, backed by the
// token manager.
type TokenBinder func(sessionID string) inbox.TokenSource

// Inbox lists an account's recent inbound mail.
type Inbox interface {
	ListSince(ctx context.Context, tokens inbox.TokenSource, since time.Time) ([]models.InboundMessage, error)
}

// LeadReader finds the lead a message's sender corresponds to.
type LeadReader interface {
	FindByEmail(ctx context.Context, email string) (*models.Lead, error)
}

// Result aggregates one sweep over all sessions.
type Result struct {
	Sessions int
	Matched  int
	Errors   map[string]string
}

func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d sessions failed", len(r.Errors), r.Sessions)
}

// forEachSession runs fn per session, isolating failures.
func forEachSession(ctx context.Context, sessions SessionSource, name string, fn func(ctx context.Context, sess models.Session) (int, error)) Result {
	result := Result{Errors: make(map[string]string)}
	for _, sess := range sessions.Sessions() {
		result.Sessions++
		matched, err := fn(ctx, sess)
		if err != nil {
			slog.Error("session sweep failed", "sweep", name, "session_id", sess.ID, "error", err)
			result.Errors[sess.ID] = err.Error()
			continue
		}
		result.Matched += matched
	}
	slog.Info("sweep complete", "sweep", name, "sessions", result.Sessions, "matched", result.Matched, "failed", len(result.Errors))
	return result
}
