package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/draftwire/outreach/internal/bounce"
	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/queue"
)

// SuppressionWriter records addresses that must never be contacted again.
type SuppressionWriter interface {
	AddSuppression(ctx context.Context, email, reason, source string) error
}

// BounceSweep classifies recent inbound mail and marks bounced leads.
// Hard bounces additionally land on the local suppression list.
type BounceSweep struct {
	sessions     SessionSource
	tokens       TokenBinder
	inbox        Inbox
	patcher      Patcher
	updates      *queue.Queue
	suppressions SuppressionWriter

	Lookback time.Duration
}

func NewBounceSweep(sessions SessionSource, tokens TokenBinder, inbox Inbox, patcher Patcher, updates *queue.Queue, suppressions SuppressionWriter) *BounceSweep {
	return &BounceSweep{
		sessions:     sessions,
		tokens:       tokens,
		inbox:        inbox,
		patcher:      patcher,
		updates:      updates,
		suppressions: suppressions,
		Lookback:     48 * time.Hour,
	}
}

// Run scans every session's inbox once.
func (s *BounceSweep) Run(ctx context.Context) error {
	result := forEachSession(ctx, s.sessions, "bounces", s.scanSession)
	return result.Err()
}

func (s *BounceSweep) scanSession(ctx context.Context, sess models.Session) (int, error) {
	msgs, err := s.inbox.ListSince(ctx, s.tokens(sess.ID), time.Now().Add(-s.Lookback))
	if err != nil {
		return 0, fmt.Errorf("list inbox: %w", err)
	}

	matched := 0
	for _, msg := range msgs {
		record := bounce.Classify(msg)
		if record == nil {
			continue
		}

		matched++
		slog.Info("bounce detected",
			"recipient", record.OriginalRecipient,
			"type", record.Type,
			"reason", record.Reason,
		)

		email := record.OriginalRecipient
		s.updates.Enqueue(email, func(ctx context.Context) error {
			return s.patcher.Patch(ctx, email, map[string]any{
				"status": string(models.StatusBounced),
			})
		})

		if record.Type == models.BounceHard && s.suppressions != nil {
			if err := s.suppressions.AddSuppression(ctx, email, record.Reason, "bounce_sweep"); err != nil {
				slog.Error("failed to record suppression", "email", email, "error", err)
			}
		}
	}
	return matched, nil
}
