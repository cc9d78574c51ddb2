package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/queue"
	"github.com/draftwire/outreach/internal/sheet"
)

// Patcher submits lead field updates.
type Patcher interface {
	Patch(ctx context.Context, email string, fields map[string]any) error
}

// ReplySweep marks leads Replied when their address shows up as the sender
// of a recent inbound message.
type ReplySweep struct {
	sessions SessionSource
	tokens   TokenBinder
	inbox    Inbox
	leads    LeadReader
	patcher  Patcher
	updates  *queue.Queue

	// Lookback bounds how far into the past each scan reaches.
	Lookback time.Duration
}

func NewReplySweep(sessions SessionSource, tokens TokenBinder, inbox Inbox, leads LeadReader, patcher Patcher, updates *queue.Queue) *ReplySweep {
	return &ReplySweep{
		sessions: sessions,
		tokens:   tokens,
		inbox:    inbox,
		leads:    leads,
		patcher:  patcher,
		updates:  updates,
		Lookback: 24 * time.Hour,
	}
}

// Run scans every session's inbox once.
func (s *ReplySweep) Run(ctx context.Context) error {
	result := forEachSession(ctx, s.sessions, "replies", s.scanSession)
	return result.Err()
}

func (s *ReplySweep) scanSession(ctx context.Context, sess models.Session) (int, error) {
	msgs, err := s.inbox.ListSince(ctx, s.tokens(sess.ID), time.Now().Add(-s.Lookback))
	if err != nil {
		return 0, fmt.Errorf("list inbox: %w", err)
	}

	matched := 0
	for _, msg := range msgs {
		sender := models.NormalizeEmail(msg.From)
		if sender == "" || sender == sess.AccountEmail {
			continue
		}

		lead, err := s.leads.FindByEmail(ctx, sender)
		if errors.Is(err, sheet.ErrLeadNotFound) {
			continue
		}
		if err != nil {
			return matched, fmt.Errorf("look up sender %s: %w", sender, err)
		}
		if lead.Status.Terminal() {
			// Already Replied, Bounced or Unsubscribed; nothing to do.
			continue
		}

		matched++
		email := lead.Email
		s.updates.Enqueue(email, func(ctx context.Context) error {
			return s.patcher.Patch(ctx, email, map[string]any{
				"status": string(models.StatusReplied),
			})
		})
	}
	return matched, nil
}
