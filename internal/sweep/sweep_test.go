package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/draftwire/outreach/internal/inbox"
	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/queue"
	"github.com/draftwire/outreach/internal/sheet"
)

// --- Mocks ---

type mockSessions struct {
	sessions []models.Session
}

func (m *mockSessions) Sessions() []models.Session {
	return m.sessions
}

type tokenFunc func(ctx context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

func staticTokens(sessionID string) inbox.TokenSource {
	return tokenFunc(func(context.Context) (string, error) { return "tok-" + sessionID, nil })
}

type mockInbox struct {
	mu       sync.Mutex
	messages map[string][]models.InboundMessage // keyed by token
	fail     map[string]error
	calls    int
}

func (m *mockInbox) ListSince(ctx context.Context, tokens inbox.TokenSource, _ time.Time) ([]models.InboundMessage, error) {
	tok, err := tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err, ok := m.fail[tok]; ok {
		return nil, err
	}
	return m.messages[tok], nil
}

type mockLeads struct {
	mu    sync.Mutex
	leads map[string]*models.Lead
}

func (m *mockLeads) FindByEmail(_ context.Context, email string) (*models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[email]
	if !ok {
		return nil, sheet.ErrLeadNotFound
	}
	copied := *l
	return &copied, nil
}

type mockPatcher struct {
	mu      sync.Mutex
	patches map[string]map[string]any
}

func newMockPatcher() *mockPatcher {
	return &mockPatcher{patches: make(map[string]map[string]any)}
}

func (m *mockPatcher) Patch(_ context.Context, email string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches[email] = fields
	return nil
}

func (m *mockPatcher) status(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.patches[email]
	if !ok {
		return ""
	}
	s, _ := fields["status"].(string)
	return s
}

type mockSuppressions struct {
	mu    sync.Mutex
	added map[string]string // email -> reason
}

func newMockSuppressions() *mockSuppressions {
	return &mockSuppressions{added: make(map[string]string)}
}

func (m *mockSuppressions) AddSuppression(_ context.Context, email, reason, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added[email] = reason
	return nil
}

func newTestQueue() *queue.Queue {
	return queue.New(queue.Options{
		Retry:   queue.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Spacing: time.Millisecond,
	})
}

func waitQueue(t *testing.T, q *queue.Queue) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}
}

// --- Reply sweep ---

func TestReplySweepMarksReplied(t *testing.T) {
	sessions := &mockSessions{sessions: []models.Session{{ID: "s1", AccountEmail: "me@sender.com"}}}
	inbox := &mockInbox{messages: map[string][]models.InboundMessage{
		"tok-s1": {
			{From: "Lead@Example.com", Subject: "Re: Hello"},
			{From: "stranger@elsewhere.com", Subject: "spam"},
		},
	}}
	leads := &mockLeads{leads: map[string]*models.Lead{
		"lead@example.com": {Email: "lead@example.com", Status: models.StatusSent},
	}}
	patcher := newMockPatcher()
	q := newTestQueue()

	s := NewReplySweep(sessions, staticTokens, inbox, leads, patcher, q)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitQueue(t, q)

	if got := patcher.status("lead@example.com"); got != string(models.StatusReplied) {
		t.Fatalf("lead status = %q, want Replied", got)
	}
	if len(patcher.patches) != 1 {
		t.Fatalf("patched %d leads, want 1 (unknown sender must be ignored)", len(patcher.patches))
	}
}

func TestReplySweepSkipsTerminalAndOwnAccount(t *testing.T) {
	sessions := &mockSessions{sessions: []models.Session{{ID: "s1", AccountEmail: "me@sender.com"}}}
	inbox := &mockInbox{messages: map[string][]models.InboundMessage{
		"tok-s1": {
			{From: "me@sender.com", Subject: "note to self"},
			{From: "done@example.com", Subject: "Re: Hello"},
		},
	}}
	leads := &mockLeads{leads: map[string]*models.Lead{
		"done@example.com": {Email: "done@example.com", Status: models.StatusReplied},
	}}
	patcher := newMockPatcher()
	q := newTestQueue()

	s := NewReplySweep(sessions, staticTokens, inbox, leads, patcher, q)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitQueue(t, q)

	if len(patcher.patches) != 0 {
		t.Fatalf("patched %v, want nothing", patcher.patches)
	}
}

func TestReplySweepIsolatesSessionFailures(t *testing.T) {
	sessions := &mockSessions{sessions: []models.Session{
		{ID: "broken", AccountEmail: "broken@sender.com"},
		{ID: "ok", AccountEmail: "ok@sender.com"},
	}}
	inbox := &mockInbox{
		fail: map[string]error{"tok-broken": errors.New("status 500")},
		messages: map[string][]models.InboundMessage{
			"tok-ok": {{From: "lead@example.com", Subject: "Re: Hello"}},
		},
	}
	leads := &mockLeads{leads: map[string]*models.Lead{
		"lead@example.com": {Email: "lead@example.com", Status: models.StatusSent},
	}}
	patcher := newMockPatcher()
	q := newTestQueue()

	s := NewReplySweep(sessions, staticTokens, inbox, leads, patcher, q)
	err := s.Run(context.Background())
	waitQueue(t, q)

	if err == nil {
		t.Fatal("want aggregate error for the broken session")
	}
	if got := patcher.status("lead@example.com"); got != string(models.StatusReplied) {
		t.Fatalf("healthy session did not process: status = %q", got)
	}
}

// --- Bounce sweep ---

func TestBounceSweepMarksBouncedAndSuppressesHard(t *testing.T) {
	sessions := &mockSessions{sessions: []models.Session{{ID: "s1", AccountEmail: "me@sender.com"}}}
	inbox := &mockInbox{messages: map[string][]models.InboundMessage{
		"tok-s1": {
			{
				From:     "mailer-daemon@mx.example.com",
				Subject:  "Undelivered Mail Returned to Sender",
				TextBody: "Your message to <gone@example.com> was rejected: 550 mailbox unavailable",
			},
			{From: "friend@example.com", Subject: "lunch?"},
		},
	}}
	patcher := newMockPatcher()
	suppressions := newMockSuppressions()
	q := newTestQueue()

	s := NewBounceSweep(sessions, staticTokens, inbox, patcher, q, suppressions)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitQueue(t, q)

	if got := patcher.status("gone@example.com"); got != string(models.StatusBounced) {
		t.Fatalf("status = %q, want Bounced", got)
	}
	if reason, ok := suppressions.added["gone@example.com"]; !ok {
		t.Fatal("hard bounce not suppressed")
	} else if reason != "Mailbox unavailable" {
		t.Fatalf("suppression reason = %q", reason)
	}
	if len(patcher.patches) != 1 {
		t.Fatalf("patched %d leads, want 1 (ordinary mail must be ignored)", len(patcher.patches))
	}
}

func TestBounceSweepSoftBounceNotSuppressed(t *testing.T) {
	sessions := &mockSessions{sessions: []models.Session{{ID: "s1", AccountEmail: "me@sender.com"}}}
	inbox := &mockInbox{messages: map[string][]models.InboundMessage{
		"tok-s1": {
			{
				From:     "postmaster@mx.example.com",
				Subject:  "Mail delivery failed",
				TextBody: "Delivery to <full@example.com> failed: mailbox is full",
			},
		},
	}}
	patcher := newMockPatcher()
	suppressions := newMockSuppressions()
	q := newTestQueue()

	s := NewBounceSweep(sessions, staticTokens, inbox, patcher, q, suppressions)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitQueue(t, q)

	if got := patcher.status("full@example.com"); got != string(models.StatusBounced) {
		t.Fatalf("status = %q, want Bounced", got)
	}
	if len(suppressions.added) != 0 {
		t.Fatalf("soft bounce suppressed: %v", suppressions.added)
	}
}

func TestBounceSweepIsolatesSessionFailures(t *testing.T) {
	sessions := &mockSessions{sessions: []models.Session{
		{ID: "broken", AccountEmail: "broken@sender.com"},
		{ID: "ok", AccountEmail: "ok@sender.com"},
	}}
	inbox := &mockInbox{
		fail: map[string]error{"tok-broken": errors.New("status 500")},
		messages: map[string][]models.InboundMessage{
			"tok-ok": {{
				From:     "mailer-daemon@mx.example.com",
				Subject:  "Undeliverable",
				TextBody: "Your message to <gone@example.com> was rejected: 550 5.1.1 unknown user",
			}},
		},
	}
	patcher := newMockPatcher()
	q := newTestQueue()

	s := NewBounceSweep(sessions, staticTokens, inbox, patcher, q, newMockSuppressions())
	err := s.Run(context.Background())
	waitQueue(t, q)

	if err == nil {
		t.Fatal("want aggregate error for the broken session")
	}
	if got := patcher.status("gone@example.com"); got != string(models.StatusBounced) {
		t.Fatalf("healthy session did not process: status = %q", got)
	}
}
