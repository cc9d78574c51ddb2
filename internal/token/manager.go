package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/store"
)

var (
	// ErrUnauthenticated means no session exists for the given ID. The
	// account must complete the OAuth flow again.
	ErrUnauthenticated = errors.New("no session for account")

	// ErrRefreshFailed means the identity provider rejected the refresh
	// token (or none was stored). The session has been dropped.
	ErrRefreshFailed = errors.New("token refresh failed")
)

const (
	// A token is considered valid only while more than this much lifetime
	// remains; anything closer to expiry triggers a refresh.
	validityMargin = 5 * time.Minute

	// The proactive sweep refreshes sessions expiring within this window.
	refreshAhead = 15 * time.Minute
)

// Manager owns the OAuth credential state for every active session. Access
// tokens live only in memory; refresh tokens are encrypted before every
// best-effort persist. In-memory state is authoritative for the process
// lifetime.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session

	provider Provider
	store    store.SessionStore
	cipher   *Cipher
	now      func() time.Time

	// persistWG lets tests and shutdown wait for fire-and-forget saves.
	persistWG sync.WaitGroup
}

func NewManager(provider Provider, sessions store.SessionStore, cipher *Cipher) *Manager {
	return &Manager{
		sessions: make(map[string]*models.Session),
		provider: provider,
		store:    sessions,
		cipher:   cipher,
		now:      time.Now,
	}
}

// ExchangeCode completes the OAuth authorization-code flow and registers a
// new session for the account.
func (m *Manager) ExchangeCode(ctx context.Context, code, accountEmail string) (*models.Session, error) {
	tokens, err := m.provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tokens.RefreshToken == "" {
		return nil, errors.New("provider returned no refresh token; re-consent required")
	}

	now := m.now()
	sess := &models.Session{
		ID:           uuid.NewString(),
		AccountEmail: strings.ToLower(strings.TrimSpace(accountEmail)),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tokens.ExpiresIn) * time.Second),
		Scopes:       strings.Fields(tokens.Scope),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.persistAsync(sess)

	slog.Info("session created", "session_id", sess.ID, "account", sess.AccountEmail)
	return sess.Clone(), nil
}

// AccessToken returns a bearer token for the session, refreshing first if
// fewer than five minutes of validity remain.
func (m *Manager) AccessToken(ctx context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return "", ErrUnauthenticated
	}
	valid := !sess.NeedsRefresh && sess.AccessToken != "" && sess.ExpiresAt.Sub(m.now()) > validityMargin
	tok := sess.AccessToken
	m.mu.RUnlock()

	if valid {
		return tok, nil
	}
	return m.Refresh(ctx, sessionID)
}

// Refresh forces a refresh-token grant for the session. A rejection from the
// identity provider is terminal: the session is deleted and the caller must
// re-authenticate. Transient network failures are returned as-is for the
// caller's own retry logic.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	var refreshToken string
	if ok {
		refreshToken = sess.RefreshToken
	}
	m.mu.RUnlock()

	if !ok {
		return "", ErrUnauthenticated
	}
	if refreshToken == "" {
		m.drop(ctx, sessionID, "no refresh token stored")
		return "", ErrRefreshFailed
	}

	tokens, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Rejected() {
			m.drop(ctx, sessionID, pe.Error())
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		return "", fmt.Errorf("refresh session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", ErrUnauthenticated
	}
	sess.AccessToken = tokens.AccessToken
	sess.ExpiresAt = m.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	sess.NeedsRefresh = false
	sess.UpdatedAt = m.now()
	if tokens.RefreshToken != "" {
		// Some providers rotate the refresh token on every grant.
		sess.RefreshToken = tokens.RefreshToken
	}
	tok := sess.AccessToken
	snapshot := sess.Clone()
	m.mu.Unlock()

	m.persistAsync(snapshot)
	return tok, nil
}

// RefreshSummary reports the outcome of one proactive sweep.
type RefreshSummary struct {
	Refreshed int
	Failed    int
	Errors    map[string]string
}

// RefreshExpiringSessions refreshes every session that expires within the
// next fifteen minutes or was restored from storage without a live access
// token. All refreshes run concurrently; one failure never aborts the others.
func (m *Manager) RefreshExpiringSessions(ctx context.Context) RefreshSummary {
	m.mu.RLock()
	var due []string
	for id, sess := range m.sessions {
		if sess.NeedsRefresh || sess.ExpiresAt.Sub(m.now()) < refreshAhead {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	summary := RefreshSummary{Errors: make(map[string]string)}
	if len(due) == 0 {
		return summary
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, id := range due {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Refresh(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Errors[id] = err.Error()
				return
			}
			summary.Refreshed++
		}()
	}
	wg.Wait()

	slog.Info("refresh sweep complete", "refreshed", summary.Refreshed, "failed", summary.Failed)
	return summary
}

// Session returns a copy of the session, or ErrUnauthenticated.
func (m *Manager) Session(sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return sess.Clone(), nil
}

// Sessions returns copies of all active sessions.
func (m *Manager) Sessions() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess.Clone())
	}
	return out
}

// Logout removes the session from memory and storage.
func (m *Manager) Logout(ctx context.Context, sessionID string) {
	m.drop(ctx, sessionID, "logout")
}

// Restore loads persisted sessions at boot. Restored sessions carry no
// access token and are flagged for refresh on first use.
func (m *Manager) Restore(ctx context.Context) error {
	persisted, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range persisted {
		sess := persisted[i]
		plain, err := m.cipher.Decrypt(sess.RefreshToken)
		if err != nil {
			slog.Error("discarding session with undecryptable refresh token", "session_id", sess.ID, "error", err)
			continue
		}
		sess.RefreshToken = plain
		sess.AccessToken = ""
		sess.NeedsRefresh = true
		m.sessions[sess.ID] = &sess
	}
	slog.Info("sessions restored", "count", len(m.sessions))
	return nil
}

// CleanupStale drops sessions that can never refresh again (no refresh
// token). Returns how many were removed.
func (m *Manager) CleanupStale(ctx context.Context) int {
	m.mu.RLock()
	var stale []string
	for id, sess := range m.sessions {
		if sess.RefreshToken == "" {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.drop(ctx, id, "no refresh token")
	}
	return len(stale)
}

// WaitPersist blocks until all in-flight persists finish. Shutdown hook.
func (m *Manager) WaitPersist() {
	m.persistWG.Wait()
}

func (m *Manager) drop(ctx context.Context, sessionID, reason string) {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !existed {
		return
	}
	slog.Warn("session dropped", "session_id", sessionID, "reason", reason)
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		slog.Error("failed to delete persisted session", "session_id", sessionID, "error", err)
	}
}

// persistAsync writes the session to storage without blocking the caller.
// Persistence failure is logged, never propagated.
func (m *Manager) persistAsync(sess *models.Session) {
	encrypted, err := m.cipher.Encrypt(sess.RefreshToken)
	if err != nil {
		slog.Error("failed to encrypt refresh token", "session_id", sess.ID, "error", err)
		return
	}
	record := *sess
	record.RefreshToken = encrypted
	record.AccessToken = ""

	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.store.UpsertSession(ctx, &record); err != nil {
			slog.Error("failed to persist session", "session_id", record.ID, "error", err)
		}
	}()
}
