package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/draftwire/outreach/internal/models"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// --- Mock provider ---

type mockProvider struct {
	mu           sync.Mutex
	refreshCalls int
	exchangeResp *TokenResponse
	refreshResp  *TokenResponse
	refreshErr   map[string]error // keyed by refresh token
}

func (m *mockProvider) Exchange(_ context.Context, _ string) (*TokenResponse, error) {
	if m.exchangeResp == nil {
		return nil, errors.New("no exchange response configured")
	}
	return m.exchangeResp, nil
}

func (m *mockProvider) Refresh(_ context.Context, refreshToken string) (*TokenResponse, error) {
	m.mu.Lock()
	m.refreshCalls++
	m.mu.Unlock()
	if err, ok := m.refreshErr[refreshToken]; ok {
		return nil, err
	}
	if m.refreshResp == nil {
		return &TokenResponse{AccessToken: "refreshed-" + refreshToken, ExpiresIn: 3600}, nil
	}
	return m.refreshResp, nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// --- Mock session store ---

type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	upserts  int
	deletes  int
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]models.Session)}
}

func (m *mockSessionStore) UpsertSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	m.upserts++
	return nil
}

func (m *mockSessionStore) ListSessions(_ context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockSessionStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.deletes++
	return nil
}

func newTestManager(t *testing.T, provider Provider) (*Manager, *mockSessionStore) {
	t.Helper()
	cipher, err := NewCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	st := newMockSessionStore()
	return NewManager(provider, st, cipher), st
}

func seedSession(m *Manager, id, refreshToken string, expiresAt time.Time, needsRefresh bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &models.Session{
		ID:           id,
		AccountEmail: id + "@example.com",
		AccessToken:  "live-token",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		NeedsRefresh: needsRefresh,
	}
}

func TestAccessTokenValidWindowIssuesNoRefresh(t *testing.T) {
	provider := &mockProvider{}
	m, _ := newTestManager(t, provider)
	seedSession(m, "s1", "rt1", time.Now().Add(time.Hour), false)

	for i := 0; i < 2; i++ {
		tok, err := m.AccessToken(context.Background(), "s1")
		if err != nil {
			t.Fatalf("AccessToken: %v", err)
		}
		if tok != "live-token" {
			t.Fatalf("token = %q, want cached live-token", tok)
		}
	}

	if provider.calls() != 0 {
		t.Fatalf("refresh calls = %d, want 0 inside validity window", provider.calls())
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	provider := &mockProvider{}
	m, st := newTestManager(t, provider)
	seedSession(m, "s1", "rt1", time.Now().Add(2*time.Minute), false)

	tok, err := m.AccessToken(context.Background(), "s1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok != "refreshed-rt1" {
		t.Fatalf("token = %q, want refreshed token", tok)
	}
	if provider.calls() != 1 {
		t.Fatalf("refresh calls = %d, want 1", provider.calls())
	}

	m.WaitPersist()
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.upserts != 1 {
		t.Fatalf("upserts = %d, want 1 async persist after refresh", st.upserts)
	}
	persisted := st.sessions["s1"]
	if persisted.RefreshToken == "rt1" {
		t.Fatal("refresh token persisted in plaintext")
	}
	if persisted.AccessToken != "" {
		t.Fatal("access token must never be persisted")
	}
}

func TestAccessTokenUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, &mockProvider{})
	if _, err := m.AccessToken(context.Background(), "ghost"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestRefreshRejectionDropsSession(t *testing.T) {
	provider := &mockProvider{
		refreshErr: map[string]error{
			"bad": &ProviderError{Status: http.StatusBadRequest, Body: "invalid_grant"},
		},
	}
	m, st := newTestManager(t, provider)
	seedSession(m, "s1", "bad", time.Now().Add(-time.Minute), false)

	_, err := m.Refresh(context.Background(), "s1")
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}

	if _, err := m.Session("s1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("session should be gone after terminal refresh failure")
	}
	if st.deletes != 1 {
		t.Fatalf("persisted session deletes = %d, want 1", st.deletes)
	}
}

func TestRefreshTransientErrorKeepsSession(t *testing.T) {
	provider := &mockProvider{
		refreshErr: map[string]error{"rt1": errors.New("connection refused")},
	}
	m, _ := newTestManager(t, provider)
	seedSession(m, "s1", "rt1", time.Now().Add(-time.Minute), false)

	_, err := m.Refresh(context.Background(), "s1")
	if err == nil || errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want transient error distinct from ErrRefreshFailed", err)
	}
	if _, err := m.Session("s1"); err != nil {
		t.Fatal("session must survive a transient refresh failure")
	}
}

func TestRefreshExpiringSessionsIsolatesFailures(t *testing.T) {
	provider := &mockProvider{
		refreshErr: map[string]error{
			"rt2": &ProviderError{Status: http.StatusUnauthorized, Body: "revoked"},
		},
	}
	m, _ := newTestManager(t, provider)
	seedSession(m, "s1", "rt1", time.Now().Add(5*time.Minute), false)
	seedSession(m, "s2", "rt2", time.Now().Add(5*time.Minute), false)
	seedSession(m, "s3", "rt3", time.Now().Add(5*time.Minute), false)

	summary := m.RefreshExpiringSessions(context.Background())

	if summary.Refreshed != 2 {
		t.Fatalf("refreshed = %d, want 2", summary.Refreshed)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed)
	}
	if _, ok := summary.Errors["s2"]; !ok {
		t.Fatalf("errors = %v, want entry for s2", summary.Errors)
	}
	for _, id := range []string{"s1", "s3"} {
		if _, err := m.Session(id); err != nil {
			t.Fatalf("session %s should survive the sweep: %v", id, err)
		}
	}
}

func TestRefreshExpiringSessionsSkipsHealthy(t *testing.T) {
	provider := &mockProvider{}
	m, _ := newTestManager(t, provider)
	seedSession(m, "healthy", "rt1", time.Now().Add(time.Hour), false)
	seedSession(m, "flagged", "rt2", time.Now().Add(time.Hour), true)

	summary := m.RefreshExpiringSessions(context.Background())

	if provider.calls() != 1 {
		t.Fatalf("refresh calls = %d, want only the flagged session", provider.calls())
	}
	if summary.Refreshed != 1 {
		t.Fatalf("refreshed = %d, want 1", summary.Refreshed)
	}
}

func TestRestoreFlagsSessionsForRefresh(t *testing.T) {
	cipher, err := NewCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	st := newMockSessionStore()
	encrypted, err := cipher.Encrypt("rt-persisted")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	st.sessions["s1"] = models.Session{
		ID:           "s1",
		AccountEmail: "a@example.com",
		RefreshToken: encrypted,
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	m := NewManager(&mockProvider{}, st, cipher)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	sess, err := m.Session("s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !sess.NeedsRefresh {
		t.Fatal("restored session must be flagged NeedsRefresh")
	}
	if sess.AccessToken != "" {
		t.Fatal("restored session must not carry an access token")
	}
	if sess.RefreshToken != "rt-persisted" {
		t.Fatalf("refresh token = %q, want decrypted value", sess.RefreshToken)
	}
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plain := "1//0abc-refresh-token"
	sealed, err := cipher.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == plain {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := cipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plain {
		t.Fatalf("round trip = %q, want %q", got, plain)
	}
}

func TestCleanupStale(t *testing.T) {
	m, _ := newTestManager(t, &mockProvider{})
	seedSession(m, "ok", "rt1", time.Now().Add(time.Hour), false)
	seedSession(m, "dead", "", time.Now().Add(time.Hour), true)

	if removed := m.CleanupStale(context.Background()); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := m.Session("dead"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("stale session should be removed")
	}
	if _, err := m.Session("ok"); err != nil {
		t.Fatal("healthy session should remain")
	}
}
