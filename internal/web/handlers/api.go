// Package handlers serves the operator API: trigger campaign batches, force
// sweeps, inspect the scheduler, and manage OAuth sessions.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/draftwire/outreach/internal/campaign"
	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/scheduler"
	"github.com/draftwire/outreach/internal/token"
)

// BatchRunner starts one campaign batch.
type BatchRunner interface {
	RunBatch(ctx context.Context) (campaign.Report, error)
}

// JobControl is the slice of the scheduler the handlers need.
type JobControl interface {
	Trigger(ctx context.Context, name string) error
	Status() []scheduler.JobStatus
}

// SessionManager manages OAuth sessions.
type SessionManager interface {
	ExchangeCode(ctx context.Context, code, accountEmail string) (*models.Session, error)
	Logout(ctx context.Context, sessionID string)
	Sessions() []models.Session
}

// APIHandler holds the operator API endpoints.
type APIHandler struct {
	runner   BatchRunner
	jobs     JobControl
	sessions SessionManager
}

func NewAPIHandler(runner BatchRunner, jobs JobControl, sessions SessionManager) *APIHandler {
	return &APIHandler{
		runner:   runner,
		jobs:     jobs,
		sessions: sessions,
	}
}

// HandleRunCampaign runs one batch synchronously and reports the outcome.
func (h *APIHandler) HandleRunCampaign(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.RunBatch(r.Context())
	if err != nil {
		slog.Error("campaign batch failed", "batch_id", report.BatchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "campaign batch failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleSchedulerStatus reports every registered job.
func (h *APIHandler) HandleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.jobs.Status()})
}

// HandleForceSweep triggers the named sweep job immediately.
func (h *APIHandler) HandleForceSweep(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.jobs.Trigger(r.Context(), name)
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			writeJSON(w, http.StatusNotFound, jsonResponse{Error: "unknown job"})
		case errors.Is(err, scheduler.ErrJobRunning):
			writeJSON(w, http.StatusConflict, jsonResponse{Error: "job already running"})
		case err != nil:
			slog.Error("forced sweep failed", "job", name, "error", err)
			writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "sweep failed"})
		default:
			writeJSON(w, http.StatusOK, jsonResponse{OK: true})
		}
	}
}

// HandleOAuthCallback completes the authorization-code flow. The state
// parameter carries the account email the operator started the flow for.
func (h *APIHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "code is required"})
		return
	}
	accountEmail := r.URL.Query().Get("state")
	if accountEmail == "" {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "state must carry the account email"})
		return
	}

	sess, err := h.sessions.ExchangeCode(r.Context(), code, accountEmail)
	if err != nil {
		slog.Error("code exchange failed", "account", accountEmail, "error", err)
		writeJSON(w, http.StatusBadGateway, jsonResponse{Error: "code exchange failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID,
		"account":    sess.AccountEmail,
	})
}

// HandleListSessions lists active sessions with credentials redacted.
func (h *APIHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	type sessionView struct {
		ID           string `json:"id"`
		Account      string `json:"account"`
		ExpiresAt    string `json:"expires_at"`
		NeedsRefresh bool   `json:"needs_refresh"`
	}
	all := h.sessions.Sessions()
	out := make([]sessionView, 0, len(all))
	for _, sess := range all {
		out = append(out, sessionView{
			ID:           sess.ID,
			Account:      sess.AccountEmail,
			ExpiresAt:    sess.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
			NeedsRefresh: sess.NeedsRefresh,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// HandleLogout drops the session from memory and storage.
func (h *APIHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	h.sessions.Logout(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

// HandleHealth is the liveness probe.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}

// jsonResponse is the envelope for simple API JSON responses.
type jsonResponse struct {
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

var _ SessionManager = (*token.Manager)(nil)
