// Package dedupe decides whether a lead has already been contacted. Every
// uncertain outcome fails closed: an unknown address or an unreadable sheet
// is treated as already-sent, because a duplicate email costs more than a
// skipped one.
package dedupe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/sheet"
)

// LeadReader is the slice of the Record Store the detector needs.
type LeadReader interface {
	FindByEmail(ctx context.Context, email string) (*models.Lead, error)
}

// SuppressionChecker consults the local do-not-contact list.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

// Verdict is the outcome of an already-sent check.
type Verdict struct {
	AlreadySent bool
	Reason      string
}

// cacheTTL bounds how stale a cached lead may be. Kept short deliberately:
// a queued update for the same lead can land at any time.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	lead     *models.Lead
	found    bool
	fetched  time.Time
	fetchErr bool
}

// Detector answers "has this lead already been emailed?" from the sheet with
// a short-lived per-email cache.
type Detector struct {
	leads        LeadReader
	suppressions SuppressionChecker
	now          func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewDetector(leads LeadReader, suppressions SuppressionChecker) *Detector {
	return &Detector{
		leads:        leads,
		suppressions: suppressions,
		now:          time.Now,
		cache:        make(map[string]cacheEntry),
	}
}

// AlreadySent evaluates the indicators in priority order; the first one that
// is present and true wins.
func (d *Detector) AlreadySent(ctx context.Context, email string) Verdict {
	key := models.NormalizeEmail(email)
	if key == "" {
		return Verdict{AlreadySent: true, Reason: "empty address"}
	}

	if d.suppressions != nil {
		suppressed, err := d.suppressions.IsSuppressed(ctx, key)
		if err != nil {
			slog.Warn("suppression check failed, failing closed", "email", key, "error", err)
			return Verdict{AlreadySent: true, Reason: "suppression list unavailable"}
		}
		if suppressed {
			return Verdict{AlreadySent: true, Reason: "address is suppressed"}
		}
	}

	entry := d.lookup(ctx, key)
	switch {
	case entry.fetchErr:
		return Verdict{AlreadySent: true, Reason: "record store unavailable"}
	case !entry.found:
		// Never send to an address the source of truth does not know.
		return Verdict{AlreadySent: true, Reason: "lead not found in sheet"}
	}

	lead := entry.lead
	switch lead.Status {
	case models.StatusSent, models.StatusRead, models.StatusReplied, models.StatusClicked:
		return Verdict{AlreadySent: true, Reason: "status is " + string(lead.Status)}
	}
	if lead.LastEmailDate != "" {
		return Verdict{AlreadySent: true, Reason: "last email date is set"}
	}
	if lead.EmailCount > 0 {
		return Verdict{AlreadySent: true, Reason: "email count is positive"}
	}
	if lead.TemplateUsed != "" && lead.TemplateUsed != "None" {
		return Verdict{AlreadySent: true, Reason: "a template was already used"}
	}

	return Verdict{AlreadySent: false, Reason: "no send indicators"}
}

// Invalidate drops the cached entry for an email, used after the caller has
// queued a mutation for it.
func (d *Detector) Invalidate(email string) {
	d.mu.Lock()
	delete(d.cache, models.NormalizeEmail(email))
	d.mu.Unlock()
}

func (d *Detector) lookup(ctx context.Context, key string) cacheEntry {
	d.mu.Lock()
	entry, ok := d.cache[key]
	d.mu.Unlock()
	if ok && d.now().Sub(entry.fetched) < cacheTTL && !entry.fetchErr {
		return entry
	}

	lead, err := d.leads.FindByEmail(ctx, key)
	entry = cacheEntry{fetched: d.now()}
	switch {
	case err == nil:
		entry.lead = lead
		entry.found = true
	case errors.Is(err, sheet.ErrLeadNotFound):
		entry.found = false
	default:
		slog.Warn("lead lookup failed, failing closed", "email", key, "error", err)
		entry.fetchErr = true
	}

	d.mu.Lock()
	d.cache[key] = entry
	d.mu.Unlock()
	return entry
}
