// Package campaign drives the outbound send pipeline: select pending leads,
// guard against duplicates, pace the sends, and hand every resulting state
// change to the update queue keyed by the lead's email.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/draftwire/outreach/internal/dedupe"
	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/pacing"
	"github.com/draftwire/outreach/internal/queue"
)

// Mailer sends one message.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// LeadStore is the slice of the Record Store the runner needs.
type LeadStore interface {
	FindAll(ctx context.Context) ([]models.Lead, error)
	Patch(ctx context.Context, email string, fields map[string]any) error
}

// Composer renders the outbound message for a lead. Template management
// lives outside this system; the composer is its narrow interface.
type Composer interface {
	Compose(lead models.Lead) (subject, htmlBody, templateName string, err error)
}

// TemplateComposer is a minimal Composer substituting {email} and
// {campaign_id} placeholders into fixed subject and body templates.
type TemplateComposer struct {
	Subject  string
	Body     string
	Template string
}

func (c *TemplateComposer) Compose(lead models.Lead) (string, string, string, error) {
	replacer := strings.NewReplacer(
		"{email}", lead.Email,
		"{campaign_id}", lead.CampaignID,
	)
	return replacer.Replace(c.Subject), replacer.Replace(c.Body), c.Template, nil
}

// Report summarizes one batch run.
type Report struct {
	BatchID string
	Total   int
	Sent    int
	Skipped int
	Failed  int
}

// Runner executes campaign batches.
type Runner struct {
	leads    LeadStore
	detector *dedupe.Detector
	pacing   *pacing.Policy
	mailer   Mailer
	updates  *queue.Queue
	composer Composer

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)

	// MaxBatchSize caps how many sends one run may attempt. Zero means
	// no cap.
	MaxBatchSize int
}

func NewRunner(leads LeadStore, detector *dedupe.Detector, policy *pacing.Policy, mailer Mailer, updates *queue.Queue, composer Composer) *Runner {
	return &Runner{
		leads:    leads,
		detector: detector,
		pacing:   policy,
		mailer:   mailer,
		updates:  updates,
		composer: composer,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// RunBatch sends to every eligible lead. Per-lead failures are isolated:
// one bad address never aborts the batch.
func (r *Runner) RunBatch(ctx context.Context) (Report, error) {
	report := Report{BatchID: uuid.NewString()}

	all, err := r.leads.FindAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list leads: %w", err)
	}

	pending := selectPending(all)
	if r.MaxBatchSize > 0 && len(pending) > r.MaxBatchSize {
		pending = pending[:r.MaxBatchSize]
	}
	report.Total = len(pending)

	slog.Info("batch starting", "batch_id", report.BatchID, "pending", len(pending))

	for i, lead := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		verdict := r.detector.AlreadySent(ctx, lead.Email)
		if verdict.AlreadySent {
			// A guard outcome, not an error.
			slog.Info("skipping lead", "email", lead.Email, "reason", verdict.Reason)
			report.Skipped++
			continue
		}

		// Pace before every send except the first of the batch.
		if report.Sent > 0 {
			r.sleep(ctx, r.pacing.Next(i, len(pending)))
		}

		if err := r.send(ctx, lead); err != nil {
			slog.Error("send failed", "email", lead.Email, "error", err)
			report.Failed++
			r.enqueuePatch(lead.Email, map[string]any{"status": string(models.StatusFailed)})
			continue
		}
		report.Sent++
		r.pacing.RecordSend()
	}

	slog.Info("batch complete",
		"batch_id", report.BatchID,
		"sent", report.Sent,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

func (r *Runner) send(ctx context.Context, lead models.Lead) error {
	subject, body, templateName, err := r.composer.Compose(lead)
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	if err := r.mailer.Send(ctx, lead.Email, subject, body); err != nil {
		return err
	}

	r.enqueuePatch(lead.Email, map[string]any{
		"status":        string(models.StatusSent),
		"lastEmailDate": time.Now().UTC().Format("2006-01-02"),
		"emailCount":    lead.EmailCount + 1,
		"templateUsed":  templateName,
	})
	return nil
}

func (r *Runner) enqueuePatch(email string, fields map[string]any) {
	r.detector.Invalidate(email)
	r.updates.Enqueue(email, func(ctx context.Context) error {
		return r.leads.Patch(ctx, email, fields)
	})
}

// selectPending keeps leads that are plausibly sendable: status New (or
// blank, common for freshly imported rows) and not yet due-dated into the
// future. Terminal leads are never re-selected.
func selectPending(all []models.Lead) []models.Lead {
	today := time.Now().UTC().Format("2006-01-02")
	var out []models.Lead
	for _, lead := range all {
		if lead.Status.Terminal() {
			continue
		}
		if lead.Status != models.StatusNew && lead.Status != "" {
			continue
		}
		if lead.NextEmailDate != "" && lead.NextEmailDate > today {
			continue
		}
		out = append(out, lead)
	}
	return out
}
