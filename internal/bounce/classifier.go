// Package bounce classifies inbound messages into delivery-failure records.
// Classification is a coarse two-stage filter: a cheap candidate check on
// subject and sender, then recipient extraction that weeds out the false
// positives. A candidate without a recoverable recipient is discarded, not
// an error.
package bounce

import (
	"regexp"
	"strings"
	"time"

	"github.com/draftwire/outreach/internal/models"
)

var bounceSubjects = []string{
	"undelivered",
	"undeliverable",
	"delivery status notification",
	"delivery has failed",
	"mail delivery failed",
	"mail delivery subsystem",
	"failure notice",
	"returned mail",
	"delivery failure",
	"message not delivered",
	"could not be delivered",
}

var bounceSenders = []string{
	"postmaster",
	"mailer-daemon",
	"mail-daemon",
	"noreply",
	"no-reply",
	"microsoftexchange",
	"exchange.delivery",
}

// Ordered recipient-extraction patterns, most specific first. The first
// capture group is the recipient.
var recipientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:original|final)-recipient:\s*(?:rfc822;)?\s*<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
	regexp.MustCompile(`(?i)your message to\s+<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
	regexp.MustCompile(`(?i)could not be delivered to\s*:?\s*<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
	regexp.MustCompile(`(?i)following address(?:es)?(?: failed)?\s*:?\s*<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
	regexp.MustCompile(`(?i)delivery to\s+<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?\s+failed`),
	regexp.MustCompile(`<([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>`),
}

var emailShaped = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

type reasonPattern struct {
	re     *regexp.Regexp
	reason string
}

// Hard bounces: permanent failures. Ordered; first match wins, so the
// human-readable reasons come before the bare SMTP codes.
var hardPatterns = []reasonPattern{
	{regexp.MustCompile(`(?i)unknown user|user unknown|no such user|user not found`), "Unknown user"},
	{regexp.MustCompile(`(?i)invalid recipient|recipient address rejected|recipient not found`), "Invalid recipient"},
	{regexp.MustCompile(`(?i)mailbox unavailable|mailbox not found|no mailbox`), "Mailbox unavailable"},
	{regexp.MustCompile(`(?i)mailbox (?:is )?disabled|account (?:is )?disabled`), "Mailbox disabled"},
	{regexp.MustCompile(`(?i)domain not found|host not found|domain name not found|no mx record`), "Domain not found"},
	{regexp.MustCompile(`(?i)address rejected|relay(?:ing)? denied`), "Address rejected"},
	{regexp.MustCompile(`\b55[0134]\b`), "Permanent delivery failure"},
}

// Soft bounces: the mailbox exists but cannot take the message right now.
var softPatterns = []reasonPattern{
	{regexp.MustCompile(`(?i)mailbox (?:is )?full|over quota|quota exceeded|insufficient (?:system )?storage`), "Mailbox full"},
	{regexp.MustCompile(`(?i)message (?:size )?too large|exceeds (?:maximum )?size`), "Message too large"},
	{regexp.MustCompile(`\b4(?:21|50|51|52)\b`), "Temporary delivery failure"},
}

// Temporary: transient infrastructure conditions, likely to self-resolve.
var temporaryPatterns = []reasonPattern{
	{regexp.MustCompile(`(?i)greylist`), "Greylisted"},
	{regexp.MustCompile(`(?i)deferred`), "Deferred"},
	{regexp.MustCompile(`(?i)queued for delivery|message (?:is )?queued`), "Queued"},
	{regexp.MustCompile(`(?i)timed? ?out|timeout`), "Timeout"},
}

// Classify inspects an inbound message and returns a BounceRecord, or nil if
// the message is not a delivery failure. False negatives are acceptable.
func Classify(msg models.InboundMessage) *models.BounceRecord {
	if !isCandidate(msg) {
		return nil
	}

	recipient := extractRecipient(msg)
	if recipient == "" {
		// Unclassifiable, discard silently.
		return nil
	}

	bounceType, reason := classifyReason(msg.TextBody)
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	return &models.BounceRecord{
		OriginalRecipient: recipient,
		Type:              bounceType,
		Reason:            reason,
		Date:              date,
		SourceMessageID:   msg.MessageID,
	}
}

func isCandidate(msg models.InboundMessage) bool {
	subject := strings.ToLower(msg.Subject)
	for _, phrase := range bounceSubjects {
		if strings.Contains(subject, phrase) {
			return true
		}
	}
	return isBounceSystemAddress(msg.From)
}

func isBounceSystemAddress(addr string) bool {
	addr = strings.ToLower(addr)
	for _, pattern := range bounceSenders {
		if strings.Contains(addr, pattern) {
			return true
		}
	}
	return false
}

func extractRecipient(msg models.InboundMessage) string {
	for _, re := range recipientPatterns {
		if m := re.FindStringSubmatch(msg.TextBody); m != nil {
			return models.NormalizeEmail(m[1])
		}
	}
	for _, re := range recipientPatterns {
		if m := re.FindStringSubmatch(msg.Subject); m != nil {
			return models.NormalizeEmail(m[1])
		}
	}

	// Fall back to any email-shaped substring in the body that does not
	// itself look like a bounce system.
	for _, candidate := range emailShaped.FindAllString(msg.TextBody, -1) {
		if !isBounceSystemAddress(candidate) {
			return models.NormalizeEmail(candidate)
		}
	}
	return ""
}

func classifyReason(body string) (models.BounceType, string) {
	for _, p := range hardPatterns {
		if p.re.MatchString(body) {
			return models.BounceHard, p.reason
		}
	}
	for _, p := range softPatterns {
		if p.re.MatchString(body) {
			return models.BounceSoft, p.reason
		}
	}
	for _, p := range temporaryPatterns {
		if p.re.MatchString(body) {
			return models.BounceTemporary, p.reason
		}
	}
	// A detected bounce with a recipient always yields a record.
	return models.BounceSoft, "Unknown bounce reason"
}
