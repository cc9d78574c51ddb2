package bounce

import (
	"strings"
	"testing"

	"github.com/draftwire/outreach/internal/models"
)

func TestClassifyHardBounce(t *testing.T) {
	msg := models.InboundMessage{
		From:     "MAILER-DAEMON@mx.example.net",
		Subject:  "Undelivered Mail Returned to Sender",
		TextBody: "Your message to <jane@example.com> was rejected.\n550 mailbox unavailable",
	}

	rec := Classify(msg)
	if rec == nil {
		t.Fatal("expected a bounce record")
	}
	if rec.Type != models.BounceHard {
		t.Errorf("Type = %q, want Hard", rec.Type)
	}
	if !strings.Contains(rec.Reason, "Mailbox unavailable") {
		t.Errorf("Reason = %q, want mention of mailbox unavailable", rec.Reason)
	}
	if rec.OriginalRecipient != "jane@example.com" {
		t.Errorf("OriginalRecipient = %q, want jane@example.com", rec.OriginalRecipient)
	}
}

func TestClassifySoftBounce(t *testing.T) {
	msg := models.InboundMessage{
		From:     "postmaster@example.org",
		Subject:  "Delivery Status Notification (Failure)",
		TextBody: "Delivery to <bob@example.com> failed: 452 mailbox full, over quota",
	}

	rec := Classify(msg)
	if rec == nil {
		t.Fatal("expected a bounce record")
	}
	if rec.Type != models.BounceSoft {
		t.Errorf("Type = %q, want Soft", rec.Type)
	}
	if rec.OriginalRecipient != "bob@example.com" {
		t.Errorf("OriginalRecipient = %q", rec.OriginalRecipient)
	}
}

func TestClassifyTemporaryBounce(t *testing.T) {
	msg := models.InboundMessage{
		From:     "mailer-daemon@relay.example.net",
		Subject:  "Mail delivery failed: returning message to sender",
		TextBody: "Final-Recipient: rfc822; carol@example.com\nAction: delayed\nmessage greylisted, try again later",
	}

	rec := Classify(msg)
	if rec == nil {
		t.Fatal("expected a bounce record")
	}
	if rec.Type != models.BounceTemporary {
		t.Errorf("Type = %q, want Temporary", rec.Type)
	}
	if rec.Reason != "Greylisted" {
		t.Errorf("Reason = %q, want Greylisted", rec.Reason)
	}
	if rec.OriginalRecipient != "carol@example.com" {
		t.Errorf("OriginalRecipient = %q", rec.OriginalRecipient)
	}
}

func TestClassifyUnknownReasonDefaultsToSoft(t *testing.T) {
	msg := models.InboundMessage{
		From:     "postmaster@example.com",
		Subject:  "Delivery failure",
		TextBody: "We could not deliver your message to dave@example.com for mysterious reasons.",
	}

	rec := Classify(msg)
	if rec == nil {
		t.Fatal("a bounce candidate with a recipient must always yield a record")
	}
	if rec.Type != models.BounceSoft {
		t.Errorf("Type = %q, want Soft fallback", rec.Type)
	}
	if rec.Reason != "Unknown bounce reason" {
		t.Errorf("Reason = %q, want Unknown bounce reason", rec.Reason)
	}
}

func TestClassifyNotABounce(t *testing.T) {
	msg := models.InboundMessage{
		From:     "jane@example.com",
		Subject:  "Re: quick question about your pricing",
		TextBody: "Thanks for reaching out, happy to chat next week.",
	}

	if rec := Classify(msg); rec != nil {
		t.Fatalf("ordinary reply classified as bounce: %+v", rec)
	}
}

func TestClassifyCandidateWithoutRecipientDiscarded(t *testing.T) {
	msg := models.InboundMessage{
		From:     "mailer-daemon@example.net",
		Subject:  "Mail delivery failed",
		TextBody: "The message could not be delivered. Contact postmaster@example.net for details.",
	}

	if rec := Classify(msg); rec != nil {
		t.Fatalf("candidate without recoverable recipient should be discarded, got %+v", rec)
	}
}

func TestRecipientExtractionSkipsBounceSystemAddresses(t *testing.T) {
	msg := models.InboundMessage{
		From:     "postmaster@example.net",
		Subject:  "Returned mail",
		TextBody: "Report from mailer-daemon@example.net\nrecipient erin@example.com was not reachable\nuser unknown",
	}

	rec := Classify(msg)
	if rec == nil {
		t.Fatal("expected a bounce record")
	}
	if rec.OriginalRecipient != "erin@example.com" {
		t.Errorf("OriginalRecipient = %q, want erin@example.com", rec.OriginalRecipient)
	}
	if rec.Type != models.BounceHard || rec.Reason != "Unknown user" {
		t.Errorf("classification = %s/%s, want Hard/Unknown user", rec.Type, rec.Reason)
	}
}

func TestIsCandidateBySenderOnly(t *testing.T) {
	msg := models.InboundMessage{
		From:     "no-reply@bounces.example.net",
		Subject:  "An update about your message",
		TextBody: "delivery to frank@example.com failed permanently: user unknown",
	}

	rec := Classify(msg)
	if rec == nil {
		t.Fatal("sender pattern alone should mark a candidate")
	}
	if rec.OriginalRecipient != "frank@example.com" {
		t.Errorf("OriginalRecipient = %q", rec.OriginalRecipient)
	}
}
