package models

import (
	"strings"
	"time"
)

// NormalizeEmail lowercases and trims an address so it can serve as a lead
// key across the sheet, the queue and the suppression list.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LeadStatus is the campaign state of a single lead in the remote sheet.
type LeadStatus string

const (
	StatusNew          LeadStatus = "New"
	StatusSent         LeadStatus = "Sent"
	StatusRead         LeadStatus = "Read"
	StatusReplied      LeadStatus = "Replied"
	StatusClicked      LeadStatus = "Clicked"
	StatusBounced      LeadStatus = "Bounced"
	StatusUnsubscribed LeadStatus = "Unsubscribed"
	StatusFailed       LeadStatus = "Failed"
)

// Terminal reports whether the status is one a lead never leaves. A terminal
// lead is never re-selected for sending.
func (s LeadStatus) Terminal() bool {
	switch s {
	case StatusReplied, StatusUnsubscribed, StatusBounced:
		return true
	}
	return false
}

// Session holds the OAuth credential state for one authenticated account.
// AccessToken lives in memory only; RefreshToken is encrypted before it is
// written to storage.
type Session struct {
	ID           string
	AccountEmail string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	NeedsRefresh bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy so callers cannot mutate manager-owned state.
func (s *Session) Clone() *Session {
	out := *s
	out.Scopes = append([]string(nil), s.Scopes...)
	return &out
}

// Lead is one row in the remote sheet, keyed by email (lowercased, trimmed).
// Raw preserves the row as returned by the remote API so patches can be
// written back under the sheet's own column names.
type Lead struct {
	RowID         string
	Email         string
	Status        LeadStatus
	LastEmailDate string
	NextEmailDate string
	EmailCount    int
	TemplateUsed  string
	CampaignID    string
	Raw           map[string]any
}

// BounceType classifies how permanent a delivery failure is.
type BounceType string

const (
	BounceHard      BounceType = "Hard"
	BounceSoft      BounceType = "Soft"
	BounceTemporary BounceType = "Temporary"
)

// BounceRecord is derived from an inbound delivery-failure message. It is
// consumed immediately to produce a queued lead update, never stored.
type BounceRecord struct {
	OriginalRecipient string
	Type              BounceType
	Reason            string
	Date              time.Time
	SourceMessageID   string
}

// InboundMessage is a message fetched from an account's inbox, already
// reduced to the fields the sweeps care about.
type InboundMessage struct {
	MessageID string
	From      string
	Subject   string
	TextBody  string
	Date      time.Time
}

// Suppression is a locally persisted do-not-contact entry, written on hard
// bounces and unsubscribes and consulted before every send.
type Suppression struct {
	ID        int64
	Email     string
	Reason    string
	Source    string
	CreatedAt time.Time
}
