package inbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const rawReply = "From: Jane Doe <jane@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Re: quick question\r\n" +
	"Date: Mon, 25 Aug 2025 10:30:00 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Sounds interesting, tell me more.\r\n"

const rawBounce = "From: MAILER-DAEMON@mx.example.net\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Date: Mon, 25 Aug 2025 11:00:00 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Your message to <gone@example.com> bounced: 550 mailbox unavailable\r\n"

func TestParseRaw(t *testing.T) {
	msg, err := ParseRaw(rawReply)
	if err != nil {
		t.Fatalf("ParseRaw: %v", err)
	}

	if msg.From != "jane@example.com" {
		t.Errorf("From = %q, want bare address", msg.From)
	}
	if msg.Subject != "Re: quick question" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.TextBody, "tell me more") {
		t.Errorf("TextBody = %q", msg.TextBody)
	}
	if msg.MessageID != "abc123@example.com" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.Date.IsZero() {
		t.Error("Date not parsed")
	}
}

func TestListSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("since") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"id": "m1", "raw": rawReply},
				{"id": "m2", "raw": rawBounce},
				{"id": "m3", "raw": "not an rfc822 message at all \x00"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	tokens := tokenFunc(func(_ context.Context) (string, error) { return "tok", nil })

	msgs, err := c.ListSince(context.Background(), tokens, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}

	// The unparseable third message is skipped, not fatal.
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].From != "jane@example.com" {
		t.Errorf("first message From = %q", msgs[0].From)
	}
	if !strings.Contains(msgs[1].Subject, "Undelivered") {
		t.Errorf("second message Subject = %q", msgs[1].Subject)
	}
}

type tokenFunc func(ctx context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }
