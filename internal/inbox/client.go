// Package inbox fetches recent messages from an account's mailbox through
// the provider's REST API and reduces them to the fields the reply and
// bounce sweeps need.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/queue"
)

// TokenSource yields a bearer token for the account being read.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client lists an account's recent inbound mail.
type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// ListSince returns messages received after the given time, newest last.
// Messages whose raw source cannot be parsed are logged and skipped.
func (c *Client) ListSince(ctx context.Context, tokens TokenSource, since time.Time) ([]models.InboundMessage, error) {
	tok, err := tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire bearer token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/messages?since=%s", c.baseURL, url.QueryEscape(since.UTC().Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build messages request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: inbox API status 401", queue.ErrAuthRejected)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("inbox API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Messages []struct {
			ID  string `json:"id"`
			Raw string `json:"raw"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	out := make([]models.InboundMessage, 0, len(envelope.Messages))
	for _, raw := range envelope.Messages {
		msg, err := ParseRaw(raw.Raw)
		if err != nil {
			slog.Warn("skipping unparseable inbound message", "message_id", raw.ID, "error", err)
			continue
		}
		if msg.MessageID == "" {
			msg.MessageID = raw.ID
		}
		out = append(out, msg)
	}
	return out, nil
}

// ParseRaw reduces a raw RFC822 message to the sweep-facing shape. Only the
// first text part is kept; attachments are ignored.
func ParseRaw(raw string) (models.InboundMessage, error) {
	mr, err := mail.CreateReader(strings.NewReader(raw))
	if err != nil {
		return models.InboundMessage{}, fmt.Errorf("parse message: %w", err)
	}

	var msg models.InboundMessage

	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = addrs[0].Address
	} else {
		msg.From = strings.TrimSpace(mr.Header.Get("From"))
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}
	if id, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = id
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever was parsed before the malformed part.
			break
		}
		if _, ok := part.Header.(*mail.InlineHeader); !ok {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, 256*1024))
		if err != nil {
			continue
		}
		if msg.TextBody == "" {
			msg.TextBody = strings.TrimSpace(string(body))
		}
	}

	return msg, nil
}
