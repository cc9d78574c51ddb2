// Package sheet adapts the remote spreadsheet's row API to the lead
// operations the rest of the system needs. The adapter is stateless; callers
// own retries (the update queue for writes).
package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/draftwire/outreach/internal/models"
	"github.com/draftwire/outreach/internal/queue"
)

// ErrLeadNotFound means no row in the sheet carries the given email.
var ErrLeadNotFound = errors.New("lead not found")

// TokenSource supplies a bearer token for each request. Backed by the token
// manager bound to one session.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Client is the Record Store adapter over the sheet's REST API.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  TokenSource
}

func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
	}
}

// FindAll returns every lead row in the sheet.
func (c *Client) FindAll(ctx context.Context) ([]models.Lead, error) {
	rows, err := c.fetchRows(ctx)
	if err != nil {
		return nil, err
	}

	leads := make([]models.Lead, 0, len(rows))
	for _, row := range rows {
		lead := leadFromRow(row)
		if lead.Email == "" {
			continue
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

// FindByEmail returns the lead keyed by the given email, matched
// case-insensitively on the trimmed address. Returns ErrLeadNotFound when no
// row matches.
func (c *Client) FindByEmail(ctx context.Context, email string) (*models.Lead, error) {
	key := models.NormalizeEmail(email)
	if key == "" {
		return nil, ErrLeadNotFound
	}

	rows, err := c.fetchRows(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		lead := leadFromRow(row)
		if lead.Email == key {
			return &lead, nil
		}
	}
	return nil, ErrLeadNotFound
}

// Patch updates the named fields on the lead's row. Field names are matched
// against the sheet's actual column headers tolerantly, so "Last Email Date",
// "last_email_date" and "LastEmailDate" all land on the same column.
func (c *Client) Patch(ctx context.Context, email string, fields map[string]any) error {
	lead, err := c.FindByEmail(ctx, email)
	if err != nil {
		return err
	}

	payload := make(map[string]any, len(fields))
	for name, value := range fields {
		payload[resolveColumn(lead.Raw, name)] = value
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		fmt.Sprintf("%s/rows/%s", c.baseURL, lead.RowID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build patch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("patch row %s: %w", lead.RowID, err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func (c *Client) fetchRows(ctx context.Context) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rows", nil)
	if err != nil {
		return nil, fmt.Errorf("build rows request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var envelope struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return envelope.Rows, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: sheet API status 401: %s", queue.ErrAuthRejected, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("sheet API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// --- Row mapping ---

// normalizeKey collapses a column header for tolerant matching: lowercase
// with spaces, underscores and hyphens removed. Absorbs schema drift in the
// remote sheet.
func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '_', '-':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// resolveColumn finds the row's actual header for a logical field name, so
// patches write back under the sheet's own spelling. Falls back to the
// logical name for columns the row does not carry yet.
func resolveColumn(row map[string]any, logical string) string {
	want := normalizeKey(logical)
	for header := range row {
		if normalizeKey(header) == want {
			return header
		}
	}
	return logical
}

func fieldString(row map[string]any, logical string) string {
	want := normalizeKey(logical)
	for header, value := range row {
		if normalizeKey(header) != want {
			continue
		}
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		case nil:
			return ""
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func fieldInt(row map[string]any, logical string) int {
	raw := fieldString(row, logical)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0
		}
		return int(f)
	}
	return n
}

func leadFromRow(row map[string]any) models.Lead {
	return models.Lead{
		RowID:         fieldString(row, "id"),
		Email:         models.NormalizeEmail(fieldString(row, "email")),
		Status:        models.LeadStatus(fieldString(row, "status")),
		LastEmailDate: fieldString(row, "lastEmailDate"),
		NextEmailDate: fieldString(row, "nextEmailDate"),
		EmailCount:    fieldInt(row, "emailCount"),
		TemplateUsed:  fieldString(row, "templateUsed"),
		CampaignID:    fieldString(row, "campaignId"),
		Raw:           row,
	}
}
