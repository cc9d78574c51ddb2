package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenResponse is the identity provider's answer to a grant request.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Provider exchanges and refreshes OAuth credentials.
type Provider interface {
	Exchange(ctx context.Context, code string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// ProviderError carries the HTTP status of a rejected grant request so the
// manager can tell terminal rejections from transient network failures.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d: %s", e.Status, e.Body)
}

// Rejected reports whether the provider definitively refused the grant.
// Retrying the same refresh token after one of these cannot succeed.
func (e *ProviderError) Rejected() bool {
	return e.Status == http.StatusBadRequest ||
		e.Status == http.StatusUnauthorized ||
		e.Status == http.StatusForbidden
}

// HTTPProvider talks to a standard OAuth2 token endpoint with form-encoded
// grant requests.
type HTTPProvider struct {
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURL  string
}

func NewHTTPProvider(tokenURL, clientID, clientSecret, redirectURL string) *HTTPProvider {
	return &HTTPProvider{
		client:       &http.Client{Timeout: 15 * time.Second},
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
	}
}

// Exchange trades an authorization code for access and refresh tokens.
func (p *HTTPProvider) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("redirect_uri", p.redirectURL)
	form.Set("grant_type", "authorization_code")

	return p.post(ctx, form)
}

// Refresh trades a refresh token for a fresh access token.
func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("grant_type", "refresh_token")

	return p.post(ctx, form)
}

func (p *HTTPProvider) post(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tokens, nil
}
