package mail

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// ErrAuth marks an SMTP authentication rejection. Retrying with the same
// credential cannot succeed; the caller should refresh and re-authenticate.
var ErrAuth = errors.New("smtp authentication failed")

// SMTPClient sends HTML mail through the provider's submission endpoint,
// authenticating with an OAuth bearer token (XOAUTH2).
type SMTPClient struct {
	host string
	port int
}

func NewSMTPClient(host string, port int) *SMTPClient {
	return &SMTPClient{host: host, port: port}
}

// Send delivers an HTML email to a single recipient as the given account.
func (c *SMTPClient) Send(username, accessToken, from, to, subject, htmlBody string) error {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	auth := xoauth2Auth{username: username, token: accessToken}

	headers := fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=\"UTF-8\"\r\n"+
			"\r\n",
		from, to, subject,
	)

	msg := []byte(headers + htmlBody)

	if err := smtp.SendMail(addr, auth, from, []string{to}, msg); err != nil {
		if isAuthRejection(err) {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// isAuthRejection recognizes the 535/534 replies providers use for bad or
// expired credentials.
func isAuthRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "535") ||
		strings.Contains(msg, "534") ||
		strings.Contains(strings.ToLower(msg), "authentication")
}

// xoauth2Auth implements smtp.Auth for the SASL XOAUTH2 mechanism used by
// Gmail and Outlook submission endpoints.
type xoauth2Auth struct {
	username string
	token    string
}

func (a xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(resp), nil
}

func (a xoauth2Auth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		// The server is sending an error payload; an empty response
		// makes it finish with the real SMTP error code.
		return []byte{}, nil
	}
	return nil, nil
}
