package mail

import (
	"context"
	"fmt"
)

// TokenSource yields a live bearer token for the sending account.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Sender binds an SMTP client to one account's credentials. It is the
// Mailer the campaign runner and sweeps consume.
type Sender struct {
	client  *SMTPClient
	account string
	from    string
	tokens  TokenSource
}

// NewSender builds a Sender for the given account. When from is empty the
// account address itself is used.
func NewSender(client *SMTPClient, account, from string, tokens TokenSource) *Sender {
	if from == "" {
		from = account
	}
	return &Sender{client: client, account: account, from: from, tokens: tokens}
}

// Send implements the outbound Mailer contract.
func (s *Sender) Send(ctx context.Context, to, subject, htmlBody string) error {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire send credential: %w", err)
	}
	return s.client.Send(s.account, tok, s.from, to, subject, htmlBody)
}
