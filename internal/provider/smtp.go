package provider

import (
	"context"
	"net/mail"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"GatherSend/internal/models"
)

// SMTP is the fallback email channel for guests without a phone number.
// Email has no asynchronous delivery callbacks, so a successful SMTP
// hand-off reports "sent" and the lifecycle ends there.
type SMTP struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (s *SMTP) Channel() models.Channel { return models.ChannelEmail }

func (s *SMTP) Send(ctx context.Context, req Request) (*Result, error) {
	if _, err := mail.ParseAddress(req.Address); err != nil {
		return nil, &Error{Code: "invalid_recipient", Message: err.Error(), Retryable: false}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", req.Address)
	m.SetHeader("Subject", req.Subject)
	m.SetBody("text/html", req.Content)

	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Pass)

	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return nil, &Error{Code: "canceled", Message: ctx.Err().Error(), Retryable: true}
	case err := <-done:
		if err != nil {
			// SMTP dial and relay failures are transport problems; the
			// address itself was already validated above.
			return nil, &Error{Code: "smtp", Message: err.Error(), Retryable: true}
		}
	}

	return &Result{
		ProviderMessageID: "smtp-" + uuid.NewString(),
		InitialStatus:     models.StatusSent,
	}, nil
}
