package adapter

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/carewatch/alert-engine/internal/domain"
	"gopkg.in/gomail.v2"
)

// EmailAdapter delivers alerts over SMTP.
type EmailAdapter struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailAdapter(host string, port int, username, password, from string) (*EmailAdapter, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if port <= 0 {
		return nil, fmt.Errorf("smtp port is required")
	}
	if _, err := mail.ParseAddress(from); err != nil {
		return nil, fmt.Errorf("invalid smtp sender address: %w", err)
	}

	var dialer *gomail.Dialer
	if strings.TrimSpace(username) == "" {
		dialer = &gomail.Dialer{Host: host, Port: port}
	} else {
		dialer = gomail.NewPlainDialer(host, port, username, password)
	}

	return &EmailAdapter{
		dialer: dialer,
		from:   from,
	}, nil
}

func (a *EmailAdapter) Channel() domain.Channel {
	return domain.ChannelEmail
}

func (a *EmailAdapter) Send(ctx context.Context, destination string, msg Message) (*Receipt, error) {
	if a == nil || a.dialer == nil {
		return nil, fmt.Errorf("email adapter is not initialized")
	}

	if _, err := mail.ParseAddress(strings.TrimSpace(destination)); err != nil {
		return nil, &AdapterError{
			Message:   fmt.Sprintf("invalid recipient address %q", destination),
			Transient: false,
			Cause:     err,
		}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", strings.TrimSpace(destination))
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("X-Alert-Severity", strings.ToLower(msg.Severity.String()))
	m.SetBody("text/plain", msg.Body)

	// gomail has no context-aware send; run it on the side so the
	// dispatcher's per-attempt deadline still applies.
	done := make(chan error, 1)
	go func() {
		done <- a.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, &AdapterError{
			Message:   "smtp send aborted",
			Transient: ctx.Err() == context.DeadlineExceeded,
			Cause:     ctx.Err(),
		}
	case err := <-done:
		if err != nil {
			return nil, &AdapterError{
				Message:   "smtp send failed",
				Transient: true,
				Cause:     err,
			}
		}
	}

	return &Receipt{}, nil
}
