// Package email sends comment mail over SMTP and renders its bodies.
package email

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/mail.v2"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Service provides email sending
type Service struct {
	config Config
	dialer sender
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		dialer: mail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != 0 && s.config.From != ""
}

// Send delivers one message to every address in to. html may be empty, in
// which case a plain text message is sent.
func (s *Service) Send(ctx context.Context, subject, text, html string, to []string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return errors.New("email has no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	if s.config.FromName != "" {
		m.SetAddressHeader("From", s.config.From, s.config.FromName)
	} else {
		m.SetHeader("From", s.config.From)
	}
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)
	if html != "" {
		m.AddAlternative("text/html", html)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email %q: %w", subject, err)
	}
	return nil
}
