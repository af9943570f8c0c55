package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"feedback-mailer/config"

	log "github.com/sirupsen/logrus"
	mail "gopkg.in/gomail.v2"
)

// Message is one rendered outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer transmits a message. Implementations must return when ctx is done.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// MailService sends mail over SMTP. Port 465 uses implicit TLS; other ports
// upgrade with STARTTLS when the server offers it.
type MailService struct {
	host      string
	port      int
	from      string
	fromName  string
	authUser  string
	authPass  string
	tlsConfig *tls.Config
}

// NewMailService creates a new MailService instance
func NewMailService(cfg *config.Config) (*MailService, error) {
	host, portStr, err := net.SplitHostPort(cfg.MailHub)
	if err != nil {
		return nil, fmt.Errorf("invalid MAILHUB format: %s. Expected host:port", cfg.MailHub)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in MAILHUB: %v", err)
	}
	if cfg.SkipTLSVerify {
		log.Warn("TLS certificate verification is DISABLED.")
	}
	return &MailService{
		host:     host,
		port:     port,
		from:     cfg.From(),
		fromName: cfg.FromName,
		authUser: cfg.AuthUser,
		authPass: cfg.AuthPass,
		tlsConfig: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.SkipTLSVerify,
		},
	}, nil
}

func (s *MailService) dialer() *mail.Dialer {
	d := mail.NewDialer(s.host, s.port, s.authUser, s.authPass)
	d.TLSConfig = s.tlsConfig
	return d
}

// Send transmits msg. gomail has no context support, so the dial runs in its
// own goroutine and Send stops waiting for it when ctx is done.
func (s *MailService) Send(ctx context.Context, msg *Message) error {
	m := mail.NewMessage()
	m.SetAddressHeader("From", s.from, s.fromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	done := make(chan error, 1)
	go func() {
		done <- s.dialer().DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("could not send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("could not send email: %w", ctx.Err())
	}
}

// Test dials and authenticates without sending anything.
func (s *MailService) Test(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		sc, err := s.dialer().Dial()
		if err != nil {
			done <- err
			return
		}
		done <- sc.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("SMTP check against %s:%d failed: %w", s.host, s.port, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("SMTP check against %s:%d failed: %w", s.host, s.port, ctx.Err())
	}
}
