package notify

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/gomail.v2"
)

// EmailOpts holds SMTP configuration for the gomail-backed email sender.
type EmailOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailOption defines a configuration option for the email sender.
type EmailOption func(*EmailOpts)

// WithSMTPHost sets the SMTP server hostname.
func WithSMTPHost(host string) EmailOption {
	return func(o *EmailOpts) { o.Host = host }
}

// WithSMTPPort sets the SMTP server port.
func WithSMTPPort(port int) EmailOption {
	return func(o *EmailOpts) { o.Port = port }
}

// WithSMTPCredentials sets the SMTP username and password.
func WithSMTPCredentials(username, password string) EmailOption {
	return func(o *EmailOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithFromAddress sets the From header on outgoing mail.
func WithFromAddress(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

// GomailSender implements EmailSender over SMTP.
type GomailSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewGomailSender creates an SMTP email sender, falling back to SMTP_*
// environment variables for unset options.
func NewGomailSender(opts ...EmailOption) (*GomailSender, error) {
	var cfg EmailOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		cfg.Host = os.Getenv("SMTP_HOST")
	}
	if cfg.Port == 0 {
		if port, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil {
			cfg.Port = port
		} else {
			cfg.Port = 587
		}
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}

	if cfg.Host == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("SMTP credentials not configured")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}

	slog.Debug("Gomail sender configured", "host", cfg.Host, "port", cfg.Port, "from", cfg.From)
	return &GomailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}, nil
}

// SendEmail delivers one plain-text email.
func (s *GomailSender) SendEmail(to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}
	return nil
}
