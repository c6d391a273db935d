// Package email sends plain-text mail through an SMTP relay.
package email

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"strings"
)

// Sender delivers mail via SMTP with STARTTLS (Gmail app passwords in
// the default configuration).
type Sender struct {
	host     string
	port     int
	from     string
	password string
	name     string
}

// Config locates the SMTP relay.
type Config struct {
	Host     string
	Port     int
	From     string
	Password string
	Name     string
}

// NewSender creates a sender. Missing credentials are resolved from the
// environment.
func NewSender(cfg Config) *Sender {
	if cfg.Host == "" {
		cfg.Host = "smtp.gmail.com"
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SENDER_EMAIL")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SENDER_PASSWORD")
	}
	if cfg.Name == "" {
		cfg.Name = "AI Assistant"
	}
	return &Sender{
		host:     cfg.Host,
		port:     cfg.Port,
		from:     cfg.From,
		password: cfg.Password,
		name:     cfg.Name,
	}
}

// Enabled reports whether credentials are configured.
func (s *Sender) Enabled() bool {
	return s.from != "" && s.password != ""
}

// Send delivers one message.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.Enabled() {
		return fmt.Errorf("email sender is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", s.name, s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	auth := smtp.PlainAuth("", s.from, s.password, s.host)
	if err := smtp.SendMail(addr, auth, s.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	log.Printf("[Email] Sent %q to %s", subject, to)
	return nil
}
