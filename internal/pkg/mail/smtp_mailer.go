package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
)

// Mailer delivers verification codes.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code string) error
}

var ErrNotConfigured = errors.New("smtp not configured")

type SMTPMailer struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailerFromEnv reads SMTP_* settings.
func NewSMTPMailerFromEnv() *SMTPMailer {
	m := &SMTPMailer{
		Host:     env.GetEnv("SMTP_HOST", ""),
		Port:     env.GetEnv("SMTP_PORT", "587"),
		Username: env.GetEnv("SMTP_USERNAME", ""),
		Password: env.GetEnv("SMTP_PASSWORD", ""),
		Sender:   env.GetEnv("SMTP_SENDER", ""),
		send:     smtp.SendMail,
	}
	if m.Sender == "" {
		m.Sender = "no-reply@localhost"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", m.Sender)
	}
	return m
}

func (m *SMTPMailer) Configured() bool {
	return m.Host != ""
}

func (m *SMTPMailer) SendVerificationCode(ctx context.Context, to, code string) error {
	if !m.Configured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.Username != "" && m.Password != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}
	addr := fmt.Sprintf("%s:%s", m.Host, m.Port)

	send := m.send
	if send == nil {
		send = smtp.SendMail
	}
	err := send(addr, auth, m.Sender, []string{to}, BuildVerificationMessage(m.Sender, to, code))
	if err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
		return err
	}
	log.Infof("[Mail] Verification code sent to %s via %s", to, addr)
	return nil
}

// BuildVerificationMessage renders the RFC 5322 message for a code.
func BuildVerificationMessage(from, to, code string) []byte {
	var body strings.Builder
	body.WriteString("<h2>PageBrief</h2>")
	body.WriteString("<p>Your verification code is:</p>")
	body.WriteString(fmt.Sprintf("<p style=\"font-size:28px;letter-spacing:6px\"><strong>%s</strong></p>", code))
	body.WriteString("<p>The code is valid for 10 minutes. If you did not request it, ignore this email.</p>")

	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", from, to, "Your PageBrief verification code") +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body.String(),
	)
}

// LogMailer writes codes to the log. Development only.
type LogMailer struct{}

func (LogMailer) SendVerificationCode(_ context.Context, to, code string) error {
	log.Infof("[Mail] (dev) verification code for %s: %s", to, code)
	return nil
}

// FromEnv returns an SMTP mailer when SMTP_HOST is set. In development
// without SMTP the code is logged instead; elsewhere the unconfigured SMTP
// mailer is returned and every send reports ErrNotConfigured.
func FromEnv() Mailer {
	m := NewSMTPMailerFromEnv()
	if !m.Configured() && env.IsDev() {
		return LogMailer{}
	}
	return m
}
