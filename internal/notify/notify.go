// Package notify delivers transactional email for the authentication flows.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/smtp"
	"strings"
)

// Template names the allowed transactional emails. Adding one requires a
// code change.
type Template string

const (
	TemplateEmailVerification Template = "email_verification"
	TemplatePasswordReset     Template = "password_reset"
	TemplateAccountLocked     Template = "account_locked"
	TemplatePasswordChanged   Template = "password_changed"
)

var subjects = map[Template]string{
	TemplateEmailVerification: "Verify your VantageTrade account",
	TemplatePasswordReset:     "Reset your VantageTrade password",
	TemplateAccountLocked:     "Your VantageTrade account was locked",
	TemplatePasswordChanged:   "Your VantageTrade password was changed",
}

// Message is a fully-resolved email.
type Message struct {
	To       string
	Template Template
	Data     map[string]string
}

// Mailer delivers a message. Implementations must be safe for concurrent
// use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer sends through a plain SMTP relay.
type SMTPMailer struct {
	addr string // host:port
	from string
}

func NewSMTPMailer(addr, from string) *SMTPMailer {
	return &SMTPMailer{addr: addr, from: from}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	subject, ok := subjects[msg.Template]
	if !ok {
		return errors.New("unknown email template")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", m.from)
	fmt.Fprintf(&body, "To: %s\r\n", msg.To)
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(renderBody(msg))

	if err := smtp.SendMail(m.addr, nil, m.from, []string{msg.To}, []byte(body.String())); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func renderBody(msg Message) string {
	switch msg.Template {
	case TemplateEmailVerification:
		return "Welcome to VantageTrade.\r\n\r\nVerify your email address:\r\n" + msg.Data["link"] + "\r\n"
	case TemplatePasswordReset:
		return "A password reset was requested for your account.\r\n\r\nReset it here:\r\n" + msg.Data["link"] + "\r\n\r\nIf this was not you, ignore this email.\r\n"
	case TemplateAccountLocked:
		return "Your account was locked after repeated failed sign-in attempts. It unlocks automatically after " + msg.Data["duration"] + ".\r\n"
	case TemplatePasswordChanged:
		return "Your account password was changed. If this was not you, reset your password immediately.\r\n"
	default:
		return ""
	}
}

// DevMailer logs instead of sending. Local development only; the payload
// contains live tokens, so the logger must not ship anywhere.
type DevMailer struct {
	Logger *slog.Logger
}

func (m *DevMailer) Send(ctx context.Context, msg Message) error {
	m.Logger.Info("dev_mail", "to", msg.To, "template", string(msg.Template), "data", msg.Data)
	return nil
}
