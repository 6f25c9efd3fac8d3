package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"os"
	"strconv"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"
)

// Mailer delivers one-time codes to account owners.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to string, code int) error
	SendPasswordResetCode(ctx context.Context, to string, code int) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// ConfigFromEnv reads SMTP settings. An empty Host selects the logging sink.
func ConfigFromEnv() Config {
	port, err := strconv.Atoi(os.Getenv("MAIL_SMTP_PORT"))
	if err != nil || port <= 0 {
		port = 587
	}
	from := os.Getenv("MAIL_FROM")
	if from == "" {
		from = "Project Tracker <no-reply@localhost>"
	}
	return Config{
		Host:     os.Getenv("MAIL_SMTP_HOST"),
		Port:     port,
		Username: os.Getenv("MAIL_SMTP_USER"),
		Password: os.Getenv("MAIL_SMTP_PASSWORD"),
		From:     from,
	}
}

// New returns an SMTP mailer, or a LogMailer when no SMTP host is configured.
func New(cfg Config, logger *zap.SugaredLogger) Mailer {
	if cfg.Host == "" {
		return &LogMailer{logger: logger}
	}
	return NewSMTPMailer(cfg)
}

var codeTemplate = template.Must(template.New("code").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<p>{{.Intro}}</p>
<p style="font-size:24px;letter-spacing:4px"><strong>{{.Code}}</strong></p>
<p>This code expires in {{.Minutes}} minutes. If you did not request it you can ignore this email.</p>
</body></html>`))

type codeMessage struct {
	Subject string
	Intro   string
	Code    string
	Minutes int
}

func verificationMessage(code int) codeMessage {
	return codeMessage{
		Subject: "Verify your email address",
		Intro:   "Use the code below to verify your email address.",
		Code:    fmt.Sprintf("%06d", code),
		Minutes: 2,
	}
}

func resetMessage(code int) codeMessage {
	return codeMessage{
		Subject: "Reset your password",
		Intro:   "Use the code below to reset your password.",
		Code:    fmt.Sprintf("%06d", code),
		Minutes: 3,
	}
}

func (m codeMessage) render() ([]byte, error) {
	var buf bytes.Buffer
	if err := codeTemplate.Execute(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SMTPMailer sends HTML mail through a single SMTP relay.
type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
}

func NewSMTPMailer(cfg Config) *SMTPMailer {
	var auth smtp.Auth
	if cfg.Username != "" || cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPMailer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth: auth,
		from: cfg.From,
	}
}

func (m *SMTPMailer) SendVerificationCode(ctx context.Context, to string, code int) error {
	return m.send(ctx, to, verificationMessage(code))
}

func (m *SMTPMailer) SendPasswordResetCode(ctx context.Context, to string, code int) error {
	return m.send(ctx, to, resetMessage(code))
}

func (m *SMTPMailer) send(ctx context.Context, to string, msg codeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := msg.render()
	if err != nil {
		return fmt.Errorf("render %q: %w", msg.Subject, err)
	}
	e := email.NewEmail()
	e.From = m.from
	e.To = []string{to}
	e.Subject = msg.Subject
	e.HTML = body
	if err := e.Send(m.addr, m.auth); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogMailer writes codes to the log instead of sending them. Development only.
type LogMailer struct {
	logger *zap.SugaredLogger
}

func (m *LogMailer) SendVerificationCode(ctx context.Context, to string, code int) error {
	m.logger.Infow("mail (dev sink)", "to", to, "subject", verificationMessage(code).Subject, "code", fmt.Sprintf("%06d", code))
	return nil
}

func (m *LogMailer) SendPasswordResetCode(ctx context.Context, to string, code int) error {
	m.logger.Infow("mail (dev sink)", "to", to, "subject", resetMessage(code).Subject, "code", fmt.Sprintf("%06d", code))
	return nil
}
