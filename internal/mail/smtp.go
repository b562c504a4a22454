package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	"github.com/midnight-protocol/admin/internal/config"
)

// Message is a rendered email ready for a single recipient.
type Message struct {
	FromAddress string
	FromName    string
	To          string
	Subject     string
	HTML        string
	Text        string
}

// SMTPMailer sends messages through an SMTP relay. Each Send dials once and
// does not retry.
type SMTPMailer struct {
	client      *gomail.Client
	fromAddress string
	fromName    string
}

func NewSMTPMailer(cfg config.MailConfig) (*SMTPMailer, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.SMTPPort),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(30 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	client, err := gomail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPMailer{client: client, fromAddress: cfg.FromAddress, fromName: cfg.FromName}, nil
}

// Send delivers m and returns the Message-ID it was sent with.
func (s *SMTPMailer) Send(ctx context.Context, m Message) (string, error) {
	msg, err := s.build(m)
	if err != nil {
		return "", err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("smtp send to %s: %w", m.To, err)
	}
	return msg.GetMessageID(), nil
}

func (s *SMTPMailer) build(m Message) (*gomail.Msg, error) {
	from, name := m.FromAddress, m.FromName
	if from == "" {
		from, name = s.fromAddress, s.fromName
	}

	msg := gomail.NewMsg()
	if name != "" {
		if err := msg.FromFormat(name, from); err != nil {
			return nil, fmt.Errorf("set sender %q: %w", from, err)
		}
	} else if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("set sender %q: %w", from, err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("set recipient %q: %w", m.To, err)
	}
	msg.Subject(m.Subject)
	msg.SetMessageID()

	switch {
	case m.Text != "" && m.HTML != "":
		msg.SetBodyString(gomail.TypeTextPlain, m.Text)
		msg.AddAlternativeString(gomail.TypeTextHTML, m.HTML)
	case m.HTML != "":
		msg.SetBodyString(gomail.TypeTextHTML, m.HTML)
	default:
		msg.SetBodyString(gomail.TypeTextPlain, m.Text)
	}
	return msg, nil
}

// LogMailer stands in for SMTP when no relay is configured. It records each
// message in the log and reports success.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, m Message) (string, error) {
	id := fmt.Sprintf("<%s@log.mailer>", uuid.NewString())
	slog.Info("test email not sent, no SMTP relay configured",
		"to", m.To,
		"subject", m.Subject,
		"message_id", id,
	)
	return id, nil
}
