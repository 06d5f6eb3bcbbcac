package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/rs/zerolog"

	"royaltyledger/internal/config"
)

type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// New returns a Mailgun notifier when it is fully configured and a
// log-only notifier otherwise.
func New(cfg config.Config, log zerolog.Logger) Notifier {
	if cfg.MailgunDomain == "" || cfg.MailgunAPIKey == "" || cfg.MailgunSender == "" {
		log.Warn().Msg("mailgun configuration incomplete, notifications will only be logged")
		return &LogNotifier{log: log}
	}
	mg := mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunAPIKey)
	log.Info().Str("domain", cfg.MailgunDomain).Msg("mailgun client initialized")
	return &MailgunNotifier{mg: mg, sender: cfg.MailgunSender, log: log}
}

type MailgunNotifier struct {
	mg     mailgun.Mailgun
	sender string
	log    zerolog.Logger
}

func (n *MailgunNotifier) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("notification %q has no recipient", msg.Subject)
	}
	m := n.mg.NewMessage(n.sender, msg.Subject, msg.Text, msg.To)
	if msg.HTML != "" {
		m.SetHtml(msg.HTML)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	resp, id, err := n.mg.Send(ctx, m)
	if err != nil {
		n.log.Error().Err(err).Str("to", msg.To).Str("mailgun_resp", resp).Msg("mailgun send failed")
		return fmt.Errorf("mailgun send failed: %w", err)
	}
	n.log.Info().Str("to", msg.To).Str("id", id).Str("subject", msg.Subject).Msg("notification sent")
	return nil
}

// LogNotifier records notifications instead of delivering them.
type LogNotifier struct {
	log  zerolog.Logger
	Sent []Message
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.Sent = append(n.Sent, msg)
	n.log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("notification (not delivered)")
	return nil
}
