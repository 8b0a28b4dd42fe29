package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackConfig configures the Slack notifier: an incoming webhook, or a bot
// token plus channel.
type SlackConfig struct {
	WebhookURL string
	BotToken   string
	Channel    string
}

// Slack posts alert text. Pairing codes are announced but not rendered;
// scan them from the terminal or Telegram.
type Slack struct {
	cfg    SlackConfig
	client *slack.Client
}

func NewSlack(cfg SlackConfig) *Slack {
	s := &Slack{cfg: cfg}
	if cfg.WebhookURL == "" && cfg.BotToken != "" {
		s.client = slack.New(cfg.BotToken)
	}
	return s
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	text := a.Text
	if a.Kind == KindPairing {
		text = "WhatsApp gateway is waiting to be paired. Check the gateway terminal for the QR code."
	}
	switch {
	case s.cfg.WebhookURL != "":
		if err := slack.PostWebhookContext(ctx, s.cfg.WebhookURL, &slack.WebhookMessage{Text: text}); err != nil {
			return fmt.Errorf("slack webhook: %w", err)
		}
	case s.client != nil:
		if _, _, err := s.client.PostMessageContext(ctx, s.cfg.Channel, slack.MsgOptionText(text, false)); err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
	default:
		return errors.New("slack: neither webhook nor bot token configured")
	}
	return nil
}
