package notify

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	Token       string
	ChatIDs     []int64
	APIEndpoint string // optional, defaults to the public Bot API
}

// Telegram sends alerts through a bot; pairing codes go out as a QR photo.
type Telegram struct {
	cfg TelegramConfig

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	return &Telegram{cfg: cfg}
}

func (t *Telegram) Name() string { return "telegram" }

// client connects lazily so a bad token does not block startup.
func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.cfg.Token, t.cfg.APIEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	var png []byte
	if a.Kind == KindPairing {
		if png, err = qrPNG(a.Code); err != nil {
			return err
		}
	}
	for _, chatID := range t.cfg.ChatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var c tgbotapi.Chattable
		if png != nil {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "pairing-qr.png", Bytes: png})
			photo.Caption = a.Text
			c = photo
		} else {
			c = tgbotapi.NewMessage(chatID, a.Text)
		}
		if _, err := bot.Send(c); err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
	}
	return nil
}
