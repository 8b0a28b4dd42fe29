package notify

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// DiscordConfig configures the Discord notifier.
type DiscordConfig struct {
	Token     string
	ChannelID string
}

// Discord posts alerts to one channel; pairing codes are attached as a PNG.
type Discord struct {
	cfg DiscordConfig

	mu      sync.Mutex
	session *discordgo.Session
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{cfg: cfg}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) client() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return d.session, nil
	}
	s, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	d.session = s
	return s, nil
}

func (d *Discord) Notify(ctx context.Context, a Alert) error {
	s, err := d.client()
	if err != nil {
		return err
	}
	if a.Kind == KindPairing {
		png, err := qrPNG(a.Code)
		if err != nil {
			return err
		}
		_, err = s.ChannelFileSendWithMessage(d.cfg.ChannelID, a.Text, "pairing-qr.png", bytes.NewReader(png), discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
		return nil
	}
	if _, err := s.ChannelMessageSend(d.cfg.ChannelID, a.Text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
