package alert

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordConfig configures the Discord notifier. When WebhookID and
// WebhookToken are set, alerts go through the webhook under Username;
// otherwise the bot posts to ChannelID.
type DiscordConfig struct {
	BotToken     string `json:"bot_token"`
	ChannelID    string `json:"channel_id"`
	WebhookID    string `json:"webhook_id,omitempty"`
	WebhookToken string `json:"webhook_token,omitempty"`
	Username     string `json:"username,omitempty"`
}

// Discord posts alerts over the Discord REST API. No gateway connection
// is opened.
type Discord struct {
	cfg     DiscordConfig
	session *discordgo.Session
	logger  *zap.Logger
}

// NewDiscord creates a Discord notifier.
func NewDiscord(cfg DiscordConfig, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{cfg: cfg, session: session, logger: logger}, nil
}

func (d *Discord) Platform() string { return "discord" }

// Notify sends a via webhook or bot message.
func (d *Discord) Notify(ctx context.Context, a Alert) error {
	content := discordContent(a)
	if d.cfg.WebhookID != "" && d.cfg.WebhookToken != "" {
		params := &discordgo.WebhookParams{Content: content, Username: d.cfg.Username}
		if _, err := d.session.WebhookExecute(d.cfg.WebhookID, d.cfg.WebhookToken, false, params, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord webhook execute: %w", err)
		}
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.cfg.ChannelID, content, discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord send failed", zap.String("channel", d.cfg.ChannelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func discordContent(a Alert) string {
	return fmt.Sprintf("**[%s] %s**\n%s", a.Severity, a.Title, a.Message)
}
