package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
	// APIURL overrides the Slack Web API base, mainly for tests.
	APIURL   string `json:"api_url,omitempty"`
	Username string `json:"username,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
}

// Slack posts alerts to one channel through the Web API.
type Slack struct {
	cfg    SlackConfig
	client *slack.Client
	logger *zap.Logger
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig, logger *zap.Logger) *Slack {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{cfg: cfg, client: slack.New(cfg.BotToken, opts...), logger: logger}
}

func (s *Slack) Platform() string { return "slack" }

// Notify posts a as a bold header plus message body.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(fmt.Sprintf("*[%s] %s*\n%s", a.Severity, a.Title, a.Message), false),
	}
	if s.cfg.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(s.cfg.Username))
	}
	if s.cfg.Emoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(s.cfg.Emoji))
	}

	_, _, err := s.client.PostMessageContext(ctx, s.cfg.Channel, opts...)
	if err != nil {
		s.logger.Error("slack send failed", zap.String("channel", s.cfg.Channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
