package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/constbot/internal/telegraph"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts notices to one Slack channel with a bot token.
type Slack struct {
	client    slackClient
	channelID string
	backoff   time.Duration
}

var _ telegraph.Notifier = (*Slack)(nil)

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("alert: slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alert: slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Slack{client: client, channelID: opts.ChannelID, backoff: baseBackoff}, nil
}

// Notify posts text as a plain message.
func (s *Slack) Notify(ctx context.Context, text string) error {
	err := retryOnRateLimit(ctx, "slack", s.backoff, func() error {
		_, _, postErr := s.client.PostMessage(s.channelID, slackapi.MsgOptionText(text, false))
		return postErr
	}, slackRateLimited)
	if err != nil {
		return fmt.Errorf("alert: slack: post message: %w", err)
	}
	return nil
}

func slackRateLimited(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if !errors.As(err, &rle) {
		return 0, false
	}
	return rle.RetryAfter, true
}
