package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/constbot/internal/telegraph"
)

// discordLimit is the longest message content Discord accepts.
const discordLimit = 2000

// discordSession abstracts the discordgo.Session methods we use.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notices to one Discord channel over the REST API. No
// gateway connection is opened.
type Discord struct {
	sess      discordSession
	channelID string
	backoff   time.Duration
}

var _ telegraph.Notifier = (*Discord)(nil)

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("alert: discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alert: discord: channel id is required")
	}
	sess := opts.Session
	if sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("alert: discord: create session: %w", err)
		}
		sess = dg
	}
	return &Discord{sess: sess, channelID: opts.ChannelID, backoff: baseBackoff}, nil
}

// Notify posts text, cut to Discord's message limit.
func (d *Discord) Notify(ctx context.Context, text string) error {
	content := text
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-1]) + "…"
	}
	err := retryOnRateLimit(ctx, "discord", d.backoff, func() error {
		_, sendErr := d.sess.ChannelMessageSend(d.channelID, content)
		return sendErr
	}, discordRateLimited)
	if err != nil {
		return fmt.Errorf("alert: discord: send message: %w", err)
	}
	return nil
}

func discordRateLimited(err error) (time.Duration, bool) {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return 0, false
	}
	return 0, restErr.Response.StatusCode == http.StatusTooManyRequests
}
