// Package telegram implements the telegraph Adapter for the Telegram Bot API,
// receiving updates by long polling or from a webhook.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/constbot/internal/telegraph"
)

// Update modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// defaultPollTimeout is the long-polling timeout in seconds.
	defaultPollTimeout = 60
	// inlineCacheTime is how long Telegram may cache inline answers, in seconds.
	inlineCacheTime = 300
)

// botAPI abstracts the Bot API methods we use, enabling test mocks.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter implements telegraph.Adapter for Telegram.
type Adapter struct {
	api         botAPI
	self        tgbotapi.User
	token       string
	mode        string
	webhookURL  string
	pollTimeout int
	backoff     time.Duration // wait before retrying a rate limit without RetryAfter

	mu         sync.Mutex
	connected  bool
	closed     bool
	polling    bool
	cancelFunc context.CancelFunc
	inbound    chan telegraph.Event
	done       chan struct{}
	senders    sync.WaitGroup // goroutines that may write to inbound
}

var (
	_ telegraph.Adapter     = (*Adapter)(nil)
	_ telegraph.BotIdentity = (*Adapter)(nil)
)

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	Token          string
	Mode           string // ModePolling (default) or ModeWebhook
	PollTimeoutSec int    // long-polling timeout, defaults to 60
	// WebhookURL is registered with Telegram on Connect in webhook mode.
	// Leave empty when the webhook is registered out of band.
	WebhookURL string
	// For testing: inject a mock API and bot identity instead of calling getMe.
	API  botAPI
	Self tgbotapi.User
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.API == nil && opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModePolling
	}
	if mode != ModePolling && mode != ModeWebhook {
		return nil, fmt.Errorf("telegram: unknown mode %q", mode)
	}
	pollTimeout := opts.PollTimeoutSec
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Adapter{
		api:         opts.API,
		self:        opts.Self,
		token:       opts.Token,
		mode:        mode,
		webhookURL:  opts.WebhookURL,
		pollTimeout: pollTimeout,
		backoff:     time.Second,
		inbound:     make(chan telegraph.Event, 100),
		done:        make(chan struct{}),
	}, nil
}

// Connect authenticates with getMe and prepares the update mode: polling
// clears any webhook, webhook mode registers WebhookURL when set.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create the real client if not injected (production path).
	if a.api == nil {
		client := &http.Client{Timeout: time.Duration(a.pollTimeout+15) * time.Second}
		api, err := tgbotapi.NewBotAPIWithClient(a.token, tgbotapi.APIEndpoint, client)
		if err != nil {
			return fmt.Errorf("telegram: connect: %w", err)
		}
		api.Debug = false
		a.api = api
		a.self = api.Self
	}

	switch a.mode {
	case ModePolling:
		if _, err := a.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.Printf("telegram: warning: delete webhook: %v", err)
		}
	case ModeWebhook:
		if a.webhookURL != "" {
			wh, err := tgbotapi.NewWebhook(a.webhookURL)
			if err != nil {
				return fmt.Errorf("telegram: webhook url: %w", err)
			}
			if _, err := a.api.Request(wh); err != nil {
				return fmt.Errorf("telegram: set webhook: %w", err)
			}
		}
	}

	a.connected = true
	log.Printf("telegram: connected as @%s (%s mode)", a.self.UserName, a.mode)
	return nil
}

// Listen returns the inbound event channel. In polling mode it starts the
// update pump; in webhook mode events arrive through Ingest.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.mode == ModePolling && !a.polling {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = a.pollTimeout
		updates := a.api.GetUpdatesChan(u)

		listenCtx, cancel := context.WithCancel(ctx)
		a.cancelFunc = cancel
		a.polling = true
		a.senders.Add(1)
		go a.pumpUpdates(listenCtx, updates)
	}
	return a.inbound, nil
}

// Ingest decodes one webhook update and feeds it to the inbound channel.
func (a *Adapter) Ingest(ctx context.Context, body []byte) error {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("telegram: decode update: %w", err)
	}

	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("telegram: not connected")
	}
	a.senders.Add(1)
	a.mu.Unlock()
	defer a.senders.Done()

	if ev, ok := toEvent(update); ok {
		a.emit(ctx, ev)
	}
	return nil
}

// Send delivers a text message and returns its message id.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (int, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	cfg.ParseMode = msg.ParseMode
	cfg.DisableWebPagePreview = msg.DisablePreview
	if markup := replyMarkup(msg); markup != nil {
		cfg.ReplyMarkup = markup
	}

	var sent tgbotapi.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.api.Send(cfg)
		return sendErr
	})
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// SendTyping shows the typing indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID int64) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.retryOnRateLimit(ctx, func() error {
		_, err := a.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		return err
	})
}

// AnswerInline answers an inline query with article results.
func (a *Adapter) AnswerInline(ctx context.Context, queryID string, results []telegraph.InlineResult) error {
	if err := a.ready(); err != nil {
		return err
	}
	articles := make([]interface{}, 0, len(results))
	for _, r := range results {
		art := tgbotapi.NewInlineQueryResultArticle(r.ID, r.Title, r.Text)
		art.Description = r.Description
		art.InputMessageContent = tgbotapi.InputTextMessageContent{
			Text:                  r.Text,
			ParseMode:             r.ParseMode,
			DisableWebPagePreview: true,
		}
		articles = append(articles, art)
	}
	cfg := tgbotapi.InlineConfig{
		InlineQueryID: queryID,
		Results:       articles,
		CacheTime:     inlineCacheTime,
	}
	return a.retryOnRateLimit(ctx, func() error {
		_, err := a.api.Request(cfg)
		return err
	})
}

// Close stops polling and closes the inbound channel once every pending
// writer has returned.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel := a.cancelFunc
	polling := a.polling
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if polling {
		a.api.StopReceivingUpdates()
	}
	close(a.done)
	a.senders.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's user id (available after Connect).
func (a *Adapter) BotUserID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self.ID
}

// BotUserName returns the bot's username (available after Connect).
func (a *Adapter) BotUserName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self.UserName
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("telegram: not connected")
	}
	return nil
}

// pumpUpdates converts polled updates into events.
func (a *Adapter) pumpUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer a.senders.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if ev, ok := toEvent(update); ok {
				a.emit(ctx, ev)
			}
		}
	}
}

// emit blocks until the event is accepted or the adapter closes.
func (a *Adapter) emit(ctx context.Context, ev telegraph.Event) {
	select {
	case a.inbound <- ev:
	case <-a.done:
	case <-ctx.Done():
	}
}

// retryOnRateLimit calls fn and retries with backoff when Telegram answers
// 429. Other errors are translated and returned at once.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := callWithContext(ctx, fn)
		if err == nil {
			return nil
		}

		var tgErr *tgbotapi.Error
		if !errors.As(err, &tgErr) {
			return err
		}
		if tgErr.Code != http.StatusTooManyRequests || attempt == maxRetries {
			return rejected(tgErr)
		}

		wait := time.Duration(tgErr.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * a.backoff
		}
		log.Printf("telegram: rate limited, retrying in %v (attempt %d/%d)", wait, attempt+1, maxRetries)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// callWithContext runs fn but stops waiting for it once ctx is done. The
// Bot API client has no per-call context.
func callWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rejected converts a Bot API error into the platform-neutral form.
func rejected(e *tgbotapi.Error) *telegraph.RejectedError {
	return &telegraph.RejectedError{
		Code:            e.Code,
		Description:     e.Message,
		MigrateToChatID: e.MigrateToChatID,
	}
}

// replyMarkup picks the keyboard for msg. Nil means none.
func replyMarkup(msg telegraph.OutboundMessage) interface{} {
	switch {
	case msg.ForceReply:
		return tgbotapi.ForceReply{ForceReply: true, Selective: true}
	case msg.InlineSwitch != nil:
		return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonSwitch(msg.InlineSwitch.Text, msg.InlineSwitch.Query),
		))
	case msg.RemoveKeyboard:
		return tgbotapi.NewRemoveKeyboard(true)
	}
	return nil
}

// toEvent converts an update into an event. Update kinds the bot does not
// handle are dropped.
func toEvent(u tgbotapi.Update) (telegraph.Event, bool) {
	switch {
	case u.Message != nil:
		m := toInbound(u.Message)
		return telegraph.Event{Message: &m}, true
	case u.InlineQuery != nil:
		q := &telegraph.InlineQuery{ID: u.InlineQuery.ID, Query: u.InlineQuery.Query}
		if u.InlineQuery.From != nil {
			q.From = toUser(*u.InlineQuery.From)
		}
		return telegraph.Event{InlineQuery: q}, true
	}
	return telegraph.Event{}, false
}

func toInbound(m *tgbotapi.Message) telegraph.InboundMessage {
	in := telegraph.InboundMessage{
		MessageID:       m.MessageID,
		Text:            m.Text,
		MigrateToChatID: m.MigrateToChatID,
		Timestamp:       m.Time(),
	}
	if m.Chat != nil {
		in.ChatID = m.Chat.ID
		in.ChatType = m.Chat.Type
		in.ChatTitle = m.Chat.Title
	}
	if m.From != nil {
		in.From = toUser(*m.From)
	}
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil {
		in.ReplyToFromID = m.ReplyToMessage.From.ID
	}
	for _, u := range m.NewChatMembers {
		in.NewMembers = append(in.NewMembers, toUser(u))
	}
	return in
}

func toUser(u tgbotapi.User) telegraph.User {
	return telegraph.User{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		UserName:  u.UserName,
		IsBot:     u.IsBot,
	}
}
