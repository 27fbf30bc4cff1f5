// Package telegraph connects passage lookup to a chat platform. It routes
// inbound events, delivers replies, retries failed sends and keeps the chat
// session store in step with what the platform reports.
package telegraph

import (
	"context"
	"fmt"
	"time"
)

// ParseMarkdown is the legacy Markdown parse mode understood by Telegram.
const ParseMarkdown = "Markdown"

// Adapter is the interface that platform-specific implementations must satisfy.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events. The channel is closed when
	// the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers an outbound message and returns the platform message id.
	// A refusal by the platform is returned as a *RejectedError; anything
	// else is a transport failure.
	Send(ctx context.Context, msg OutboundMessage) (int, error)

	// SendTyping shows the typing indicator in a chat.
	SendTyping(ctx context.Context, chatID int64) error

	// AnswerInline answers an inline query. An empty result set is valid.
	AnswerInline(ctx context.Context, queryID string, results []InlineResult) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// BotIdentity is an optional interface that adapters can implement to
// expose the bot's own account once connected.
type BotIdentity interface {
	BotUserID() int64
	BotUserName() string
}

// Event is one inbound update. Exactly one field is set.
type Event struct {
	Message     *InboundMessage
	InlineQuery *InlineQuery
}

// User is a chat participant.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	UserName  string
	IsBot     bool
}

// InboundMessage represents a message received in a chat.
type InboundMessage struct {
	MessageID       int
	ChatID          int64
	ChatType        string // "private", "group", "supergroup", "channel"
	ChatTitle       string
	From            User
	Text            string
	ReplyToFromID   int64  // sender of the message being replied to, 0 if none
	NewMembers      []User // members added by this message
	MigrateToChatID int64  // set when a group was upgraded to a supergroup
	Timestamp       time.Time
}

// IsPrivate reports whether the message came from a one-to-one chat.
func (m *InboundMessage) IsPrivate() bool {
	return m.ChatType == "private"
}

// InlineQuery is an "@bot query" typed in any chat.
type InlineQuery struct {
	ID    string
	From  User
	Query string
}

// OutboundMessage represents a message to be sent to a chat.
type OutboundMessage struct {
	ChatID         int64         `json:"chat_id"`
	Text           string        `json:"text"`
	ParseMode      string        `json:"parse_mode,omitempty"`
	ForceReply     bool          `json:"force_reply,omitempty"`
	InlineSwitch   *InlineSwitch `json:"inline_switch,omitempty"`
	RemoveKeyboard bool          `json:"remove_keyboard,omitempty"`
	DisablePreview bool          `json:"disable_preview,omitempty"`
}

// InlineSwitch is a single-button keyboard that opens inline mode with a
// prefilled query.
type InlineSwitch struct {
	Text  string `json:"text"`
	Query string `json:"query"`
}

// InlineResult is one article result for an inline query.
type InlineResult struct {
	ID          string
	Title       string
	Description string
	Text        string
	ParseMode   string
}

// RejectedError is returned by Adapter calls when the platform refused the
// request, as opposed to the request never reaching it.
type RejectedError struct {
	Code            int
	Description     string
	MigrateToChatID int64 // set when the chat was upgraded to a supergroup
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("telegraph: rejected (%d): %s", e.Code, e.Description)
}
