package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxPendingCommand bounds the stored pending command.
const MaxPendingCommand = 1500

// Chat types as reported by Telegram.
const (
	ChatPrivate    = "private"
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
	ChatChannel    = "channel"
)

// ChatSession is the per-chat profile: who the chat is, what the bot is
// waiting for, and when it last heard from or wrote to it.
type ChatSession struct {
	ChatID         int64  `gorm:"primaryKey;autoIncrement:false"`
	ChatType       string `gorm:"size:16"`
	Title          string `gorm:"size:256"`
	FirstName      string `gorm:"size:128"`
	LastName       string `gorm:"size:128"`
	UserName       string `gorm:"size:64"`
	PendingCommand string `gorm:"size:1500"`
	CreatedAt      time.Time
	LastReceivedAt time.Time `gorm:"index"`
	LastSentAt     *time.Time
}

// IsGroup reports whether the chat is a group. Telegram gives groups
// negative ids.
func (s *ChatSession) IsGroup() bool {
	return s.ChatID < 0
}

// DisplayName is the human-facing name used in greetings.
func (s *ChatSession) DisplayName() string {
	if s.IsGroup() {
		return s.Title
	}
	name := strings.TrimSpace(s.FirstName + " " + s.LastName)
	if name == "" {
		name = s.UserName
	}
	return name
}

// Description renders the chat for log lines, e.g. `user Ann Lee (@ann)`.
func (s *ChatSession) Description() string {
	if s.IsGroup() {
		return fmt.Sprintf("group %s", s.Title)
	}
	d := "user " + strings.TrimSpace(s.FirstName+" "+s.LastName)
	if s.UserName != "" {
		d += " (@" + s.UserName + ")"
	}
	return d
}

// AwaitReply stores cmd as the pending command, truncated to
// MaxPendingCommand runes.
func (s *ChatSession) AwaitReply(cmd string) {
	if utf8.RuneCountInString(cmd) > MaxPendingCommand {
		cmd = string([]rune(cmd)[:MaxPendingCommand])
	}
	s.PendingCommand = cmd
}

// ClearReply drops any pending command.
func (s *ChatSession) ClearReply() {
	s.PendingCommand = ""
}

// HasBeenSent reports whether the bot has ever delivered to this chat.
func (s *ChatSession) HasBeenSent() bool {
	return s.LastSentAt != nil
}

// MarkReceived records inbound activity.
func (s *ChatSession) MarkReceived(now time.Time) {
	s.LastReceivedAt = now
}

// MarkSent records a successful delivery.
func (s *ChatSession) MarkSent(now time.Time) {
	s.LastSentAt = &now
}
