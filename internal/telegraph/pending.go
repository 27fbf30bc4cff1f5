package telegraph

import (
	"strconv"
	"strings"
)

// PendingKind is what the bot is waiting for in a chat.
type PendingKind int

const (
	Idle PendingKind = iota
	AwaitingArticle
	AwaitingAmendment
	AwaitingSection
)

// Pending is the per-chat conversation state. Article is only meaningful
// for AwaitingSection.
type Pending struct {
	Kind    PendingKind
	Article int
}

// String returns the stored form: "", "get", "getamd" or "get <article>".
func (p Pending) String() string {
	switch p.Kind {
	case AwaitingArticle:
		return "get"
	case AwaitingAmendment:
		return "getamd"
	case AwaitingSection:
		return "get " + strconv.Itoa(p.Article)
	default:
		return ""
	}
}

// ParsePending decodes a stored pending command. Anything unrecognised is
// Idle.
func ParsePending(s string) Pending {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "get":
		return Pending{Kind: AwaitingArticle}
	case "getamd":
		return Pending{Kind: AwaitingAmendment}
	}
	if rest, ok := strings.CutPrefix(s, "get "); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && n > 0 {
			return Pending{Kind: AwaitingSection, Article: n}
		}
	}
	return Pending{Kind: Idle}
}
