package telegraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zulandar/constbot/internal/models"
	"github.com/zulandar/constbot/internal/session"
)

// MaxMessageLen is Telegram's limit on message text, in characters.
const MaxMessageLen = 4096

// DefaultSendTimeout bounds an interactive send.
const DefaultSendTimeout = 10 * time.Second

// Message kinds, used for logging and to pick the parse mode.
const (
	KindMessage = "message"
	KindPassage = "passage"
	KindResult  = "result"
	KindWelcome = "welcome"
	KindAlert   = "alert"
)

// migrateDescription is the rejection Telegram gives for a group that
// became a supergroup.
const migrateDescription = "Bad Request: group chat was upgraded to a supergroup chat"

// recognizedRejections are refusals that mean the chat is gone for good.
// They are logged at info level and the session is dropped.
var recognizedRejections = []string{
	"PEER_ID_INVALID",
	"Bot was blocked by the user",
	"Forbidden: user is deleted",
	"Forbidden: user is deactivated",
	"Forbidden: User is deactivated",
	"Forbidden: bot was blocked by the user",
	"Forbidden: Bot was blocked by the user",
	"Forbidden: bot was kicked from the group chat",
	"Forbidden: bot was kicked from the channel chat",
	"Forbidden: bot was kicked from the supergroup chat",
	"Forbidden: bot is not a member of the supergroup chat",
	"Forbidden: bot can't initiate conversation with a user",
	"Forbidden: Bot can't initiate conversation with a user",
	"Bad Request: chat not found",
	"Bad Request: PEER_ID_INVALID",
	"Bad Request: have no rights to send a message",
	"Bad Request: not enough rights to send text messages to the chat",
	"Bad Request: group chat was deactivated",
	migrateDescription,
}

// isParseRejection reports whether the platform refused the message
// because of its markup.
func isParseRejection(desc string) bool {
	return strings.HasPrefix(desc, "Bad Request: can't parse") ||
		strings.HasPrefix(desc, "Bad Request: cannot parse")
}

// verdict is what happened to one send attempt.
type verdict int

const (
	verdictSent     verdict = iota
	verdictRetry            // transport failure or unknown rejection
	verdictMigrated         // chat moved; resend to the new id
	verdictGone             // chat unreachable for good; session dropped
)

// classify maps a send error to a verdict.
func classify(err error) (verdict, *RejectedError) {
	if err == nil {
		return verdictSent, nil
	}
	var rej *RejectedError
	if !errors.As(err, &rej) {
		return verdictRetry, nil
	}
	if rej.MigrateToChatID != 0 {
		return verdictMigrated, rej
	}
	if slices.Contains(recognizedRejections, rej.Description) {
		return verdictGone, rej
	}
	return verdictRetry, rej
}

// DeliverOpts are per-message presentation options.
type DeliverOpts struct {
	Markdown       bool // force Markdown regardless of kind
	ForceReply     bool
	InlineSwitch   *InlineSwitch
	RemoveKeyboard bool
}

// Deliverer sends text to chats, splitting long messages and handling
// every platform refusal itself. Callers never see delivery errors.
type Deliverer struct {
	adapter  Adapter
	sessions session.Repository
	queue    RetryQueue
	locks    *session.Locker
	timeout  time.Duration
	now      func() time.Time
}

// DelivererOpts holds parameters for creating a Deliverer.
type DelivererOpts struct {
	Adapter  Adapter
	Sessions session.Repository
	Queue    RetryQueue      // optional; failed sends are dropped without one
	Locks    *session.Locker // per-chat locks shared by everything that saves sessions
	Timeout  time.Duration   // per-send timeout, defaults to DefaultSendTimeout
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(opts DelivererOpts) (*Deliverer, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: deliverer: adapter is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegraph: deliverer: session repository is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	locks := opts.Locks
	if locks == nil {
		locks = &session.Locker{}
	}
	return &Deliverer{
		adapter:  opts.Adapter,
		sessions: opts.Sessions,
		queue:    opts.Queue,
		locks:    locks,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

// Deliver sends text to a stored session's chat. The caller holds the
// chat's lock.
func (d *Deliverer) Deliver(ctx context.Context, sess *models.ChatSession, text, kind string, opts DeliverOpts) {
	d.deliver(ctx, sess, true, text, kind, opts)
}

// DeliverTo sends text to a chat id, looking the session up once. It takes
// the chat's lock, so it must not be called while holding it.
func (d *Deliverer) DeliverTo(ctx context.Context, chatID int64, text, kind string, opts DeliverOpts) {
	unlock := d.locks.Lock(chatID)
	defer unlock()
	sess, stored := d.resolveSession(ctx, chatID)
	d.deliver(ctx, sess, stored, text, kind, opts)
}

// resolveSession returns the stored session for chatID, or a bare one that
// will not be persisted.
func (d *Deliverer) resolveSession(ctx context.Context, chatID int64) (*models.ChatSession, bool) {
	sess, err := d.sessions.Get(ctx, chatID)
	if err == nil {
		return sess, true
	}
	if !errors.Is(err, session.ErrNotFound) {
		log.Printf("telegraph: warning: load session %d: %v", chatID, err)
	}
	return &models.ChatSession{ChatID: chatID}, false
}

func (d *Deliverer) deliver(ctx context.Context, sess *models.ChatSession, persist bool, text, kind string, opts DeliverOpts) {
	if strings.TrimSpace(text) == "" {
		return
	}
	text = strings.ReplaceAll(text, "\a", " ")

	base := OutboundMessage{
		ChatID:         sess.ChatID,
		ForceReply:     opts.ForceReply,
		InlineSwitch:   opts.InlineSwitch,
		RemoveKeyboard: opts.RemoveKeyboard,
		DisablePreview: true,
	}
	if opts.Markdown || kind == KindPassage || kind == KindResult {
		base.ParseMode = ParseMarkdown
	}

	chunks := splitMessage(text, MaxMessageLen)
	for i, chunk := range chunks {
		msg := base
		msg.ChatID = sess.ChatID
		msg.Text = chunk

		switch d.attempt(ctx, sess, persist, msg, kind, d.timeout) {
		case verdictSent:
			continue
		case verdictMigrated, verdictRetry:
			// This chunk and everything after it go out as one job so
			// order holds.
			rest := make([]OutboundMessage, 0, len(chunks)-i)
			for _, c := range chunks[i:] {
				m := msg
				m.ChatID = sess.ChatID
				m.Text = c
				rest = append(rest, m)
			}
			d.enqueue(ctx, sess, kind, rest)
			return
		case verdictGone:
			return
		}
	}
}

// attempt makes one send, downgrading Markdown once on a parse rejection,
// and applies the outcome to the session. sess.ChatID is updated when the
// chat migrated.
func (d *Deliverer) attempt(ctx context.Context, sess *models.ChatSession, persist bool, msg OutboundMessage, kind string, timeout time.Duration) verdict {
	msgID, err := d.send(ctx, msg, timeout)
	var rej *RejectedError
	if errors.As(err, &rej) && isParseRejection(rej.Description) && msg.ParseMode != "" {
		log.Printf("telegraph: warning: error sending %s to uid %d (%s): %s; retrying without markdown",
			kind, msg.ChatID, sess.Description(), rej.Description)
		msg.ParseMode = ""
		msgID, err = d.send(ctx, msg, timeout)
	}

	v, rej := classify(err)
	switch v {
	case verdictSent:
		log.Printf("telegraph: %s %d sent to uid %d (%s)", capitalize(kind), msgID, msg.ChatID, sess.Description())
		sess.MarkSent(d.now())
		if persist {
			if err := d.sessions.Upsert(ctx, sess); err != nil {
				log.Printf("telegraph: warning: save session %d: %v", sess.ChatID, err)
			}
		}
	case verdictMigrated:
		log.Printf("telegraph: did not send %s to uid %d (%s): %s", kind, msg.ChatID, sess.Description(), rej.Description)
		d.migrate(ctx, sess, persist, rej.MigrateToChatID)
	case verdictGone:
		log.Printf("telegraph: did not send %s to uid %d (%s): %s", kind, msg.ChatID, sess.Description(), rej.Description)
		if persist {
			d.drop(ctx, sess)
		}
	case verdictRetry:
		log.Printf("telegraph: warning: error sending %s to uid %d (%s):\n%v", kind, msg.ChatID, sess.Description(), err)
	}
	return v
}

func (d *Deliverer) send(ctx context.Context, msg OutboundMessage, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.adapter.Send(ctx, msg)
}

// migrate re-keys the session to newID.
func (d *Deliverer) migrate(ctx context.Context, sess *models.ChatSession, persist bool, newID int64) {
	oldID := sess.ChatID
	if persist {
		if err := d.sessions.Rekey(ctx, oldID, newID); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("telegraph: warning: migrate session %d -> %d: %v", oldID, newID, err)
		}
	}
	sess.ChatID = newID
	log.Printf("telegraph: user %d migrated to uid %d (%s)", oldID, newID, sess.Description())
}

// drop deletes an unreachable chat's session.
func (d *Deliverer) drop(ctx context.Context, sess *models.ChatSession) {
	desc := sess.Description()
	if err := d.sessions.Delete(ctx, sess.ChatID); err != nil {
		log.Printf("telegraph: warning: delete session %d: %v", sess.ChatID, err)
		return
	}
	log.Printf("telegraph: deleted uid %d (%s)", sess.ChatID, desc)
}

// enqueue hands the unsent chunks of a message to the retry queue.
func (d *Deliverer) enqueue(ctx context.Context, sess *models.ChatSession, kind string, msgs []OutboundMessage) {
	if d.queue == nil {
		log.Printf("telegraph: warning: no retry queue; dropped %s to uid %d (%s)", kind, sess.ChatID, sess.Description())
		return
	}
	job := RetryJob{
		ID:        uuid.NewString(),
		ChatID:    sess.ChatID,
		Kind:      kind,
		Messages:  msgs,
		NotBefore: d.now(),
	}
	if err := d.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("telegraph: warning: enqueue %s to uid %d (%s): %v", kind, sess.ChatID, sess.Description(), err)
		return
	}
	log.Printf("telegraph: enqueued %s to uid %d (%s), %d part(s)", kind, sess.ChatID, sess.Description(), len(msgs))
}

// splitMessage cuts text into pieces of at most limit runes whose
// concatenation is exactly text. Cuts fall just after whitespace when the
// piece has any.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
