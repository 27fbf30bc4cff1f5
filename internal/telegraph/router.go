package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/zulandar/constbot/internal/citation"
	"github.com/zulandar/constbot/internal/models"
	"github.com/zulandar/constbot/internal/passage"
	"github.com/zulandar/constbot/internal/session"
)

// DefaultBotName is the bot's handle when neither the options nor the
// adapter provide one.
const DefaultBotName = "usconstitutionbot"

// Extractor looks up the passage a citation points at.
type Extractor interface {
	Extract(ctx context.Context, c citation.Citation) (*passage.Passage, error)
}

var _ Extractor = (*passage.Extractor)(nil)

// Router handles inbound events: it runs the per-chat conversation state
// machine, looks passages up and answers inline queries.
type Router struct {
	adapter   Adapter
	deliverer *Deliverer
	sessions  session.Repository
	extractor Extractor
	notifier  Notifier
	locks     *session.Locker
	whitelist []int64
	botName   string
	botID     int64
	out       io.Writer
	now       func() time.Time
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Adapter   Adapter
	Deliverer *Deliverer
	Extractor Extractor
	Notifier  Notifier        // optional; receives new user/group alerts
	Locks     *session.Locker // defaults to the deliverer's locks
	Whitelist []int64         // allowed user ids; empty allows everyone
	BotName   string          // defaults to the adapter's identity, then DefaultBotName
	BotID     int64           // defaults to the adapter's identity
	Out       io.Writer       // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("telegraph: router: deliverer is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("telegraph: router: extractor is required")
	}
	r := &Router{
		adapter:   opts.Adapter,
		deliverer: opts.Deliverer,
		sessions:  opts.Deliverer.sessions,
		extractor: opts.Extractor,
		notifier:  opts.Notifier,
		locks:     opts.Locks,
		whitelist: opts.Whitelist,
		botName:   strings.TrimPrefix(opts.BotName, "@"),
		botID:     opts.BotID,
		out:       opts.Out,
		now:       time.Now,
	}
	if id, ok := opts.Adapter.(BotIdentity); ok {
		if r.botName == "" {
			r.botName = id.BotUserName()
		}
		if r.botID == 0 {
			r.botID = id.BotUserID()
		}
	}
	if r.botName == "" {
		r.botName = DefaultBotName
	}
	if r.locks == nil {
		r.locks = opts.Deliverer.locks
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	return r, nil
}

// Handle processes one inbound event.
func (r *Router) Handle(ctx context.Context, ev Event) {
	switch {
	case ev.Message != nil:
		r.handleMessage(ctx, *ev.Message)
	case ev.InlineQuery != nil:
		r.handleInline(ctx, *ev.InlineQuery)
	}
}

func (r *Router) allowed(userID int64) bool {
	return len(r.whitelist) == 0 || slices.Contains(r.whitelist, userID)
}

// handleMessage runs one chat message through the conversation state
// machine while holding the chat's lock. The session is saved before any
// reply goes out so that a delivery that drops or re-keys it sticks.
func (r *Router) handleMessage(ctx context.Context, msg InboundMessage) {
	if !r.allowed(msg.From.ID) {
		log.Printf("telegraph: router: ignored message from unauthorised user %d in chat %d", msg.From.ID, msg.ChatID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	fmt.Fprintf(r.out, "telegraph: router: recv [chat=%d user=%d] %q\n",
		msg.ChatID, msg.From.ID, truncate(text, 80))

	unlock := r.locks.Lock(msg.ChatID)
	defer unlock()

	if msg.MigrateToChatID != 0 {
		r.handleMigration(ctx, msg)
		return
	}

	sess := r.loadSession(ctx, msg)
	firstContact := !sess.HasBeenSent()
	name := msg.From.FirstName
	if name == "" {
		name = sess.DisplayName()
	}

	cmd, isCmd := parseCommand(text, r.botName)
	if isCmd && cmd.ForOther {
		fmt.Fprintf(r.out, "telegraph: router: → ignore (command for another bot)\n")
		r.save(ctx, sess)
		return
	}

	if firstContact || (isCmd && cmd.Name == cmdStart) {
		alert := r.welcome(ctx, msg, sess, firstContact)
		// The admin may be this chat; alerts take the admin chat's lock.
		unlock()
		if alert != "" {
			notify(ctx, r.notifier, alert)
		}
		return
	}

	if text == "" {
		fmt.Fprintf(r.out, "telegraph: router: → ignore (no text)\n")
		r.save(ctx, sess)
		return
	}

	if isCmd {
		r.handleCommand(ctx, msg, sess, cmd, name)
		return
	}

	pending := ParsePending(sess.PendingCommand)
	if pending.Kind != Idle {
		r.handleReply(ctx, sess, pending, text, name)
		return
	}

	r.unrecognized(ctx, msg, sess, text, name)
}

// loadSession returns the chat's session with the profile refreshed from
// msg, creating one on first contact.
func (r *Router) loadSession(ctx context.Context, msg InboundMessage) *models.ChatSession {
	sess, err := r.sessions.Get(ctx, msg.ChatID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Printf("telegraph: warning: load session %d: %v", msg.ChatID, err)
		}
		sess = &models.ChatSession{ChatID: msg.ChatID, CreatedAt: r.now()}
	}
	sess.ChatType = msg.ChatType
	if msg.IsPrivate() {
		sess.FirstName = msg.From.FirstName
		sess.LastName = msg.From.LastName
		sess.UserName = msg.From.UserName
	} else if msg.ChatTitle != "" {
		sess.Title = msg.ChatTitle
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = r.now()
	}
	sess.MarkReceived(at)
	return sess
}

func (r *Router) save(ctx context.Context, sess *models.ChatSession) {
	if err := r.sessions.Upsert(ctx, sess); err != nil {
		log.Printf("telegraph: warning: save session %d: %v", sess.ChatID, err)
	}
}

// handleMigration moves a group's session to its new supergroup id. No
// reply is sent.
func (r *Router) handleMigration(ctx context.Context, msg InboundMessage) {
	oldID, newID := msg.ChatID, msg.MigrateToChatID
	err := r.sessions.Rekey(ctx, oldID, newID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		sess := r.loadSession(ctx, msg)
		sess.ChatID = newID
		r.save(ctx, sess)
	case err != nil:
		log.Printf("telegraph: warning: migrate session %d -> %d: %v", oldID, newID, err)
		return
	}
	log.Printf("telegraph: group %d migrated to uid %d (%s)", oldID, newID, msg.ChatTitle)
}

// welcome greets a new chat, or one that sent /start, and returns the
// operator alert for a first contact. A group event that only adds other
// members is logged and otherwise ignored.
func (r *Router) welcome(ctx context.Context, msg InboundMessage, sess *models.ChatSession, firstContact bool) string {
	if sess.IsGroup() && len(msg.NewMembers) > 0 && !r.addsBot(msg.NewMembers) {
		log.Printf("telegraph: new participant in uid %d (%s)", sess.ChatID, sess.Description())
		r.save(ctx, sess)
		return ""
	}

	sess.ClearReply()
	r.save(ctx, sess)

	var text string
	if sess.IsGroup() {
		text = welcomeText(r.botName, true, sess.DisplayName())
	} else {
		text = welcomeText(r.botName, false, msg.From.FirstName)
	}
	r.deliverer.Deliver(ctx, sess, text, KindWelcome, DeliverOpts{InlineSwitch: tryInlineKeyboard})

	if !firstContact {
		return ""
	}
	if sess.IsGroup() {
		return fmt.Sprintf("New group: %q via user: %s", sess.DisplayName(), describeUser(msg.From))
	}
	return fmt.Sprintf("New user: %s", describeUser(msg.From))
}

func (r *Router) addsBot(members []User) bool {
	for _, m := range members {
		if r.botID != 0 && m.ID == r.botID {
			return true
		}
		if r.botID == 0 && strings.EqualFold(m.UserName, r.botName) {
			return true
		}
	}
	return false
}

// describeUser renders "First Last @username" for operator alerts.
func describeUser(u User) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{u.FirstName, u.LastName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if u.UserName != "" {
		parts = append(parts, "@"+u.UserName)
	}
	return strings.Join(parts, " ")
}

func (r *Router) handleCommand(ctx context.Context, msg InboundMessage, sess *models.ChatSession, cmd Command, name string) {
	fmt.Fprintf(r.out, "telegraph: router: → command /%s\n", cmd.Name)
	switch cmd.Name {
	case cmdGet:
		if cmd.Args == "" {
			r.await(ctx, sess, Pending{Kind: AwaitingArticle}, promptPassage)
			return
		}
		c, err := citation.Parse(cmd.Args)
		r.resolve(ctx, sess, c, err, name, DeliverOpts{})
	case cmdGetAmd:
		if cmd.Args == "" {
			r.await(ctx, sess, Pending{Kind: AwaitingAmendment}, promptAmendment)
			return
		}
		c, err := citation.ParseAmendment(cmd.Args)
		r.resolve(ctx, sess, c, err, name, DeliverOpts{})
	case cmdHelp:
		sess.ClearReply()
		r.save(ctx, sess)
		r.deliverer.Deliver(ctx, sess, helpText(r.botName, name), KindMessage, DeliverOpts{InlineSwitch: tryInlineKeyboard})
	default:
		r.unrecognized(ctx, msg, sess, msg.Text, name)
	}
}

// handleReply treats text as the fragment a pending command asked for.
func (r *Router) handleReply(ctx context.Context, sess *models.ChatSession, pending Pending, text, name string) {
	fmt.Fprintf(r.out, "telegraph: router: → reply to %q\n", pending.String())
	var (
		c   citation.Citation
		err error
	)
	switch pending.Kind {
	case AwaitingArticle:
		c, err = citation.Parse(text)
	case AwaitingSection:
		c, err = citation.ParseSection(pending.Article, text)
	case AwaitingAmendment:
		c, err = citation.ParseAmendment(text)
	}
	r.resolve(ctx, sess, c, err, name, DeliverOpts{RemoveKeyboard: true})
}

// resolve finishes a request once its citation has been parsed. An article
// without a section prompts for the section instead.
func (r *Router) resolve(ctx context.Context, sess *models.ChatSession, c citation.Citation, err error, name string, opts DeliverOpts) {
	if errors.Is(err, citation.ErrIncomplete) {
		roman, _ := citation.Roman(c.Article)
		r.await(ctx, sess, Pending{Kind: AwaitingSection, Article: c.Article}, fmt.Sprintf(promptSection, roman))
		return
	}

	sess.ClearReply()
	r.save(ctx, sess)

	if err != nil {
		log.Printf("telegraph: router: uid %d (%s): %v", sess.ChatID, sess.Description(), err)
		r.deliverer.Deliver(ctx, sess, noResultsText(name), KindMessage, opts)
		return
	}
	r.lookup(ctx, sess, c, name, opts)
}

// await stores the pending command and asks for the missing part.
func (r *Router) await(ctx context.Context, sess *models.ChatSession, p Pending, prompt string) {
	sess.AwaitReply(p.String())
	r.save(ctx, sess)
	r.deliverer.Deliver(ctx, sess, prompt, KindMessage, DeliverOpts{ForceReply: true})
}

// lookup fetches the passage and delivers it, or explains why it could not.
func (r *Router) lookup(ctx context.Context, sess *models.ChatSession, c citation.Citation, name string, opts DeliverOpts) {
	tctx, cancel := context.WithTimeout(ctx, r.deliverer.timeout)
	if err := r.adapter.SendTyping(tctx, sess.ChatID); err != nil {
		log.Printf("telegraph: warning: typing action to uid %d: %v", sess.ChatID, err)
	}
	cancel()

	p, err := r.extractor.Extract(ctx, c)
	switch {
	case errors.Is(err, passage.ErrNotFound):
		log.Printf("telegraph: no passage for %s requested by uid %d (%s)", c, sess.ChatID, sess.Description())
		r.deliverer.Deliver(ctx, sess, noResultsText(name), KindMessage, opts)
	case err != nil:
		log.Printf("telegraph: warning: lookup %s for uid %d: %v", c, sess.ChatID, err)
		r.deliverer.Deliver(ctx, sess, remoteErrorText(name), KindMessage, opts)
	default:
		r.deliverer.Deliver(ctx, sess, p.Text, KindPassage, opts)
	}
}

// unrecognized answers text the bot cannot interpret. In groups it only
// answers when addressed, to stay out of ordinary conversation.
func (r *Router) unrecognized(ctx context.Context, msg InboundMessage, sess *models.ChatSession, text, name string) {
	r.save(ctx, sess)
	if sess.IsGroup() && !r.addressed(msg, text) {
		fmt.Fprintf(r.out, "telegraph: router: → ignore (group chatter)\n")
		return
	}
	fmt.Fprintf(r.out, "telegraph: router: → unrecognized\n")
	r.deliverer.Deliver(ctx, sess, unrecognizedText(r.botName, name), KindMessage, DeliverOpts{InlineSwitch: tryInlineKeyboard})
}

func (r *Router) addressed(msg InboundMessage, text string) bool {
	if strings.Contains(strings.ToLower(text), "@"+strings.ToLower(r.botName)) {
		return true
	}
	return r.botID != 0 && msg.ReplyToFromID == r.botID
}

// handleInline answers an inline query with at most one passage.
func (r *Router) handleInline(ctx context.Context, q InlineQuery) {
	if !r.allowed(q.From.ID) {
		log.Printf("telegraph: router: ignored inline query from unauthorised user %d", q.From.ID)
		return
	}

	results := []InlineResult{}
	if c, err := citation.Parse(q.Query); err == nil {
		p, err := r.extractor.Extract(ctx, c)
		switch {
		case err == nil:
			results = append(results, InlineResult{
				ID:          p.Key,
				Title:       p.Title,
				Description: p.Description(),
				Text:        p.Text,
				ParseMode:   ParseMarkdown,
			})
		case !errors.Is(err, passage.ErrNotFound):
			log.Printf("telegraph: warning: inline lookup %s: %v", c, err)
		}
	}

	if err := r.adapter.AnswerInline(ctx, q.ID, results); err != nil {
		log.Printf("telegraph: warning: answer inline query %s: %v", q.ID, err)
		return
	}
	log.Printf("telegraph: answered inline query %q from uid %d with %d results", q.Query, q.From.ID, len(results))
}

// truncate returns s cut to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
