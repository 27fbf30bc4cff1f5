package telegraph

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/constbot/internal/citation"
	"github.com/zulandar/constbot/internal/models"
	"github.com/zulandar/constbot/internal/passage"
	"github.com/zulandar/constbot/internal/session"
)

const testBotID = 999

// fakeExtractor serves passages from a map keyed by citation key.
type fakeExtractor struct {
	mu       sync.Mutex
	calls    []citation.Citation
	passages map[string]*passage.Passage
	err      error
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{passages: map[string]*passage.Passage{
		"aIII-s2": {
			Key:   "aIII-s2",
			Title: "Article III Section 2",
			Text:  "*Article III Section 2*\n\nThe judicial Power shall extend to all Cases,",
		},
		"amd1": {
			Key:   "amd1",
			Title: "Amendment 1",
			Text:  "*Amendment 1*\n\nCongress shall make no law respecting an establishment of religion",
		},
	}}
}

func (f *fakeExtractor) Extract(ctx context.Context, c citation.Citation) (*passage.Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.passages[c.Key()]
	if !ok {
		return nil, passage.ErrNotFound
	}
	return p, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recordingNotifier keeps every alert it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, text)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.alerts...)
}

type routerFixture struct {
	router    *Router
	adapter   *MockAdapter
	store     *session.MemoryStore
	extractor *fakeExtractor
	notifier  *recordingNotifier
}

func setupRouter(t *testing.T, whitelist ...int64) routerFixture {
	t.Helper()
	d, adapter, store, _ := newTestDeliverer(t)
	adapter.SetBotIdentity(testBotID, "usconstitutionbot")
	f := routerFixture{
		adapter:   adapter,
		store:     store,
		extractor: newFakeExtractor(),
		notifier:  &recordingNotifier{},
	}
	var out bytes.Buffer
	router, err := NewRouter(RouterOpts{
		Adapter:   adapter,
		Deliverer: d,
		Extractor: f.extractor,
		Notifier:  f.notifier,
		Whitelist: whitelist,
		Out:       &out,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	f.router = router
	return f
}

// known stores a session the bot has already written to, so the next
// message is not treated as first contact.
func (f routerFixture) known(t *testing.T, chatID int64) {
	t.Helper()
	sent := time.Now().Add(-time.Hour)
	s := &models.ChatSession{ChatID: chatID, FirstName: "Ann", LastSentAt: &sent}
	if chatID < 0 {
		s = &models.ChatSession{ChatID: chatID, Title: "Civics", LastSentAt: &sent}
	}
	storeSession(t, f.store, s)
}

func (f routerFixture) pending(t *testing.T, chatID int64) string {
	t.Helper()
	s, err := f.store.Get(context.Background(), chatID)
	if err != nil {
		t.Fatalf("get session %d: %v", chatID, err)
	}
	return s.PendingCommand
}

func (f routerFixture) lastText(t *testing.T) string {
	t.Helper()
	msg, ok := f.adapter.LastSent()
	if !ok {
		t.Fatal("expected a message to be sent")
	}
	return msg.Text
}

var ann = User{ID: 7, FirstName: "Ann", LastName: "Lee", UserName: "ann"}

func privateMsg(text string) Event {
	return Event{Message: &InboundMessage{ChatID: 7, ChatType: "private", From: ann, Text: text}}
}

func groupMsg(text string) Event {
	return Event{Message: &InboundMessage{ChatID: -100, ChatType: "group", ChatTitle: "Civics", From: ann, Text: text}}
}

// --- NewRouter tests ---

func TestNewRouter_Validation(t *testing.T) {
	d, adapter, _, _ := newTestDeliverer(t)
	tests := []struct {
		name string
		opts RouterOpts
	}{
		{"nil adapter", RouterOpts{Deliverer: d, Extractor: newFakeExtractor()}},
		{"nil deliverer", RouterOpts{Adapter: adapter, Extractor: newFakeExtractor()}},
		{"nil extractor", RouterOpts{Adapter: adapter, Deliverer: d}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewRouter_IdentityFromAdapter(t *testing.T) {
	f := setupRouter(t)
	if f.router.botName != "usconstitutionbot" || f.router.botID != testBotID {
		t.Errorf("identity = %q/%d", f.router.botName, f.router.botID)
	}
}

func TestNewRouter_DefaultBotName(t *testing.T) {
	d, adapter, _, _ := newTestDeliverer(t)
	r, err := NewRouter(RouterOpts{Adapter: adapter, Deliverer: d, Extractor: newFakeExtractor(), Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if r.botName != DefaultBotName {
		t.Errorf("botName = %q, want %q", r.botName, DefaultBotName)
	}
}

// --- welcome tests ---

func TestRouter_AdminFirstContactAlertsAdmin(t *testing.T) {
	d, adapter, _, _ := newTestDeliverer(t)
	adapter.SetBotIdentity(testBotID, "usconstitutionbot")
	router, err := NewRouter(RouterOpts{
		Adapter:   adapter,
		Deliverer: d,
		Extractor: newFakeExtractor(),
		Notifier:  NewAdminNotifier(d, ann.ID),
		Out:       &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	done := make(chan struct{})
	go func() {
		router.Handle(context.Background(), privateMsg("/start"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("admin's own first message never finished")
	}

	sent := adapter.AllSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d, want welcome and alert", len(sent))
	}
	if sent[1].ChatID != ann.ID || !strings.HasPrefix(sent[1].Text, "New user:") {
		t.Errorf("alert = %+v", sent[1])
	}
}

func TestRouter_FirstContactWelcomes(t *testing.T) {
	f := setupRouter(t)
	f.router.Handle(context.Background(), privateMsg("/get 3:2"))

	if f.adapter.SentCount() != 1 {
		t.Fatalf("sent %d, want 1", f.adapter.SentCount())
	}
	msg, _ := f.adapter.LastSent()
	if !strings.HasPrefix(msg.Text, "Hello, Ann! Welcome!") {
		t.Errorf("welcome = %q", msg.Text)
	}
	if msg.InlineSwitch == nil {
		t.Error("welcome should carry the inline keyboard")
	}
	if f.extractor.callCount() != 0 {
		t.Error("first contact should not trigger a lookup")
	}
	alerts := f.notifier.all()
	if len(alerts) != 1 || alerts[0] != "New user: Ann Lee @ann" {
		t.Errorf("alerts = %q", alerts)
	}
	s, err := f.store.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if !s.HasBeenSent() || s.FirstName != "Ann" || s.UserName != "ann" {
		t.Errorf("session = %+v", s)
	}
}

func TestRouter_StartRewelcomesWithoutAlert(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	storeSession(t, f.store, func() *models.ChatSession {
		s, _ := f.store.Get(context.Background(), 7)
		s.AwaitReply("getamd")
		return s
	}())

	f.router.Handle(context.Background(), privateMsg("/start"))

	if !strings.HasPrefix(f.lastText(t), "Hello, Ann! Welcome!") {
		t.Errorf("text = %q", f.lastText(t))
	}
	if len(f.notifier.all()) != 0 {
		t.Errorf("unexpected alerts: %q", f.notifier.all())
	}
	if p := f.pending(t, 7); p != "" {
		t.Errorf("pending = %q, want cleared", p)
	}
}

func TestRouter_GroupAddedBotWelcomes(t *testing.T) {
	f := setupRouter(t)
	ev := groupMsg("")
	ev.Message.NewMembers = []User{{ID: testBotID, UserName: "usconstitutionbot", IsBot: true}}

	f.router.Handle(context.Background(), ev)

	if !strings.HasPrefix(f.lastText(t), "Hello, friends in Civics! Thanks for adding me in!") {
		t.Errorf("text = %q", f.lastText(t))
	}
	alerts := f.notifier.all()
	if len(alerts) != 1 || alerts[0] != `New group: "Civics" via user: Ann Lee @ann` {
		t.Errorf("alerts = %q", alerts)
	}
}

func TestRouter_GroupNewParticipantIgnored(t *testing.T) {
	f := setupRouter(t)
	ev := groupMsg("")
	ev.Message.NewMembers = []User{{ID: 55, FirstName: "Zed"}}

	f.router.Handle(context.Background(), ev)

	if f.adapter.SentCount() != 0 {
		t.Errorf("sent %d, want 0", f.adapter.SentCount())
	}
	if len(f.notifier.all()) != 0 {
		t.Errorf("unexpected alerts: %q", f.notifier.all())
	}
	if _, err := f.store.Get(context.Background(), -100); err != nil {
		t.Errorf("group session should be saved: %v", err)
	}
}

// --- command flow tests ---

func TestRouter_GetThenReply(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	ctx := context.Background()

	f.router.Handle(ctx, privateMsg("/get"))
	msg, _ := f.adapter.LastSent()
	if msg.Text != promptPassage || !msg.ForceReply {
		t.Fatalf("prompt = %+v", msg)
	}
	if p := f.pending(t, 7); p != "get" {
		t.Fatalf("pending = %q, want get", p)
	}

	f.router.Handle(ctx, privateMsg("3:2"))

	if f.extractor.callCount() != 1 {
		t.Fatalf("extractions = %d, want exactly 1", f.extractor.callCount())
	}
	msg, _ = f.adapter.LastSent()
	if !strings.HasPrefix(msg.Text, "*Article III Section 2*") {
		t.Errorf("passage = %q", msg.Text)
	}
	if msg.ParseMode != ParseMarkdown || !msg.RemoveKeyboard {
		t.Errorf("passage options = %+v", msg)
	}
	if f.adapter.TypingCount(7) != 1 {
		t.Errorf("typing = %d, want 1", f.adapter.TypingCount(7))
	}
	if p := f.pending(t, 7); p != "" {
		t.Errorf("pending = %q, want idle", p)
	}
}

func TestRouter_GetArticleOnlyPromptsForSection(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	ctx := context.Background()

	f.router.Handle(ctx, privateMsg("/get 3"))
	if got := f.lastText(t); got != "Which section of Article III do you want to look up?" {
		t.Errorf("prompt = %q", got)
	}
	if p := f.pending(t, 7); p != "get 3" {
		t.Fatalf("pending = %q, want %q", p, "get 3")
	}

	f.router.Handle(ctx, privateMsg("2"))
	if f.extractor.callCount() != 1 {
		t.Fatalf("extractions = %d, want 1", f.extractor.callCount())
	}
	if got := f.extractor.calls[0]; got.Article != 3 || got.Section != "2" {
		t.Errorf("citation = %+v", got)
	}
	if p := f.pending(t, 7); p != "" {
		t.Errorf("pending = %q, want idle", p)
	}
}

func TestRouter_GetReplyWithArticleOnlyRepromptsSection(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	ctx := context.Background()

	f.router.Handle(ctx, privateMsg("/get"))
	f.router.Handle(ctx, privateMsg("3"))

	if p := f.pending(t, 7); p != "get 3" {
		t.Errorf("pending = %q, want %q", p, "get 3")
	}
	if f.extractor.callCount() != 0 {
		t.Errorf("extractions = %d, want 0", f.extractor.callCount())
	}
}

func TestRouter_GetAmd(t *testing.T) {
	tests := []struct {
		name string
		msgs []string
	}{
		{"inline", []string{"/getAmd 1"}},
		{"prompted", []string{"/getamd", "1"}},
		{"prompted with keyword", []string{"/getamd", "AMD 1"}},
		{"newline separated", []string{"/getamd\n1"}},
		{"via get", []string{"/get AMD 1"}},
		{"addressed", []string{"/getamd@usconstitutionbot 1"}},
		{"mention prefix", []string{"@usconstitutionbot /getamd 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupRouter(t)
			f.known(t, 7)
			for _, m := range tt.msgs {
				f.router.Handle(context.Background(), privateMsg(m))
			}
			if f.extractor.callCount() != 1 {
				t.Fatalf("extractions = %d, want 1", f.extractor.callCount())
			}
			if !strings.HasPrefix(f.lastText(t), "*Amendment 1*") {
				t.Errorf("text = %q", f.lastText(t))
			}
		})
	}
}

func TestRouter_NestedColonReportsNoResults(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	f.router.Handle(context.Background(), privateMsg("/get 3:2:1"))

	if f.extractor.callCount() != 0 {
		t.Errorf("extractions = %d, want 0", f.extractor.callCount())
	}
	if got := f.lastText(t); got != noResultsText("Ann") {
		t.Errorf("text = %q", got)
	}
}

func TestRouter_CommandForOtherBotIgnored(t *testing.T) {
	f := setupRouter(t)
	f.known(t, -100)
	f.router.Handle(context.Background(), groupMsg("/get@otherbot 3:2"))
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent %d, want 0", f.adapter.SentCount())
	}
}

func TestRouter_ParseFailureReportsNoResults(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	f.router.Handle(context.Background(), privateMsg("/get 9:1"))

	if f.extractor.callCount() != 0 {
		t.Errorf("extractions = %d, want 0", f.extractor.callCount())
	}
	if got := f.lastText(t); got != noResultsText("Ann") {
		t.Errorf("text = %q", got)
	}
}

func TestRouter_BadReplyReturnsToIdle(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	ctx := context.Background()
	f.router.Handle(ctx, privateMsg("/getamd"))
	f.router.Handle(ctx, privateMsg("lots"))

	if got := f.lastText(t); got != noResultsText("Ann") {
		t.Errorf("text = %q", got)
	}
	if p := f.pending(t, 7); p != "" {
		t.Errorf("pending = %q, want idle", p)
	}
}

func TestRouter_LookupOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		text string
		want string
	}{
		{"not found", nil, "/get 1:9", noResultsText("Ann")},
		{"fetch error", &passage.FetchError{URL: "https://example.org", Err: errors.New("timeout")}, "/get 3:2", remoteErrorText("Ann")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupRouter(t)
			f.known(t, 7)
			f.extractor.err = tt.err
			f.router.Handle(context.Background(), privateMsg(tt.text))
			if got := f.lastText(t); got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouter_Help(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	f.router.Handle(context.Background(), privateMsg("/help"))
	msg, _ := f.adapter.LastSent()
	if !strings.HasPrefix(msg.Text, "Hi Ann! Please enter one of the following commands:") {
		t.Errorf("help = %q", msg.Text)
	}
	if msg.InlineSwitch == nil {
		t.Error("help should carry the inline keyboard")
	}
}

// --- unrecognized text tests ---

func TestRouter_UnrecognizedPrivate(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	f.router.Handle(context.Background(), privateMsg("what is the constitution"))
	if got := f.lastText(t); got != unrecognizedText("usconstitutionbot", "Ann") {
		t.Errorf("text = %q", got)
	}
}

func TestRouter_GroupChatter(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		replyTo   int64
		wantReply bool
	}{
		{"plain chatter", "anyone up for lunch?", 0, false},
		{"unknown command", "/roll d20", 0, false},
		{"mention", "hey @UsConstitutionBot what now", 0, true},
		{"reply to bot", "huh?", testBotID, true},
		{"reply to someone else", "huh?", 55, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupRouter(t)
			f.known(t, -100)
			ev := groupMsg(tt.text)
			ev.Message.ReplyToFromID = tt.replyTo
			f.router.Handle(context.Background(), ev)
			if got := f.adapter.SentCount() == 1; got != tt.wantReply {
				t.Errorf("replied = %v, want %v", got, tt.wantReply)
			}
		})
	}
}

func TestRouter_NonTextIgnored(t *testing.T) {
	f := setupRouter(t)
	f.known(t, 7)
	f.router.Handle(context.Background(), privateMsg(""))
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent %d, want 0", f.adapter.SentCount())
	}
}

// --- access control and migration ---

func TestRouter_WhitelistRejects(t *testing.T) {
	f := setupRouter(t, 42)
	f.router.Handle(context.Background(), privateMsg("/start"))
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent %d, want 0", f.adapter.SentCount())
	}
	if _, err := f.store.Get(context.Background(), 7); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("rejected user should not get a session, err=%v", err)
	}
}

func TestRouter_WhitelistAllows(t *testing.T) {
	f := setupRouter(t, 7)
	f.router.Handle(context.Background(), privateMsg("/start"))
	if f.adapter.SentCount() != 1 {
		t.Errorf("sent %d, want 1", f.adapter.SentCount())
	}
}

func TestRouter_Migration(t *testing.T) {
	f := setupRouter(t)
	f.known(t, -100)
	ev := groupMsg("")
	ev.Message.MigrateToChatID = -1001

	f.router.Handle(context.Background(), ev)

	ctx := context.Background()
	if _, err := f.store.Get(ctx, -100); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("old id should be gone, err=%v", err)
	}
	s, err := f.store.Get(ctx, -1001)
	if err != nil {
		t.Fatalf("new id missing: %v", err)
	}
	if s.Title != "Civics" {
		t.Errorf("Title = %q", s.Title)
	}
	if f.adapter.SentCount() != 0 {
		t.Errorf("sent %d, want 0", f.adapter.SentCount())
	}
}

func TestRouter_MigrationOfUnknownGroup(t *testing.T) {
	f := setupRouter(t)
	ev := groupMsg("")
	ev.Message.MigrateToChatID = -1001
	f.router.Handle(context.Background(), ev)
	if _, err := f.store.Get(context.Background(), -1001); err != nil {
		t.Errorf("expected session under new id: %v", err)
	}
}

// --- inline query tests ---

func TestRouter_InlineQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		err   error
		want  int
	}{
		{"article", "3:2", nil, 1},
		{"amendment", "amd 1", nil, 1},
		{"amendment compact", "amd1", nil, 1},
		{"not found", "2:9", nil, 0},
		{"unparseable", "hello", nil, 0},
		{"empty", "", nil, 0},
		{"fetch error", "3:2", &passage.FetchError{URL: "u", Err: errors.New("down")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupRouter(t)
			f.extractor.err = tt.err
			f.router.Handle(context.Background(), Event{InlineQuery: &InlineQuery{ID: "q1", From: ann, Query: tt.query}})
			results, ok := f.adapter.Answer("q1")
			if !ok {
				t.Fatal("query not answered")
			}
			if len(results) != tt.want {
				t.Fatalf("results = %d, want %d", len(results), tt.want)
			}
		})
	}
}

func TestRouter_InlineResultFields(t *testing.T) {
	f := setupRouter(t)
	f.router.Handle(context.Background(), Event{InlineQuery: &InlineQuery{ID: "q1", From: ann, Query: "3:2"}})
	results, _ := f.adapter.Answer("q1")
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]
	if r.ID != "aIII-s2" || r.Title != "Article III Section 2" || r.ParseMode != ParseMarkdown {
		t.Errorf("result = %+v", r)
	}
	if r.Description != "The judicial Power shall extend to all Cases," {
		t.Errorf("Description = %q", r.Description)
	}
}

func TestRouter_InlineWhitelist(t *testing.T) {
	f := setupRouter(t, 42)
	f.router.Handle(context.Background(), Event{InlineQuery: &InlineQuery{ID: "q1", From: ann, Query: "3:2"}})
	if _, ok := f.adapter.Answer("q1"); ok {
		t.Error("unauthorised inline query should not be answered")
	}
}

func TestDescribeUser(t *testing.T) {
	tests := []struct {
		u    User
		want string
	}{
		{ann, "Ann Lee @ann"},
		{User{FirstName: "Bo"}, "Bo"},
		{User{UserName: "cy"}, "@cy"},
	}
	for _, tt := range tests {
		if got := describeUser(tt.u); got != tt.want {
			t.Errorf("describeUser(%+v) = %q, want %q", tt.u, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("truncate = %q", got)
	}
}
