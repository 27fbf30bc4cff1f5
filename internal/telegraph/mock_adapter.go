package telegraph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records sent messages,
// typing actions and inline answers, and can be scripted to fail sends.
type MockAdapter struct {
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan Event
	sent        []OutboundMessage
	typing      []int64
	answers     map[string][]InlineResult
	failures    []error // consumed one per Send; nil entries succeed
	typingErrs  map[int64]error
	nextMsgID   int
	botUserID   int64
	botUserName string
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:    make(chan Event, 100),
		answers:    make(map[string][]InlineResult),
		typingErrs: make(map[int64]error),
	}
}

// BotUserID returns the configured bot user id (implements BotIdentity).
func (m *MockAdapter) BotUserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// BotUserName returns the configured bot username (implements BotIdentity).
func (m *MockAdapter) BotUserName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserName
}

// SetBotIdentity sets the bot id and username for testing.
func (m *MockAdapter) SetBotIdentity(id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
	m.botUserName = name
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message, or returns the next scripted failure.
// Failed sends are not recorded.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, fmt.Errorf("mock adapter: not connected")
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return 0, err
		}
	}
	m.sent = append(m.sent, msg)
	m.nextMsgID++
	return m.nextMsgID, nil
}

// SendTyping records a typing action.
func (m *MockAdapter) SendTyping(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if err := m.typingErrs[chatID]; err != nil {
		return err
	}
	m.typing = append(m.typing, chatID)
	return nil
}

// AnswerInline records the results for a query id.
func (m *MockAdapter) AnswerInline(ctx context.Context, queryID string, results []InlineResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.answers[queryID] = append([]InlineResult(nil), results...)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(ev Event) {
	if ev.Message != nil && ev.Message.Timestamp.IsZero() {
		ev.Message.Timestamp = time.Now()
	}
	m.inbound <- ev
}

// FailNextSends scripts the results of the next Send calls. A nil entry
// lets that call succeed.
func (m *MockAdapter) FailNextSends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// FailTyping makes SendTyping to chatID return err.
func (m *MockAdapter) FailTyping(chatID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typingErrs[chatID] = err
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// TypingCount returns how many typing actions were sent to chatID.
func (m *MockAdapter) TypingCount(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.typing {
		if id == chatID {
			n++
		}
	}
	return n
}

// Answer returns the inline results recorded for queryID.
func (m *MockAdapter) Answer(queryID string) ([]InlineResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.answers[queryID]
	return r, ok
}
