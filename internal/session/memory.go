package session

import (
	"context"
	"sort"
	"sync"

	"github.com/zulandar/constbot/internal/models"
)

// MemoryStore is a process-local Repository. Sessions are copied in and out
// so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]models.ChatSession
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]models.ChatSession)}
}

// Get returns a copy of the session for chatID.
func (m *MemoryStore) Get(ctx context.Context, chatID int64) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// Upsert stores a copy of s.
func (m *MemoryStore) Upsert(ctx context.Context, s *models.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ChatID] = *s
	return nil
}

// Rekey moves a session to a new chat id.
func (m *MemoryStore) Rekey(ctx context.Context, oldID, newID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[oldID]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, oldID)
	s.ChatID = newID
	m.sessions[newID] = s
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, chatID)
	return nil
}

// List returns copies of all sessions ordered by chat id.
func (m *MemoryStore) List(ctx context.Context) ([]models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}
