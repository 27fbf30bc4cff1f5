// Package session tracks per-chat profiles and pending commands behind a
// swappable repository.
package session

import (
	"context"
	"errors"

	"github.com/zulandar/constbot/internal/models"
)

// ErrNotFound is returned when no session exists for a chat id.
var ErrNotFound = errors.New("session: not found")

// Repository stores chat sessions. Implementations must be safe for
// concurrent use.
type Repository interface {
	// Get returns the session for chatID, or ErrNotFound.
	Get(ctx context.Context, chatID int64) (*models.ChatSession, error)

	// Upsert creates or replaces the session keyed by s.ChatID.
	Upsert(ctx context.Context, s *models.ChatSession) error

	// Rekey moves the session stored under oldID to newID, replacing any
	// session already stored under newID. Returns ErrNotFound if oldID has
	// no session.
	Rekey(ctx context.Context, oldID, newID int64) error

	// Delete removes the session for chatID. Deleting a missing session is
	// not an error.
	Delete(ctx context.Context, chatID int64) error

	// List returns every stored session ordered by chat id.
	List(ctx context.Context) ([]models.ChatSession, error)
}
