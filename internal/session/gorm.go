package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/constbot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a Repository backed by the chat_sessions table.
type GormStore struct {
	db *gorm.DB
}

var _ Repository = (*GormStore)(nil)

// NewGormStore creates a GormStore. The table must already be migrated.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	return &GormStore{db: db}, nil
}

// Get loads the session for chatID.
func (g *GormStore) Get(ctx context.Context, chatID int64) (*models.ChatSession, error) {
	var s models.ChatSession
	err := g.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %d: %w", chatID, err)
	}
	return &s, nil
}

// Upsert inserts the session or overwrites every column of the existing row.
func (g *GormStore) Upsert(ctx context.Context, s *models.ChatSession) error {
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		UpdateAll: true,
	}).Create(s)
	if result.Error != nil {
		return fmt.Errorf("session: upsert %d: %w", s.ChatID, result.Error)
	}
	return nil
}

// Rekey moves a session to newID inside a transaction.
func (g *GormStore) Rekey(ctx context.Context, oldID, newID int64) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.ChatSession
		if err := tx.Where("chat_id = ?", oldID).First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("chat_id = ?", newID).Delete(&models.ChatSession{}).Error; err != nil {
			return fmt.Errorf("clear %d: %w", newID, err)
		}
		return tx.Model(&models.ChatSession{}).
			Where("chat_id = ?", oldID).
			Update("chat_id", newID).Error
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: rekey %d -> %d: %w", oldID, newID, err)
	}
	return nil
}

// Delete removes the row for chatID, if any.
func (g *GormStore) Delete(ctx context.Context, chatID int64) error {
	if err := g.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&models.ChatSession{}).Error; err != nil {
		return fmt.Errorf("session: delete %d: %w", chatID, err)
	}
	return nil
}

// List returns all sessions ordered by chat id.
func (g *GormStore) List(ctx context.Context) ([]models.ChatSession, error) {
	var out []models.ChatSession
	if err := g.db.WithContext(ctx).Order("chat_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return out, nil
}
