package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cursor remembers how far a conversation has been seen, so the next
// session can tell old messages from new ones.
type Cursor struct {
	ConversationID string    `gorm:"primaryKey"`
	LastSeenAt     time.Time `gorm:"not null"`
	UpdatedAt      time.Time
}

type CursorStore struct{ db *gorm.DB }

func (s *Store) Cursors() *CursorStore { return &CursorStore{db: s.DB} }

func (c *CursorStore) Upsert(ctx context.Context, cursor Cursor) error {
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_seen_at": cursor.LastSeenAt,
			}),
		}).
		Create(&cursor).Error
}

func (c *CursorStore) Get(ctx context.Context, conversationID string) (*Cursor, error) {
	var cursor Cursor
	if err := c.db.WithContext(ctx).First(&cursor, "conversation_id = ?", conversationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &cursor, nil
}
