// Package store persists the reference backend's messages. Rows carry
// ciphertext only; the server never sees plaintext.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrRecordNotFound = errors.New("store: record not found")

// MessageRow is the canonical server-side message record. Identity is
// the server-assigned id; correlation_id makes creation idempotent so
// a client retry never produces a duplicate.
type MessageRow struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index:idx_messages_conv_created,priority:1"`
	SenderID       string    `gorm:"not null;index"`
	RecipientID    string    `gorm:"not null;index"`
	Ciphertext     []byte    `gorm:"not null"`
	Status         string    `gorm:"not null"`
	CorrelationID  string    `gorm:"index"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conv_created,priority:2"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&MessageRow{}, &UserKeyRow{})
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// Create inserts the row, or returns the existing one when the same
// correlation id was written before. The second return reports whether
// a new row was created.
func (s *Store) Create(ctx context.Context, row MessageRow) (MessageRow, bool, error) {
	created := false
	err := s.WithTx(ctx, func(tx *Store) error {
		if row.CorrelationID != "" {
			var existing MessageRow
			err := tx.DB.First(&existing, "correlation_id = ? AND sender_id = ?", row.CorrelationID, row.SenderID).Error
			if err == nil {
				row = existing
				return nil
			}
			if err != gorm.ErrRecordNotFound {
				return err
			}
		}
		if err := tx.DB.Create(&row).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return MessageRow{}, false, err
	}
	return row, created, nil
}

// History returns one page for a conversation, newest first. A zero
// before means "from the top".
func (s *Store) History(ctx context.Context, conversationID string, before time.Time, limit int) ([]MessageRow, error) {
	var rows []MessageRow
	tx := s.DB.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at desc, id desc")
	if !before.IsZero() {
		tx = tx.Where("created_at < ?", before)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) Get(ctx context.Context, id string) (MessageRow, error) {
	var row MessageRow
	if err := s.DB.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return MessageRow{}, ErrRecordNotFound
		}
		return MessageRow{}, err
	}
	return row, nil
}

// UpdateStatus writes the new status and bump time, returning the
// updated row.
func (s *Store) UpdateStatus(ctx context.Context, id, status string, at time.Time) (MessageRow, error) {
	var row MessageRow
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.DB.First(&row, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRecordNotFound
			}
			return err
		}
		row.Status = status
		row.UpdatedAt = at
		return tx.DB.Model(&MessageRow{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": status, "updated_at": at}).
			Error
	})
	if err != nil {
		return MessageRow{}, err
	}
	return row, nil
}

// Since returns rows touched after the given time, oldest first. The
// websocket endpoint replays these on reconnect so a subscriber misses
// nothing between drops.
func (s *Store) Since(ctx context.Context, conversationID string, since time.Time) ([]MessageRow, error) {
	var rows []MessageRow
	err := s.DB.WithContext(ctx).
		Where("conversation_id = ? AND updated_at > ?", conversationID, since).
		Order("updated_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
