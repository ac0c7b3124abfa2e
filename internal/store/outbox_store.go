package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxEntry is a send that has not been acknowledged yet. It carries
// ciphertext, never plaintext; a restart flushes the entry as-is and
// the correlation id keeps the server from creating a duplicate.
type OutboxEntry struct {
	CorrelationID  string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	SenderID       string `gorm:"not null"`
	RecipientID    string `gorm:"not null"`
	Ciphertext     []byte `gorm:"not null"`
	Attempts       int    `gorm:"not null;default:0"`
	CreatedAt      time.Time
	LastAttemptAt  *time.Time
}

type OutboxStore struct{ db *gorm.DB }

func (s *Store) Outbox() *OutboxStore { return &OutboxStore{db: s.DB} }

// Enqueue records a pending send, refreshing the ciphertext when the
// same correlation id is enqueued again after a retry re-encrypted.
func (o *OutboxStore) Enqueue(ctx context.Context, entry OutboxEntry) error {
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "correlation_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"ciphertext": entry.Ciphertext,
			}),
		}).
		Create(&entry).Error
}

// Pending returns unacknowledged sends, oldest first.
func (o *OutboxStore) Pending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	tx := o.db.WithContext(ctx).Order("created_at asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// PendingForConversation narrows Pending to one conversation.
func (o *OutboxStore) PendingForConversation(ctx context.Context, conversationID string) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := o.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkAttempt bumps the attempt counter after a flush try.
func (o *OutboxStore) MarkAttempt(ctx context.Context, correlationID string, at time.Time) error {
	return o.db.WithContext(ctx).
		Model(&OutboxEntry{}).
		Where("correlation_id = ?", correlationID).
		UpdateColumns(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": at,
		}).
		Error
}

// Delete removes an entry once the send was acknowledged.
func (o *OutboxStore) Delete(ctx context.Context, correlationID string) error {
	return o.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Delete(&OutboxEntry{}).
		Error
}
