package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserKeyRow is one user's published identity public key. A republish
// (reinstall, key migration) overwrites the previous value; readers
// always see the latest.
type UserKeyRow struct {
	UserID    string    `gorm:"primaryKey"`
	PublicKey []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (s *Store) UpsertKey(ctx context.Context, row UserKeyRow) error {
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"public_key": row.PublicKey,
				"updated_at": row.UpdatedAt,
			}),
		}).
		Create(&row).Error
}

func (s *Store) GetKey(ctx context.Context, userID string) (UserKeyRow, error) {
	var row UserKeyRow
	if err := s.DB.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return UserKeyRow{}, ErrRecordNotFound
		}
		return UserKeyRow{}, err
	}
	return row, nil
}
