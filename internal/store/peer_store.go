package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PeerKeyRow caches a counterpart's published identity key. With the
// peer key on disk, conversation keys re-derive without the directory,
// so history stays readable offline.
type PeerKeyRow struct {
	UserID    string `gorm:"primaryKey"`
	PublicKey []byte `gorm:"not null"`
	UpdatedAt time.Time
}

type PeerKeyStore struct{ db *gorm.DB }

func (s *Store) Peers() *PeerKeyStore { return &PeerKeyStore{db: s.DB} }

func (p *PeerKeyStore) Upsert(ctx context.Context, userID string, pub [32]byte, at time.Time) error {
	row := PeerKeyRow{
		UserID:    userID,
		PublicKey: append([]byte(nil), pub[:]...),
		UpdatedAt: at,
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"public_key": row.PublicKey,
				"updated_at": row.UpdatedAt,
			}),
		}).
		Create(&row).Error
}

func (p *PeerKeyStore) Get(ctx context.Context, userID string) ([32]byte, error) {
	var row PeerKeyRow
	if err := p.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return [32]byte{}, ErrRecordNotFound
		}
		return [32]byte{}, err
	}
	if len(row.PublicKey) != 32 {
		return [32]byte{}, fmt.Errorf("store: peer key for %s corrupt: %d bytes", userID, len(row.PublicKey))
	}
	var pub [32]byte
	copy(pub[:], row.PublicKey)
	return pub, nil
}
