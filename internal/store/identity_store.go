package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatsync/internal/keystore"
)

// identityRowID keys the single identity row. One device, one pair.
const identityRowID = "device"

type IdentityRecord struct {
	ID         string `gorm:"primaryKey"`
	PublicKey  []byte `gorm:"not null"`
	PrivateKey []byte `gorm:"not null"`
	CreatedAt  time.Time
}

type IdentityStore struct{ db *gorm.DB }

func (s *Store) Identity() *IdentityStore { return &IdentityStore{db: s.DB} }

func (i *IdentityStore) LoadIdentity(ctx context.Context) (keystore.KeyPair, bool, error) {
	var rec IdentityRecord
	if err := i.db.WithContext(ctx).First(&rec, "id = ?", identityRowID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return keystore.KeyPair{}, false, nil
		}
		return keystore.KeyPair{}, false, err
	}
	if len(rec.PublicKey) != 32 || len(rec.PrivateKey) != 32 {
		return keystore.KeyPair{}, false, fmt.Errorf("store: identity record corrupt: %d/%d key bytes", len(rec.PublicKey), len(rec.PrivateKey))
	}
	var kp keystore.KeyPair
	copy(kp.Public[:], rec.PublicKey)
	copy(kp.Private[:], rec.PrivateKey)
	return kp, true, nil
}

// SaveIdentity writes the pair once. A concurrent writer loses to the
// existing row; the identity never changes after first persistence.
func (i *IdentityStore) SaveIdentity(ctx context.Context, kp keystore.KeyPair) error {
	rec := IdentityRecord{
		ID:         identityRowID,
		PublicKey:  append([]byte(nil), kp.Public[:]...),
		PrivateKey: append([]byte(nil), kp.Private[:]...),
	}
	return i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
}

var _ keystore.Persistence = (*IdentityStore)(nil)
