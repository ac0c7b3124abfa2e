// Package store is the client's local persistence: the device identity
// pair, cached peer public keys, the pending-send outbox and
// per-conversation read cursors, all in one gorm database so a restart
// picks up where the process left off.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrRecordNotFound = errors.New("store: record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&IdentityRecord{}, &OutboxEntry{}, &Cursor{}, &PeerKeyRow{})
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}
