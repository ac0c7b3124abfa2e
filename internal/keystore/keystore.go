// Package keystore manages the device's long-term X25519 identity key
// pair: generated once on first use, persisted locally, and never
// transmitted in private form. Replacing an identity means a new
// install; there is deliberately no regenerate operation.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

var ErrNoIdentity = errors.New("keystore: identity not initialized")

// KeyPair is the long-term identity key pair. The private half never
// leaves the device.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// Persistence stores the identity pair across restarts. The gorm local
// store provides the production binding; tests use an in-memory stub.
type Persistence interface {
	LoadIdentity(ctx context.Context) (KeyPair, bool, error)
	SaveIdentity(ctx context.Context, kp KeyPair) error
}

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so
// tests can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic
// testing and returns a restore function that must be called when the
// test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// Store hands out the device identity, generating it exactly once.
type Store struct {
	mu     sync.Mutex
	p      Persistence
	loaded bool
	pair   KeyPair
}

func New(p Persistence) *Store {
	return &Store{p: p}
}

// GetOrCreate returns the persisted identity pair, generating and
// persisting a fresh one on first use. Concurrent callers observe a
// single pair.
func (s *Store) GetOrCreate(ctx context.Context) (KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.pair, nil
	}

	kp, ok, err := s.p.LoadIdentity(ctx)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: load identity: %w", err)
	}
	if ok {
		s.pair = kp
		s.loaded = true
		return kp, nil
	}

	kp, err = generateKeyPair()
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: generate identity: %w", err)
	}
	if err := s.p.SaveIdentity(ctx, kp); err != nil {
		return KeyPair{}, fmt.Errorf("keystore: save identity: %w", err)
	}
	s.pair = kp
	s.loaded = true
	return kp, nil
}

// Current returns the identity without triggering generation.
func (s *Store) Current(ctx context.Context) (KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.pair, nil
	}
	kp, ok, err := s.p.LoadIdentity(ctx)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: load identity: %w", err)
	}
	if !ok {
		return KeyPair{}, ErrNoIdentity
	}
	s.pair = kp
	s.loaded = true
	return kp, nil
}

// Fingerprint renders a short stable identifier for a public key, safe
// for logs and pairing screens.
func Fingerprint(pub [32]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:16])
}

func generateKeyPair() (KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

var _ io.Reader = randReader{}
