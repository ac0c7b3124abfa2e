package cryptoworker

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"chatsync/internal/envelope"
)

const adLabel = "ChatSync-AEAD"

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the nonce source for deterministic
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

// associatedData binds a ciphertext to its conversation and key
// version, so sealed bytes cannot be replayed into another
// conversation or claimed for a different version.
func associatedData(conversationID string, keyVersion int) []byte {
	out := make([]byte, 0, len(adLabel)+len(conversationID)+4)
	out = append(out, adLabel...)
	out = append(out, conversationID...)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(keyVersion))
	return append(out, v[:]...)
}

func newAEAD(alg envelope.Algorithm, key [32]byte) (cipher.AEAD, error) {
	switch alg {
	case envelope.AlgChaCha20Poly1305:
		return chacha20poly1305.New(key[:])
	case envelope.AlgAES256GCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	return nil, fmt.Errorf("%w: unsupported algorithm %v", ErrDecryptionFailed, alg)
}

func seal(conversationID string, key [32]byte, keyVersion int, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(envelope.AlgChaCha20Poly1305, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if err := readRandom(nonce); err != nil {
		return nil, fmt.Errorf("cryptoworker: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, associatedData(conversationID, keyVersion))
	env := envelope.Envelope{
		Algorithm:  envelope.AlgChaCha20Poly1305,
		KeyVersion: keyVersion,
		Nonce:      nonce,
		Sealed:     sealed,
	}
	return env.EncodeBinary(), nil
}

func open(conversationID string, key [32]byte, env *envelope.Envelope) ([]byte, error) {
	aead, err := newAEAD(env.Algorithm, key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size", ErrDecryptionFailed)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Sealed, associatedData(conversationID, env.KeyVersion))
	if err != nil {
		// Never echo ciphertext or key material in the error.
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

var _ io.Reader = randReader{}
