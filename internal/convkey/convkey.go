// Package convkey derives, caches, and rotates the symmetric key
// securing one conversation. The key is a pure function of the two
// parties' identity keys, the conversation id, and the version, so
// either party can compute it locally and the plaintext key never
// touches shared storage.
package convkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoConvKey = "ChatSync-ConvKey"
	saltLabel       = "ChatSync-ConvSalt-v1"
)

// ConversationKey is a derived, disposable secret. It lives in the
// service cache with a TTL and is re-derived on demand.
type ConversationKey struct {
	ConversationID string
	Key            [32]byte
	Version        int
	DerivedAt      time.Time
}

// Fingerprint identifies the key bytes without revealing them; it is
// mixed into the next version's derivation context and is safe to log.
func (k ConversationKey) Fingerprint() string {
	sum := sha256.Sum256(k.Key[:])
	return hex.EncodeToString(sum[:16])
}

// derive computes one key version. Version 1 uses the base context;
// every later version mixes the previous version's fingerprint into
// the HKDF info, so compromise of a later key does not expose traffic
// under earlier ones.
func derive(conversationID string, myPriv, otherPub [32]byte, version int, prevFingerprint string, now time.Time) (ConversationKey, error) {
	if conversationID == "" {
		return ConversationKey{}, fmt.Errorf("%w: empty conversation id", ErrKeyUnavailable)
	}
	if version < 1 {
		return ConversationKey{}, fmt.Errorf("%w: version %d", ErrUnknownVersion, version)
	}
	if myPriv == ([32]byte{}) || otherPub == ([32]byte{}) {
		return ConversationKey{}, fmt.Errorf("%w: zero key material", ErrKeyUnavailable)
	}

	shared, err := curve25519.X25519(myPriv[:], otherPub[:])
	if err != nil {
		return ConversationKey{}, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	salt := sha256.Sum256([]byte(saltLabel + ":" + conversationID))

	info := fmt.Sprintf("%s:%s:v%d", hkdfInfoConvKey, conversationID, version)
	if version > 1 {
		info += ":" + prevFingerprint
	}

	kdf := hkdf.New(sha256.New, shared, salt[:], []byte(info))
	var key [32]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return ConversationKey{}, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if key == ([32]byte{}) {
		return ConversationKey{}, fmt.Errorf("%w: degenerate derived key", ErrKeyUnavailable)
	}

	return ConversationKey{
		ConversationID: conversationID,
		Key:            key,
		Version:        version,
		DerivedAt:      now,
	}, nil
}

// deriveVersion walks the version chain from 1 to the requested
// version, threading each fingerprint into the next context.
func deriveVersion(conversationID string, myPriv, otherPub [32]byte, version int, now time.Time) (ConversationKey, error) {
	var (
		key  ConversationKey
		prev string
		err  error
	)
	for v := 1; v <= version; v++ {
		key, err = derive(conversationID, myPriv, otherPub, v, prev, now)
		if err != nil {
			return ConversationKey{}, err
		}
		prev = key.Fingerprint()
	}
	return key, nil
}
