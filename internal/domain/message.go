package domain

import (
	"strings"
	"time"
)

// LocalIDPrefix marks the temporary identity of an optimistic message
// before the backend has assigned a real id. The prefix keeps local
// ids out of the server id space.
const LocalIDPrefix = "local:"

// EncryptionInfo records which algorithm and conversation key version
// produced a message's ciphertext, so old messages stay decryptable
// after a key rotation.
type EncryptionInfo struct {
	Algorithm  string
	KeyVersion int
}

// Message is one entry in a conversation timeline. Body holds the
// decrypted content; Ciphertext is retained for messages that could
// not be decrypted so a later key fix can retry them.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Body           string
	Ciphertext     []byte
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CorrelationID  string
	Encryption     EncryptionInfo
	Undecryptable  bool
}

// IsLocal reports whether the message still carries its temporary
// optimistic identity.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// Identity is the merge key: the real id when present, otherwise the
// correlation id.
func (m Message) Identity() string {
	if m.ID != "" && !m.IsLocal() {
		return m.ID
	}
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

// Less orders messages by (CreatedAt, ID), the timeline sort key.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Clone returns a copy with its own ciphertext backing array, so a
// cached message cannot be mutated through a shared slice.
func (m Message) Clone() Message {
	out := m
	if m.Ciphertext != nil {
		out.Ciphertext = make([]byte, len(m.Ciphertext))
		copy(out.Ciphertext, m.Ciphertext)
	}
	return out
}
