package backend

import (
	"errors"
	"time"

	"chatsync/internal/domain"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventTyping EventType = "typing"
)

// Event is one wire-level conversation change. Insert and update carry
// the full message row; typing carries only the participant ids and
// the flag.
type Event struct {
	Type           EventType
	MessageID      string
	ConversationID string
	SenderID       string
	RecipientID    string
	Ciphertext     []byte
	Status         domain.Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CorrelationID  string
	Typing         bool
}

// Message converts an insert or update event into its domain shell.
// The body stays empty until the ciphertext is decrypted.
func (e Event) Message() domain.Message {
	return domain.Message{
		ID:             e.MessageID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		RecipientID:    e.RecipientID,
		Ciphertext:     append([]byte(nil), e.Ciphertext...),
		Status:         e.Status,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		CorrelationID:  e.CorrelationID,
	}
}

// OutboundMessage is the client's write: ciphertext plus the
// correlation id that ties the eventual authoritative row back to the
// optimistic one.
type OutboundMessage struct {
	ConversationID string
	SenderID       string
	RecipientID    string
	Ciphertext     []byte
	CorrelationID  string
}

// Ack is the authoritative identity the store assigned to a write.
type Ack struct {
	MessageID string
	Status    domain.Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter selects one side of a conversation's traffic. Exactly one of
// SenderID or RecipientID is set; covering both directions takes two
// subscriptions, which keeps each filter a plain conjunction the
// transport can evaluate.
type Filter struct {
	ConversationID string
	SenderID       string
	RecipientID    string
}

var errBadFilter = errors.New("backend: filter needs a conversation id and exactly one of sender or recipient")

func (f Filter) Validate() error {
	if f.ConversationID == "" {
		return errBadFilter
	}
	if (f.SenderID == "") == (f.RecipientID == "") {
		return errBadFilter
	}
	return nil
}

// Matches reports whether an event passes the filter. Typing events
// follow the same direction rule as message events.
func (f Filter) Matches(e Event) bool {
	if e.ConversationID != f.ConversationID {
		return false
	}
	if f.SenderID != "" {
		return e.SenderID == f.SenderID
	}
	return e.RecipientID == f.RecipientID
}
