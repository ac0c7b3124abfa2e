// Package backend declares the narrow contracts the sync engine
// consumes: durable message storage, realtime event delivery, the
// local identity, and notification suppression. Implementations live
// elsewhere (backend/remote for the HTTP+WebSocket client, test fakes
// in the engine's own package).
package backend

import (
	"context"
	"errors"
	"time"

	"chatsync/internal/domain"
)

// ErrSubscriptionLost reports that a realtime subscription stopped
// delivering events. The engine resubscribes with backoff and leans on
// the fallback poll until it succeeds.
var ErrSubscriptionLost = errors.New("backend: subscription lost")

// Store is the durable, authoritative message record.
type Store interface {
	// History returns up to limit events created strictly before the
	// given instant, newest first. A zero time means "from the top".
	History(ctx context.Context, conversationID string, before time.Time, limit int) ([]Event, error)

	// CreateMessage persists an outbound message and returns the
	// authoritative identity assigned to it.
	CreateMessage(ctx context.Context, msg OutboundMessage) (Ack, error)

	// UpdateStatus records a delivery-state transition observed by
	// this client, such as marking received messages read.
	UpdateStatus(ctx context.Context, messageID string, status domain.Status) error

	// SetTyping publishes an ephemeral typing signal addressed to the
	// conversation counterpart. It is fanned out to subscribers and
	// never persisted.
	SetTyping(ctx context.Context, conversationID, recipientID string, typing bool) error
}

// Realtime delivers live conversation events. Delivery is
// at-least-once; the engine's merge absorbs duplicates.
type Realtime interface {
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}

// Subscription is one live event feed. Err delivers at most one error
// (ErrSubscriptionLost wrapped around the cause) after which the
// subscription is dead; Close releases it early.
type Subscription interface {
	Events() <-chan Event
	Err() <-chan error
	Close() error
}

// Identity exposes the local user and the key material needed for
// conversation key agreement.
type Identity interface {
	CurrentUserID() string
	PublicKey(ctx context.Context, userID string) ([32]byte, error)
	PrivateKey(ctx context.Context) ([32]byte, error)
}

// Notifier mutes push notifications for a conversation while it is on
// screen. Calls are one-way and must not block.
type Notifier interface {
	SuppressConversation(conversationID string)
	ReleaseConversation(conversationID string)
}
