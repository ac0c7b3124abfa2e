package chatclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/backend"
	"chatsync/internal/store"
)

const flushBatchSize = 100

// durableStore decorates the remote backend with a write-ahead outbox.
// Every outgoing message is journaled before the network attempt and
// deleted once the backend acknowledges it, so a crash or a dead link
// between the two leaves a replayable record instead of a lost
// message. Flush drains the journal on the next start.
//
// Replaying is safe because the backend deduplicates by correlation
// id: a message that was acked but not yet deleted collapses into the
// existing server record.
type durableStore struct {
	backend.Store
	outbox *store.OutboxStore
	log    *slog.Logger
	now    func() time.Time
}

func (d *durableStore) CreateMessage(ctx context.Context, msg backend.OutboundMessage) (backend.Ack, error) {
	entry := store.OutboxEntry{
		CorrelationID:  msg.CorrelationID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		Ciphertext:     msg.Ciphertext,
	}
	if err := d.outbox.Enqueue(ctx, entry); err != nil {
		return backend.Ack{}, fmt.Errorf("chatclient: journal message: %w", err)
	}
	ack, err := d.Store.CreateMessage(ctx, msg)
	if err != nil {
		if mErr := d.outbox.MarkAttempt(ctx, msg.CorrelationID, d.now()); mErr != nil {
			d.log.Warn("recording outbox attempt failed", "correlation_id", msg.CorrelationID, "err", mErr)
		}
		return backend.Ack{}, err
	}
	if err := d.outbox.Delete(ctx, msg.CorrelationID); err != nil {
		d.log.Warn("clearing acked outbox entry failed", "correlation_id", msg.CorrelationID, "err", err)
	}
	return ack, nil
}

// Flush resends journaled messages oldest first and reports how many
// were delivered. It stops at the first failure; the rest stay queued
// for the next flush.
func (d *durableStore) Flush(ctx context.Context) (int, error) {
	sent := 0
	for {
		pending, err := d.outbox.Pending(ctx, flushBatchSize)
		if err != nil {
			return sent, fmt.Errorf("chatclient: read outbox: %w", err)
		}
		if len(pending) == 0 {
			return sent, nil
		}
		for _, entry := range pending {
			msg := backend.OutboundMessage{
				ConversationID: entry.ConversationID,
				SenderID:       entry.SenderID,
				RecipientID:    entry.RecipientID,
				Ciphertext:     entry.Ciphertext,
				CorrelationID:  entry.CorrelationID,
			}
			if _, err := d.Store.CreateMessage(ctx, msg); err != nil {
				if mErr := d.outbox.MarkAttempt(ctx, entry.CorrelationID, d.now()); mErr != nil {
					d.log.Warn("recording outbox attempt failed", "correlation_id", entry.CorrelationID, "err", mErr)
				}
				return sent, fmt.Errorf("chatclient: flush %s: %w", entry.CorrelationID, err)
			}
			if err := d.outbox.Delete(ctx, entry.CorrelationID); err != nil {
				return sent, fmt.Errorf("chatclient: clear outbox entry %s: %w", entry.CorrelationID, err)
			}
			sent++
		}
		if len(pending) < flushBatchSize {
			return sent, nil
		}
	}
}
