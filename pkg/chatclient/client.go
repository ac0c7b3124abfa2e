// Package chatclient assembles the full device-side stack: local
// sqlite state, the identity key store, conversation key derivation,
// the crypto worker pool, the message cache, and the sync engine, all
// talking to one backend over the remote client. It is the embedding
// surface for anything that wants a synced encrypted conversation,
// and the chatctl CLI in cli.go is its first consumer.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatsync/internal/backend/remote"
	"chatsync/internal/config"
	"chatsync/internal/convkey"
	"chatsync/internal/cryptoworker"
	"chatsync/internal/domain"
	"chatsync/internal/keystore"
	"chatsync/internal/msgcache"
	"chatsync/internal/store"
	"chatsync/internal/syncengine"
)

// Client owns the assembled stack. Construct with New, use the
// conversation operations, and Close when done; Close is not safe to
// call concurrently with other methods.
type Client struct {
	cfg     config.Client
	log     *slog.Logger
	db      *gorm.DB
	local   *store.Store
	remote  *remote.Client
	ident   *identity
	pool    *cryptoworker.Pool
	durable *durableStore
	eng     *syncengine.Engine
}

func New(ctx context.Context, cfg config.Client, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Token == "" {
		return nil, errors.New("chatclient: bearer token required (run init first)")
	}

	db, err := gorm.Open(sqlite.Open(cfg.StatePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("chatclient: open state db at %s: %w", cfg.StatePath, err)
	}
	local := store.New(db)
	if err := local.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("chatclient: migrate state db: %w", err)
	}

	rc, err := remote.New(remote.Config{BaseURL: cfg.BackendURL, Token: cfg.Token, Log: log})
	if err != nil {
		return nil, err
	}

	ident := newIdentity(rc.UserID(), keystore.New(local.Identity()), local.Peers(), rc, log)
	pool := cryptoworker.NewPool(cfg.WorkerCount, 0, log)
	durable := &durableStore{Store: rc, outbox: local.Outbox(), log: log, now: time.Now}
	eng := syncengine.New(syncengine.Deps{
		Store:    durable,
		Realtime: rc,
		Identity: ident,
		Notifier: logNotifier{log: log},
		Keys:     convkey.NewService(cfg.KeyTTL, log),
		Crypto:   pool,
		Cache:    msgcache.New(cfg.CacheConvCap, cfg.CacheGlobalCap, log),
		Log:      log,
	}, syncengine.Config{
		PageSize:     cfg.PageSize,
		PollInterval: cfg.PollInterval,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
	})

	return &Client{
		cfg:     cfg,
		log:     log,
		db:      db,
		local:   local,
		remote:  rc,
		ident:   ident,
		pool:    pool,
		durable: durable,
		eng:     eng,
	}, nil
}

func (c *Client) Close() {
	c.eng.Shutdown()
	c.pool.Close()
	if db, err := c.db.DB(); err == nil {
		_ = db.Close()
	}
}

// UserID reports the identity the bearer token acts as.
func (c *Client) UserID() string { return c.remote.UserID() }

// ConversationID is the canonical direct-message conversation id for a
// pair of users. Both sides derive the same value regardless of who
// computes it.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// EnsureIdentity creates the device key pair on first call and
// publishes the public half to the backend directory. Repeated calls
// republish the same key, which is how a reinstall re-registers.
func (c *Client) EnsureIdentity(ctx context.Context) (string, error) {
	kp, err := c.ident.keys.GetOrCreate(ctx)
	if err != nil {
		return "", err
	}
	if err := c.remote.PublishKey(ctx, kp.Public); err != nil {
		return "", fmt.Errorf("chatclient: publish identity key: %w", err)
	}
	return keystore.Fingerprint(kp.Public), nil
}

// Open starts syncing a conversation and returns its live timeline.
func (c *Client) Open(ctx context.Context, conversationID, peerID string) (*syncengine.Timeline, error) {
	return c.eng.Open(ctx, conversationID, peerID)
}

// Send posts one message and waits until the attempt settles: the
// backend acks it, or it fails. A failed message is already journaled
// in the outbox, so the returned error means "not delivered yet", not
// "lost".
func (c *Client) Send(ctx context.Context, conversationID, peerID, body string) (domain.Message, error) {
	tl, err := c.eng.Open(ctx, conversationID, peerID)
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := c.eng.Send(ctx, conversationID, body)
	if err != nil {
		return domain.Message{}, err
	}
	return c.awaitSettled(ctx, tl, msg.CorrelationID)
}

// awaitSettled blocks until the message with the given correlation id
// leaves the sending state.
func (c *Client) awaitSettled(ctx context.Context, tl *syncengine.Timeline, correlationID string) (domain.Message, error) {
	snaps, cancel := tl.Subscribe()
	defer cancel()
	settled := func() (domain.Message, bool) {
		for _, m := range tl.Messages() {
			if m.CorrelationID == correlationID && m.Status != domain.StatusSending {
				return m, true
			}
		}
		return domain.Message{}, false
	}
	for {
		if m, ok := settled(); ok {
			if m.Status == domain.StatusFailed {
				return m, fmt.Errorf("chatclient: %w", syncengine.ErrSendFailed)
			}
			return m, nil
		}
		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case _, ok := <-snaps:
			if !ok {
				return domain.Message{}, errors.New("chatclient: conversation closed while sending")
			}
		}
	}
}

// MarkRead reports read receipts for everything received in the
// conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.eng.MarkRead(ctx, conversationID)
}

// SetTyping reports the local typing state to the conversation
// counterpart.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	return c.eng.SetTyping(ctx, conversationID, typing)
}

// FlushOutbox resends messages journaled by earlier failed sends and
// reports how many went out.
func (c *Client) FlushOutbox(ctx context.Context) (int, error) {
	return c.durable.Flush(ctx)
}

// History opens the conversation, loads older pages until at least
// limit messages are available or the backend runs out, and returns
// the newest limit messages oldest first.
func (c *Client) History(ctx context.Context, conversationID, peerID string, limit int) ([]domain.Message, error) {
	tl, err := c.eng.Open(ctx, conversationID, peerID)
	if err != nil {
		return nil, err
	}
	waitQuiet(ctx, tl, settleWindow)
	msgs := tl.Messages()
	for limit > 0 && len(msgs) < limit {
		before := len(msgs)
		if err := c.eng.LoadOlder(ctx, conversationID); err != nil {
			return nil, err
		}
		waitQuiet(ctx, tl, settleWindow)
		msgs = tl.Messages()
		if len(msgs) == before {
			break
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// RememberSeen advances the conversation's local read cursor.
func (c *Client) RememberSeen(ctx context.Context, conversationID string, at time.Time) error {
	return c.local.Cursors().Upsert(ctx, store.Cursor{ConversationID: conversationID, LastSeenAt: at})
}

// LastSeen reports where the read cursor was left, if anywhere.
func (c *Client) LastSeen(ctx context.Context, conversationID string) (time.Time, bool) {
	cur, err := c.local.Cursors().Get(ctx, conversationID)
	if err != nil || cur == nil {
		return time.Time{}, false
	}
	return cur.LastSeenAt, true
}

// settleWindow is how long the timeline must stay quiet before a
// history read is considered complete. Fetches are asynchronous, so
// completion is observed rather than signalled.
const settleWindow = 300 * time.Millisecond

// waitQuiet drains timeline snapshots until none arrive for quiet, or
// ctx expires.
func waitQuiet(ctx context.Context, tl *syncengine.Timeline, quiet time.Duration) {
	snaps, cancel := tl.Subscribe()
	defer cancel()
	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case _, ok := <-snaps:
			if !ok {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(quiet)
		}
	}
}
