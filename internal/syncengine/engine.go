// Package syncengine reconciles optimistic local writes, historical
// page fetches and realtime push events into one ordered, deduplicated
// timeline per conversation. The merge is commutative and idempotent,
// so the three sources can race freely; whatever order their copies of
// a message arrive in, the timeline converges to the same record.
package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/backend"
	"chatsync/internal/convkey"
	"chatsync/internal/cryptoworker"
	"chatsync/internal/domain"
	"chatsync/internal/msgcache"
	"chatsync/internal/observability/metrics"
)

type Config struct {
	PageSize     int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	return c
}

// Deps are the engine's collaborators. Notifier may be nil; everything
// else is required.
type Deps struct {
	Store    backend.Store
	Realtime backend.Realtime
	Identity backend.Identity
	Notifier backend.Notifier
	Keys     *convkey.Service
	Crypto   *cryptoworker.Pool
	Cache    *msgcache.Cache
	Log      *slog.Logger
}

type Engine struct {
	cfg      Config
	store    backend.Store
	realtime backend.Realtime
	identity backend.Identity
	notifier backend.Notifier
	keys     *convkey.Service
	crypto   *cryptoworker.Pool
	cache    *msgcache.Cache
	log      *slog.Logger

	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	convs  map[string]*conversation
	closed bool
}

var errEmptyBody = errors.New("syncengine: empty message body")

func New(deps Deps, cfg Config) *Engine {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		realtime: deps.Realtime,
		identity: deps.Identity,
		notifier: deps.Notifier,
		keys:     deps.Keys,
		crypto:   deps.Crypto,
		cache:    deps.Cache,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
		convs:    make(map[string]*conversation),
	}
}

// Open starts (or returns) the live timeline for a conversation. The
// first snapshot comes straight from the message cache; history and
// realtime sync continue in the background. While open, notifications
// for the conversation are suppressed.
func (e *Engine) Open(ctx context.Context, conversationID, otherUserID string) (*Timeline, error) {
	if conversationID == "" || otherUserID == "" {
		return nil, errors.New("syncengine: conversation id and counterpart required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if c, ok := e.convs[conversationID]; ok {
		return c.timeline, nil
	}

	c := newConversation(e, conversationID, otherUserID, e.identity.CurrentUserID())
	for _, m := range e.cache.ListForConversation(conversationID) {
		c.state.apply(m)
	}
	if snap := c.state.snapshot(); len(snap) > 0 {
		metrics.MessagesMergedTotal.WithLabelValues("cache").Add(float64(len(snap)))
		c.timeline.publish(snap)
	}
	e.convs[conversationID] = c
	if e.notifier != nil {
		e.notifier.SuppressConversation(conversationID)
	}
	c.start()

	e.log.Info("conversation opened",
		"conversation_id", conversationID,
		"cached_messages", c.state.size(),
	)
	return c.timeline, nil
}

// Send inserts the optimistic message and returns it immediately. Key
// derivation, encryption and the backend write continue in the
// background; their outcome lands in the timeline as a status change
// on this message.
func (e *Engine) Send(ctx context.Context, conversationID, body string) (domain.Message, error) {
	if body == "" {
		return domain.Message{}, errEmptyBody
	}
	c, err := e.conversation(conversationID)
	if err != nil {
		return domain.Message{}, err
	}

	now := e.now()
	corr := e.newID()
	optimistic := domain.Message{
		ID:             domain.LocalIDPrefix + corr,
		ConversationID: conversationID,
		SenderID:       c.me,
		RecipientID:    c.other,
		Body:           body,
		Status:         domain.StatusSending,
		CreatedAt:      now,
		UpdatedAt:      now,
		CorrelationID:  corr,
	}
	if err := c.call(ctx, func() error {
		c.applyAndPublish(optimistic, "optimistic")
		return nil
	}); err != nil {
		return domain.Message{}, err
	}
	c.sendPipeline(optimistic)
	return optimistic, nil
}

// Retry re-sends a failed message. It keeps its local id and
// correlation id, so the eventual ack still collapses into the same
// record.
func (e *Engine) Retry(ctx context.Context, conversationID, messageID string) error {
	c, err := e.conversation(conversationID)
	if err != nil {
		return err
	}
	var again domain.Message
	if err := c.call(ctx, func() error {
		_, key, ok := c.state.find(messageID)
		if !ok {
			return ErrUnknownMessage
		}
		m, ok := c.state.resetForRetry(key, e.now())
		if !ok {
			return ErrNotRetryable
		}
		again = m
		e.cache.Put(m)
		c.publishSnapshot()
		return nil
	}); err != nil {
		return err
	}
	metrics.SendAttemptsTotal.WithLabelValues("retried").Inc()
	c.sendPipeline(again)
	return nil
}

// MarkRead marks every received, unread message read locally and
// reports the receipts to the backend best-effort; the poll reconciles
// any receipt that does not land.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	c, err := e.conversation(conversationID)
	if err != nil {
		return err
	}
	var ids []string
	if err := c.call(ctx, func() error {
		changed := false
		for _, key := range c.state.readCandidates(c.me) {
			m, ok := c.state.advanceStatus(key, domain.StatusRead, e.now())
			if !ok {
				continue
			}
			changed = true
			e.cache.Put(m)
			if authoritative(m) {
				ids = append(ids, m.ID)
			}
		}
		if changed {
			c.publishSnapshot()
		}
		return nil
	}); err != nil {
		return err
	}
	for _, id := range ids {
		c.updateStatusAsync(id, domain.StatusRead)
	}
	return nil
}

// SetTyping publishes the local typing state. It is ephemeral: nothing
// merges into the timeline and the flag expires on its own at the
// receiving side.
func (e *Engine) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	c, err := e.conversation(conversationID)
	if err != nil {
		return err
	}
	return e.store.SetTyping(ctx, c.id, c.other, typing)
}

// LoadOlder fetches the next older history page. Concurrent calls for
// one conversation coalesce into a single in-flight fetch.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) error {
	c, err := e.conversation(conversationID)
	if err != nil {
		return err
	}
	return c.call(ctx, func() error {
		c.startHistoryFetch("page", c.state.oldestAuthoritative())
		return nil
	})
}

// Close tears down a conversation's subscriptions and in-flight work.
// Applied timeline and cache state is kept, so reopening renders
// instantly from cache while a fresh sync runs.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	c, ok := e.convs[conversationID]
	delete(e.convs, conversationID)
	e.mu.Unlock()
	if !ok {
		return
	}
	c.stop()
	if e.notifier != nil {
		e.notifier.ReleaseConversation(conversationID)
	}
	e.log.Info("conversation closed", "conversation_id", conversationID)
}

// Shutdown closes every open conversation and rejects further opens.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	convs := e.convs
	e.convs = make(map[string]*conversation)
	e.mu.Unlock()
	for id, c := range convs {
		c.stop()
		if e.notifier != nil {
			e.notifier.ReleaseConversation(id)
		}
	}
}

func (e *Engine) conversation(conversationID string) (*conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if c, ok := e.convs[conversationID]; ok {
		return c, nil
	}
	return nil, ErrNotOpen
}
