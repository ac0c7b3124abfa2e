package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/backend"
	"chatsync/internal/convkey"
	"chatsync/internal/cryptoworker"
	"chatsync/internal/domain"
	"chatsync/internal/observability/metrics"
)

// typingHold is how long the typing indicator stays lit without a
// refreshing event.
const typingHold = 5 * time.Second

// degradedAfter is the consecutive-loss count that raises the
// connection banner.
const degradedAfter = 3

// conversation runs one open timeline. A single run goroutine owns the
// merge state and applies every mutation; everything asynchronous
// (decryption, history fetches, write acks, subscription events) comes
// back to it as a closure or an event. Two pump goroutines hold the
// realtime subscriptions, one per traffic direction.
type conversation struct {
	id    string
	me    string
	other string
	eng   *Engine

	timeline *Timeline
	state    *conversationState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cmds   chan func()
	events chan backend.Event

	// Owner-loop state; only run touches these.
	historyInFlight bool
	keyDegraded     bool
	subDegraded     bool
	dropStreak      int
	receiptsSent    map[string]bool
}

func newConversation(eng *Engine, conversationID, otherUserID, me string) *conversation {
	ctx, cancel := context.WithCancel(context.Background())
	return &conversation{
		id:           conversationID,
		me:           me,
		other:        otherUserID,
		eng:          eng,
		timeline:     newTimeline(conversationID),
		state:        newConversationState(conversationID, eng.log),
		ctx:          ctx,
		cancel:       cancel,
		cmds:         make(chan func(), 16),
		events:       make(chan backend.Event, 64),
		receiptsSent: make(map[string]bool),
	}
}

// start launches the run loop, both subscription pumps and the initial
// history fetch. One subscription covers "I am the sender", the other
// "I am the recipient"; a single subscription demanding both at once
// can never match a two-party exchange.
func (c *conversation) start() {
	c.wg.Add(3)
	go c.run()
	go c.pump(backend.Filter{ConversationID: c.id, SenderID: c.me})
	go c.pump(backend.Filter{ConversationID: c.id, RecipientID: c.me})
	c.do(func() { c.startHistoryFetch("open", time.Time{}) })
}

// stop cancels everything and waits for the run loop, the pumps and
// any in-flight work. Merge state and cache entries are not cleared.
func (c *conversation) stop() {
	c.cancel()
	c.wg.Wait()
	c.timeline.close()
}

// do hands a closure to the run loop, reporting false once the
// conversation is closed.
func (c *conversation) do(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// call runs fn on the run loop and waits for its result.
func (c *conversation) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.cmds <- func() { done <- fn() }:
	case <-c.ctx.Done():
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-c.ctx.Done():
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conversation) run() {
	defer c.wg.Done()

	poll := time.NewTicker(c.eng.cfg.PollInterval)
	defer poll.Stop()
	typing := time.NewTimer(typingHold)
	if !typing.Stop() {
		<-typing.C
	}
	defer typing.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.handleEvent(ev, typing)
		case <-poll.C:
			c.startHistoryFetch("poll", time.Time{})
		case <-typing.C:
			c.timeline.setTyping(false)
		}
	}
}

func (c *conversation) handleEvent(ev backend.Event, typing *time.Timer) {
	if ev.Type == backend.EventTyping {
		if ev.SenderID == c.me {
			return
		}
		c.timeline.setTyping(ev.Typing)
		if ev.Typing {
			typing.Reset(typingHold)
		}
		return
	}
	c.ingest(ev.Message(), "realtime")
}

// ingest decrypts off the run loop, then brings the result back to it
// for the merge.
func (c *conversation) ingest(msg domain.Message, source string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.decryptInto(&msg)
		c.do(func() {
			c.noteKeyHealth(err)
			c.applyAndPublish(msg, source)
		})
	}()
}

// decryptInto fills Body and Encryption, or marks the message
// undecryptable. A failure is scoped to this one message.
func (c *conversation) decryptInto(msg *domain.Message) error {
	if len(msg.Ciphertext) == 0 {
		return nil
	}
	body, info, err := c.eng.crypto.Decrypt(c.ctx, c.id, msg.Ciphertext, c.keyProvider())
	if err != nil {
		msg.Body = ""
		msg.Undecryptable = true
		if c.ctx.Err() == nil {
			c.eng.log.Warn("message decryption failed",
				"conversation_id", c.id,
				"message_id", msg.ID,
				"ciphertext_len", len(msg.Ciphertext),
				"err", err,
			)
		}
		return err
	}
	msg.Body = string(body)
	msg.Encryption = info
	msg.Undecryptable = false
	return nil
}

// applyOne merges one message and syncs the cache. It reports whether
// the visible state changed.
func (c *conversation) applyOne(msg domain.Message, source string) bool {
	out := c.state.apply(msg)
	if out.anomaly {
		metrics.StatusAnomaliesTotal.WithLabelValues().Inc()
	}
	if !out.changed {
		return false
	}
	metrics.MessagesMergedTotal.WithLabelValues(source).Inc()
	if out.retiredID != "" {
		c.eng.cache.Delete(out.retiredID)
	}
	if out.merged.ID != "" {
		c.eng.cache.Put(out.merged)
	}
	c.maybeSendDeliveredReceipt(out.merged)
	return true
}

func (c *conversation) applyAndPublish(msg domain.Message, source string) {
	if c.applyOne(msg, source) {
		c.publishSnapshot()
	}
}

func (c *conversation) publishSnapshot() {
	c.timeline.publish(c.state.snapshot())
}

// maybeSendDeliveredReceipt reports a received, still-sent message as
// delivered. The backend fans the resulting update event back out to
// both parties.
func (c *conversation) maybeSendDeliveredReceipt(m domain.Message) {
	if m.RecipientID != c.me || m.Status != domain.StatusSent || !authoritative(m) {
		return
	}
	if c.receiptsSent[m.ID] {
		return
	}
	c.receiptsSent[m.ID] = true
	c.updateStatusAsync(m.ID, domain.StatusDelivered)
}

func (c *conversation) updateStatusAsync(messageID string, status domain.Status) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.eng.store.UpdateStatus(c.ctx, messageID, status)
		if err != nil && c.ctx.Err() == nil {
			c.eng.log.Warn("status update failed",
				"conversation_id", c.id,
				"message_id", messageID,
				"status", status.String(),
				"err", err,
			)
		}
	}()
}

// startHistoryFetch loads one page and merges it. At most one fetch is
// in flight per conversation; redundant triggers coalesce.
func (c *conversation) startHistoryFetch(trigger string, before time.Time) {
	if c.historyInFlight {
		return
	}
	c.historyInFlight = true
	metrics.HistoryFetchesTotal.WithLabelValues(trigger).Inc()

	source := "history"
	if trigger == "poll" {
		source = "poll"
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		events, err := c.eng.store.History(c.ctx, c.id, before, c.eng.cfg.PageSize)
		if err != nil {
			if c.ctx.Err() == nil {
				c.eng.log.Warn("history fetch failed",
					"conversation_id", c.id,
					"trigger", trigger,
					"err", err,
				)
			}
			c.do(func() { c.historyInFlight = false })
			return
		}

		msgs := make([]domain.Message, 0, len(events))
		var keyErr error
		decrypted := false
		for _, ev := range events {
			if ev.Type == backend.EventTyping {
				continue
			}
			m := ev.Message()
			err := c.decryptInto(&m)
			switch {
			case err == nil && len(m.Ciphertext) > 0:
				decrypted = true
			case errors.Is(err, convkey.ErrKeyUnavailable):
				keyErr = err
			}
			msgs = append(msgs, m)
		}

		c.do(func() {
			c.historyInFlight = false
			if keyErr != nil {
				c.noteKeyHealth(keyErr)
			} else if decrypted {
				c.noteKeyHealth(nil)
			}
			changed := false
			for _, m := range msgs {
				if c.applyOne(m, source) {
					changed = true
				}
			}
			if changed {
				c.publishSnapshot()
			}
		})
	}()
}

// pump holds one realtime subscription, forwarding its events to the
// run loop and rebuilding it with backoff whenever it drops. The
// fallback poll covers the gaps in between.
func (c *conversation) pump(f backend.Filter) {
	defer c.wg.Done()

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		sub, err := c.eng.realtime.Subscribe(c.ctx, f)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			attempt++
			metrics.SubscriptionDropsTotal.WithLabelValues().Inc()
			c.eng.log.Warn("realtime subscribe failed",
				"conversation_id", c.id,
				"side", filterSide(f),
				"attempt", attempt,
				"err", err,
			)
			c.noteDrop()
			if !sleepCtx(c.ctx, backoffDelay(attempt, c.eng.cfg.BackoffBase, c.eng.cfg.BackoffCap)) {
				return
			}
			continue
		}
		attempt = 0
		c.noteRecovered()

		alive := true
		for alive {
			select {
			case <-c.ctx.Done():
				sub.Close()
				return
			case ev, ok := <-sub.Events():
				if !ok {
					alive = false
					break
				}
				select {
				case c.events <- ev:
				case <-c.ctx.Done():
					sub.Close()
					return
				}
			case err := <-sub.Err():
				c.eng.log.Warn("realtime subscription lost",
					"conversation_id", c.id,
					"side", filterSide(f),
					"err", err,
				)
				alive = false
			}
		}
		sub.Close()
		if c.ctx.Err() != nil {
			return
		}
		metrics.SubscriptionDropsTotal.WithLabelValues().Inc()
		c.noteDrop()
		attempt++
		if !sleepCtx(c.ctx, backoffDelay(attempt, c.eng.cfg.BackoffBase, c.eng.cfg.BackoffCap)) {
			return
		}
	}
}

func filterSide(f backend.Filter) string {
	if f.SenderID != "" {
		return "sender"
	}
	return "recipient"
}

func (c *conversation) noteDrop() {
	c.do(func() {
		c.dropStreak++
		if c.dropStreak >= degradedAfter && !c.subDegraded {
			c.subDegraded = true
			c.refreshBanner()
		}
	})
}

func (c *conversation) noteRecovered() {
	c.do(func() {
		c.dropStreak = 0
		if c.subDegraded {
			c.subDegraded = false
			c.refreshBanner()
		}
	})
}

// noteKeyHealth tracks key availability so the condition surfaces once
// per episode, not once per message.
func (c *conversation) noteKeyHealth(err error) {
	switch {
	case err == nil:
		if c.keyDegraded {
			c.keyDegraded = false
			c.refreshBanner()
		}
	case errors.Is(err, convkey.ErrKeyUnavailable):
		if !c.keyDegraded {
			c.keyDegraded = true
			c.refreshBanner()
			c.eng.log.Warn("conversation key unavailable", "conversation_id", c.id)
		}
	}
}

func (c *conversation) refreshBanner() {
	switch {
	case c.keyDegraded:
		c.timeline.setBanner("conversation key unavailable")
	case c.subDegraded:
		c.timeline.setBanner("realtime connection degraded; polling")
	default:
		c.timeline.setBanner("")
	}
}

// keyProvider resolves the key version an envelope declares, observing
// counterpart rotations as they show up on incoming messages.
func (c *conversation) keyProvider() cryptoworker.KeyProvider {
	return func(ctx context.Context, version int) (convkey.ConversationKey, error) {
		priv, pub, err := c.identityKeys(ctx)
		if err != nil {
			return convkey.ConversationKey{}, err
		}
		c.eng.keys.ObserveVersion(c.id, version)
		return c.eng.keys.KeyForVersion(ctx, c.id, priv, pub, version)
	}
}

func (c *conversation) identityKeys(ctx context.Context) ([32]byte, [32]byte, error) {
	priv, err := c.eng.identity.PrivateKey(ctx)
	if err != nil {
		c.eng.log.Error("identity private key unavailable", "err", err)
		return [32]byte{}, [32]byte{}, fmt.Errorf("identity private key: %w", convkey.ErrKeyUnavailable)
	}
	pub, err := c.eng.identity.PublicKey(ctx, c.other)
	if err != nil {
		c.eng.log.Warn("counterpart public key unavailable",
			"user_id", c.other,
			"err", err,
		)
		return [32]byte{}, [32]byte{}, fmt.Errorf("counterpart public key: %w", convkey.ErrKeyUnavailable)
	}
	return priv, pub, nil
}

func (c *conversation) currentKey(ctx context.Context) (convkey.ConversationKey, error) {
	priv, pub, err := c.identityKeys(ctx)
	if err != nil {
		return convkey.ConversationKey{}, err
	}
	return c.eng.keys.GetOrDerive(ctx, c.id, priv, pub)
}

// sendPipeline runs the asynchronous part of a send: derive, encrypt,
// write, merge the ack. Failure marks this one message failed and
// leaves the rest of the timeline alone.
func (c *conversation) sendPipeline(m domain.Message) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		key, err := c.currentKey(c.ctx)
		if err != nil {
			c.failSend(m, err)
			return
		}
		ciphertext, info, err := c.eng.crypto.Encrypt(c.ctx, c.id, []byte(m.Body), key)
		if err != nil {
			c.failSend(m, err)
			return
		}
		ack, err := c.eng.store.CreateMessage(c.ctx, backend.OutboundMessage{
			ConversationID: c.id,
			SenderID:       c.me,
			RecipientID:    c.other,
			Ciphertext:     ciphertext,
			CorrelationID:  m.CorrelationID,
		})
		if err != nil {
			c.failSend(m, err)
			return
		}

		metrics.SendAttemptsTotal.WithLabelValues("acked").Inc()
		acked := domain.Message{
			ID:             ack.MessageID,
			ConversationID: c.id,
			SenderID:       c.me,
			RecipientID:    c.other,
			Body:           m.Body,
			Ciphertext:     ciphertext,
			Status:         ack.Status,
			CreatedAt:      ack.CreatedAt,
			UpdatedAt:      ack.UpdatedAt,
			CorrelationID:  m.CorrelationID,
			Encryption:     info,
		}
		c.do(func() {
			c.noteKeyHealth(nil)
			c.applyAndPublish(acked, "ack")
		})
	}()
}

func (c *conversation) failSend(m domain.Message, err error) {
	if c.ctx.Err() != nil {
		return
	}
	metrics.SendAttemptsTotal.WithLabelValues("failed").Inc()
	c.eng.log.Warn("message send failed",
		"conversation_id", c.id,
		"correlation_id", m.CorrelationID,
		"err", err,
	)
	c.do(func() {
		c.noteKeyHealth(err)
		if updated, ok := c.state.advanceStatus(m.Identity(), domain.StatusFailed, c.eng.now()); ok {
			c.eng.cache.Put(updated)
			c.publishSnapshot()
		}
	})
}
