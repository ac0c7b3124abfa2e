package syncengine

import (
	"sync"

	"chatsync/internal/domain"
)

// Timeline is the live view handed to the UI layer. The conversation's
// run loop publishes snapshots into it; readers take them out. Snapshot
// slices are fresh copies per publish and must be treated as read-only
// by consumers.
type Timeline struct {
	conversationID string

	mu      sync.RWMutex
	msgs    []domain.Message
	typing  bool
	banner  string
	closed  bool
	nextSub int
	subs    map[int]chan []domain.Message
}

func newTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		subs:           make(map[int]chan []domain.Message),
	}
}

func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// Messages returns the current ordered snapshot.
func (t *Timeline) Messages() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.Message(nil), t.msgs...)
}

// Typing reports whether the counterpart is currently typing.
func (t *Timeline) Typing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.typing
}

// Banner is the conversation-level condition to surface, or empty.
// Message-level failures never appear here; they ride on the messages
// themselves.
func (t *Timeline) Banner() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.banner
}

// Subscribe returns a channel that carries each new snapshot and a
// cancel function. Emission never blocks: a slow consumer skips
// intermediate frames and always finds the latest one in the buffer.
// The channel closes when the subscription is canceled or the
// conversation closes.
func (t *Timeline) Subscribe() (<-chan []domain.Message, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan []domain.Message, 1)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	if t.msgs != nil {
		ch <- append([]domain.Message(nil), t.msgs...)
	}

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (t *Timeline) publish(msgs []domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.msgs = msgs
	for _, ch := range t.subs {
		select {
		case ch <- msgs:
		default:
			// Drop the stale frame so the latest always fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msgs:
			default:
			}
		}
	}
}

func (t *Timeline) setTyping(v bool) {
	t.mu.Lock()
	t.typing = v
	t.mu.Unlock()
}

func (t *Timeline) setBanner(s string) {
	t.mu.Lock()
	t.banner = s
	t.mu.Unlock()
}

// close ends all subscriptions. The last published snapshot stays
// readable through Messages so a closed view can still render.
func (t *Timeline) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
