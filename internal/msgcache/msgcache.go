// Package msgcache holds already-decrypted, display-ready messages so
// re-opening a conversation renders instantly from memory before any
// network round trip. The cache is bounded per conversation and
// globally; eviction removes the least-recently-shown entries and
// always drops the id index and the conversation index together.
package msgcache

import (
	"log/slog"
	"sort"
	"sync"

	"chatsync/internal/domain"
	"chatsync/internal/observability/metrics"
)

const (
	DefaultConvCap   = 50
	DefaultGlobalCap = 1000
)

type entry struct {
	msg       domain.Message
	lastShown uint64
}

// Cache is safe for concurrent use. Construct one per client and
// inject it; it is not a package singleton.
type Cache struct {
	mu        sync.Mutex
	convCap   int
	globalCap int
	log       *slog.Logger
	clock     uint64
	byID      map[string]*entry
	byConv    map[string]map[string]*entry
}

func New(convCap, globalCap int, log *slog.Logger) *Cache {
	if convCap <= 0 {
		convCap = DefaultConvCap
	}
	if globalCap < convCap {
		globalCap = DefaultGlobalCap
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		convCap:   convCap,
		globalCap: globalCap,
		log:       log,
		byID:      make(map[string]*entry),
		byConv:    make(map[string]map[string]*entry),
	}
}

// Get returns the cached message and refreshes its recency.
func (c *Cache) Get(messageID string) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byID[messageID]
	if !ok {
		return domain.Message{}, false
	}
	c.clock++
	e.lastShown = c.clock
	return e.msg.Clone(), true
}

// Put inserts or overwrites a message. Overwrites of the same id are
// last-write-wins ordered by UpdatedAt: an older incoming copy is
// ignored. Insertion counts as shown, since merge output is what the
// view renders.
func (c *Cache) Put(msg domain.Message) {
	if msg.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	if e, ok := c.byID[msg.ID]; ok {
		if msg.UpdatedAt.Before(e.msg.UpdatedAt) {
			return
		}
		e.msg = msg.Clone()
		e.lastShown = c.clock
		return
	}

	e := &entry{msg: msg.Clone(), lastShown: c.clock}
	c.byID[msg.ID] = e
	conv, ok := c.byConv[msg.ConversationID]
	if !ok {
		conv = make(map[string]*entry)
		c.byConv[msg.ConversationID] = conv
	}
	conv[msg.ID] = e

	if len(conv) > c.convCap {
		c.evictFromConversation(msg.ConversationID, "conv_cap")
	}
	for len(c.byID) > c.globalCap {
		c.evictGlobal("global_cap")
	}
}

// ListForConversation returns the conversation's cached messages in
// timeline order and refreshes their recency.
func (c *Cache) ListForConversation(conversationID string) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.byConv[conversationID]
	if len(conv) == 0 {
		return nil
	}
	c.clock++
	out := make([]domain.Message, 0, len(conv))
	for _, e := range conv {
		e.lastShown = c.clock
		out = append(out, e.msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return domain.Less(out[i], out[j]) })
	return out
}

// Delete removes a message from both indexes, reporting whether it was
// present. The sync engine uses it to retire optimistic entries once
// their authoritative counterpart lands.
func (c *Cache) Delete(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byID[messageID]
	if !ok {
		return false
	}
	c.removeLocked(messageID, e.msg.ConversationID)
	return true
}

// EvictOldest removes the n least-recently-shown messages across all
// conversations.
func (c *Cache) EvictOldest(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n && len(c.byID) > 0; i++ {
		c.evictGlobal("manual")
	}
}

// Len reports the total number of cached messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// LenConversation reports how many messages one conversation holds.
func (c *Cache) LenConversation(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byConv[conversationID])
}

func (c *Cache) evictFromConversation(conversationID, reason string) {
	conv := c.byConv[conversationID]
	victim := ""
	var oldest uint64
	for id, e := range conv {
		if victim == "" || e.lastShown < oldest {
			victim = id
			oldest = e.lastShown
		}
	}
	if victim != "" {
		c.removeLocked(victim, conversationID)
		metrics.CacheEvictionsTotal.WithLabelValues(reason).Inc()
	}
}

func (c *Cache) evictGlobal(reason string) {
	victim := ""
	victimConv := ""
	var oldest uint64
	for id, e := range c.byID {
		if victim == "" || e.lastShown < oldest {
			victim = id
			victimConv = e.msg.ConversationID
			oldest = e.lastShown
		}
	}
	if victim != "" {
		c.removeLocked(victim, victimConv)
		metrics.CacheEvictionsTotal.WithLabelValues(reason).Inc()
	}
}

// removeLocked drops an entry from both indexes in one critical
// section; a message must never linger in one index only.
func (c *Cache) removeLocked(messageID, conversationID string) {
	delete(c.byID, messageID)
	if conv, ok := c.byConv[conversationID]; ok {
		delete(conv, messageID)
		if len(conv) == 0 {
			delete(c.byConv, conversationID)
		}
	}
}
