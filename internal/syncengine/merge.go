package syncengine

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"chatsync/internal/domain"
)

// conversationState is the merge core: one deduplicated, ordered set of
// messages per conversation. It is owned by the conversation's run loop
// and is never touched from another goroutine, so it carries no locks.
//
// The merge rule is commutative and idempotent. Optimistic writes,
// history pages, write acks and realtime events race against each other
// by construction; whatever order they land in, the final record for a
// logical message is the same.
type conversationState struct {
	conversationID string
	log            *slog.Logger

	// entries is keyed by merge identity: the real id once one exists,
	// otherwise the correlation id. corrIndex tracks which entry
	// currently holds a correlation id so an authoritative row can find
	// and retire its optimistic twin.
	entries   map[string]*domain.Message
	corrIndex map[string]string
}

// applyOutcome reports what a single merge did, so the caller can
// update caches and metrics without re-deriving it.
type applyOutcome struct {
	changed   bool
	anomaly   bool
	retiredID string
	merged    domain.Message
}

func newConversationState(conversationID string, log *slog.Logger) *conversationState {
	if log == nil {
		log = slog.Default()
	}
	return &conversationState{
		conversationID: conversationID,
		log:            log,
		entries:        make(map[string]*domain.Message),
		corrIndex:      make(map[string]string),
	}
}

// apply merges one incoming message, from any source, into the state.
func (s *conversationState) apply(in domain.Message) applyOutcome {
	if in.ConversationID != "" && in.ConversationID != s.conversationID {
		s.log.Warn("dropped message for foreign conversation",
			"conversation_id", s.conversationID,
			"message_conversation_id", in.ConversationID,
			"message_id", in.ID,
		)
		return applyOutcome{}
	}
	key := in.Identity()
	if key == "" {
		return applyOutcome{}
	}

	cur, curKey := s.lookup(in, key)
	if cur == nil {
		m := in.Clone()
		m.ConversationID = s.conversationID
		s.entries[key] = &m
		if m.CorrelationID != "" {
			s.corrIndex[m.CorrelationID] = key
		}
		return applyOutcome{changed: true, merged: m.Clone()}
	}
	return s.mergeInto(curKey, cur, in)
}

// lookup finds the entry an incoming message belongs to: by identity
// first, then by correlation id, which is how an authoritative row
// reaches the optimistic entry it supersedes.
func (s *conversationState) lookup(in domain.Message, key string) (*domain.Message, string) {
	if cur, ok := s.entries[key]; ok {
		return cur, key
	}
	if in.CorrelationID != "" {
		if k, ok := s.corrIndex[in.CorrelationID]; ok {
			return s.entries[k], k
		}
	}
	return nil, ""
}

func (s *conversationState) mergeInto(curKey string, cur *domain.Message, in domain.Message) applyOutcome {
	var out applyOutcome

	// Identity promotion. The first authoritative copy retires the
	// optimistic identity and the record adopts the server-assigned id
	// and creation time, which together are the timeline sort key.
	if authoritative(in) && !authoritative(*cur) {
		out.retiredID = cur.ID
		cur.ID = in.ID
		cur.CreatedAt = in.CreatedAt
		delete(s.entries, curKey)
		curKey = in.ID
		s.entries[curKey] = cur
		out.changed = true
	}
	if cur.CorrelationID == "" && in.CorrelationID != "" {
		cur.CorrelationID = in.CorrelationID
	}
	if cur.CorrelationID != "" {
		s.corrIndex[cur.CorrelationID] = curKey
	}

	if s.contentWins(cur, in) {
		cur.Body = in.Body
		cur.Ciphertext = append([]byte(nil), in.Ciphertext...)
		cur.Encryption = in.Encryption
		cur.Undecryptable = in.Undecryptable
		cur.UpdatedAt = in.UpdatedAt
		out.changed = true
	}

	if in.Status != cur.Status {
		if in.Status.CanReplace(cur.Status) {
			cur.Status = in.Status
			out.changed = true
		} else {
			out.anomaly = true
			s.log.Warn("dropped status regression",
				"conversation_id", s.conversationID,
				"message_id", cur.ID,
				"have", cur.Status.String(),
				"incoming", in.Status.String(),
			)
		}
	}

	out.merged = cur.Clone()
	return out
}

// contentWins decides whether the incoming copy's content replaces the
// current one: strictly newer UpdatedAt wins, and a successful
// decryption of the same revision replaces its own placeholder.
func (s *conversationState) contentWins(cur *domain.Message, in domain.Message) bool {
	if in.UpdatedAt.After(cur.UpdatedAt) {
		return true
	}
	if cur.Undecryptable && !in.Undecryptable && !in.UpdatedAt.Before(cur.UpdatedAt) {
		return true
	}
	return false
}

func authoritative(m domain.Message) bool {
	return m.ID != "" && !m.IsLocal()
}

// find resolves a message by the id a snapshot exposed, which is the
// real id or the local optimistic id.
func (s *conversationState) find(messageID string) (domain.Message, string, bool) {
	if m, ok := s.entries[messageID]; ok {
		return m.Clone(), messageID, true
	}
	if strings.HasPrefix(messageID, domain.LocalIDPrefix) {
		key := strings.TrimPrefix(messageID, domain.LocalIDPrefix)
		if m, ok := s.entries[key]; ok {
			return m.Clone(), key, true
		}
	}
	return domain.Message{}, "", false
}

// advanceStatus applies a forward status transition directly, for
// locally initiated changes such as read marks and failure marks.
func (s *conversationState) advanceStatus(key string, status domain.Status, at time.Time) (domain.Message, bool) {
	cur, ok := s.entries[key]
	if !ok || cur.Status == status || !status.CanReplace(cur.Status) {
		return domain.Message{}, false
	}
	cur.Status = status
	cur.UpdatedAt = at
	return cur.Clone(), true
}

// resetForRetry takes the explicit failed -> sending edge. The message
// keeps its local id and correlation id so the eventual authoritative
// row still retires it.
func (s *conversationState) resetForRetry(key string, at time.Time) (domain.Message, bool) {
	cur, ok := s.entries[key]
	if !ok || cur.Status != domain.StatusFailed {
		return domain.Message{}, false
	}
	cur.Status = domain.StatusSending
	cur.UpdatedAt = at
	return cur.Clone(), true
}

// readCandidates lists the received messages a read mark applies to.
func (s *conversationState) readCandidates(me string) []string {
	var keys []string
	for key, m := range s.entries {
		if m.RecipientID != me {
			continue
		}
		if m.Status == domain.StatusSent || m.Status == domain.StatusDelivered {
			keys = append(keys, key)
		}
	}
	return keys
}

// snapshot returns the timeline in display order.
func (s *conversationState) snapshot() []domain.Message {
	out := make([]domain.Message, 0, len(s.entries))
	for _, m := range s.entries {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return domain.Less(out[i], out[j]) })
	return out
}

// oldestAuthoritative is the pagination cursor: the creation time of
// the oldest server-assigned message loaded so far.
func (s *conversationState) oldestAuthoritative() time.Time {
	var oldest time.Time
	for _, m := range s.entries {
		if !authoritative(*m) {
			continue
		}
		if oldest.IsZero() || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	return oldest
}

func (s *conversationState) size() int {
	return len(s.entries)
}
