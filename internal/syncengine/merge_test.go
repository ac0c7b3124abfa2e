package syncengine

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatsync/internal/domain"
)

var (
	t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	testLog = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// threeSources returns the three copies of one logical message the
// engine can see: the optimistic write, the authoritative history row
// and the realtime echo of the same row.
func threeSources() (optimistic, history, realtime domain.Message) {
	optimistic = domain.Message{
		ID:             domain.LocalIDPrefix + "x1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Body:           "hi",
		Status:         domain.StatusSending,
		CreatedAt:      t0.Add(20 * time.Millisecond),
		UpdatedAt:      t0.Add(20 * time.Millisecond),
		CorrelationID:  "x1",
	}
	history = domain.Message{
		ID:             "m42",
		ConversationID: "conv-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Body:           "hi",
		Status:         domain.StatusSent,
		CreatedAt:      t0,
		UpdatedAt:      t0,
		CorrelationID:  "x1",
	}
	realtime = history.Clone()
	return optimistic, history, realtime
}

func permutations(msgs []domain.Message) [][]domain.Message {
	if len(msgs) <= 1 {
		return [][]domain.Message{msgs}
	}
	var out [][]domain.Message
	for i := range msgs {
		rest := make([]domain.Message, 0, len(msgs)-1)
		rest = append(rest, msgs[:i]...)
		rest = append(rest, msgs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]domain.Message{msgs[i]}, p...))
		}
	}
	return out
}

func TestMergeOrderIndependence(t *testing.T) {
	optimistic, history, realtime := threeSources()

	var first []domain.Message
	for i, perm := range permutations([]domain.Message{optimistic, history, realtime}) {
		s := newConversationState("conv-1", testLog)
		for _, m := range perm {
			s.apply(m)
		}
		snap := s.snapshot()
		if len(snap) != 1 {
			t.Fatalf("permutation %d: %d entries, want 1", i, len(snap))
		}
		got := snap[0]
		if got.ID != "m42" || got.Status != domain.StatusSent || got.Body != "hi" {
			t.Fatalf("permutation %d: merged to %+v", i, got)
		}
		if !got.CreatedAt.Equal(history.CreatedAt) {
			t.Fatalf("permutation %d: CreatedAt %v, want the authoritative %v", i, got.CreatedAt, history.CreatedAt)
		}
		if i == 0 {
			first = snap
			continue
		}
		if got.UpdatedAt != first[0].UpdatedAt || got.CorrelationID != first[0].CorrelationID {
			t.Fatalf("permutation %d diverged: %+v vs %+v", i, got, first[0])
		}
	}
}

func TestMergeIdempotence(t *testing.T) {
	_, _, realtime := threeSources()
	s := newConversationState("conv-1", testLog)

	out := s.apply(realtime)
	if !out.changed {
		t.Fatal("first apply should change state")
	}
	before := s.snapshot()

	out = s.apply(realtime)
	if out.changed {
		t.Fatal("redelivered event must merge as a no-op")
	}
	after := s.snapshot()
	if len(after) != 1 || len(before) != 1 {
		t.Fatalf("entries = %d/%d, want 1/1", len(before), len(after))
	}
	if after[0].Status != before[0].Status || !after[0].UpdatedAt.Equal(before[0].UpdatedAt) {
		t.Fatalf("state drifted on redelivery: %+v vs %+v", before[0], after[0])
	}
}

func TestOptimisticRetirement(t *testing.T) {
	optimistic, history, _ := threeSources()
	s := newConversationState("conv-1", testLog)

	s.apply(optimistic)
	out := s.apply(history)
	if !out.changed {
		t.Fatal("authoritative copy should apply")
	}
	if out.retiredID != optimistic.ID {
		t.Fatalf("retired id = %q, want %q", out.retiredID, optimistic.ID)
	}
	snap := s.snapshot()
	if len(snap) != 1 {
		t.Fatalf("entries = %d, want 1 after retirement", len(snap))
	}
	if snap[0].ID != "m42" || snap[0].IsLocal() {
		t.Fatalf("merged record kept a local identity: %+v", snap[0])
	}
}

func TestStatusRegressionDropped(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	m := domain.Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "alice", RecipientID: "bob",
		Status: domain.StatusDelivered, CreatedAt: t0, UpdatedAt: t0,
	}
	s.apply(m)

	back := m.Clone()
	back.Status = domain.StatusSent
	out := s.apply(back)
	if !out.anomaly {
		t.Fatal("regression must be reported as an anomaly")
	}
	if got := s.snapshot()[0].Status; got != domain.StatusDelivered {
		t.Fatalf("status = %v, regression must not apply", got)
	}
}

func TestStatusMonotonicity(t *testing.T) {
	sequences := [][]domain.Status{
		{domain.StatusSent, domain.StatusDelivered, domain.StatusRead},
		{domain.StatusRead, domain.StatusDelivered, domain.StatusSent},
		{domain.StatusSent, domain.StatusRead, domain.StatusDelivered, domain.StatusSent},
		{domain.StatusDelivered, domain.StatusSent, domain.StatusDelivered, domain.StatusRead},
	}
	chain := map[domain.Status]int{
		domain.StatusSending:   0,
		domain.StatusSent:      1,
		domain.StatusDelivered: 2,
		domain.StatusRead:      3,
	}
	for i, seq := range sequences {
		s := newConversationState("conv-1", testLog)
		s.apply(domain.Message{
			ID: "m1", ConversationID: "conv-1", Status: domain.StatusSending,
			CreatedAt: t0, UpdatedAt: t0,
		})
		prev := chain[domain.StatusSending]
		for _, st := range seq {
			ev := domain.Message{ID: "m1", ConversationID: "conv-1", Status: st, CreatedAt: t0, UpdatedAt: t0}
			s.apply(ev)
			got := chain[s.snapshot()[0].Status]
			if got < prev {
				t.Fatalf("sequence %d: status rank went backwards, %d after %d", i, got, prev)
			}
			prev = got
		}
	}
}

func TestContentLastWriteWins(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	m := domain.Message{
		ID: "m1", ConversationID: "conv-1", Body: "original",
		Status: domain.StatusSent, CreatedAt: t0, UpdatedAt: t0,
	}
	s.apply(m)

	edited := m.Clone()
	edited.Body = "edited"
	edited.UpdatedAt = t0.Add(time.Minute)
	s.apply(edited)
	if got := s.snapshot()[0].Body; got != "edited" {
		t.Fatalf("body = %q, newer content must win", got)
	}

	stale := m.Clone()
	stale.Body = "stale"
	stale.UpdatedAt = t0.Add(-time.Minute)
	out := s.apply(stale)
	if got := s.snapshot()[0].Body; got != "edited" {
		t.Fatalf("body = %q, stale content must not overwrite", got)
	}
	if out.changed {
		t.Fatal("stale content should not report a change")
	}
}

func TestDecryptedCopyReplacesPlaceholder(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	placeholder := domain.Message{
		ID: "m1", ConversationID: "conv-1", Undecryptable: true,
		Status: domain.StatusSent, CreatedAt: t0, UpdatedAt: t0,
	}
	s.apply(placeholder)

	decrypted := placeholder.Clone()
	decrypted.Undecryptable = false
	decrypted.Body = "now readable"
	s.apply(decrypted)

	got := s.snapshot()[0]
	if got.Undecryptable || got.Body != "now readable" {
		t.Fatalf("placeholder survived a successful decryption: %+v", got)
	}

	// The reverse direction must not happen for the same revision.
	s.apply(placeholder)
	got = s.snapshot()[0]
	if got.Undecryptable || got.Body != "now readable" {
		t.Fatalf("placeholder replaced readable content: %+v", got)
	}
}

func TestFailedRecoveredByAuthoritativeEvent(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	s.apply(domain.Message{
		ID: "m1", ConversationID: "conv-1", Status: domain.StatusFailed,
		CreatedAt: t0, UpdatedAt: t0,
	})

	// The backend has the message after all; its event recovers it.
	s.apply(domain.Message{
		ID: "m1", ConversationID: "conv-1", Status: domain.StatusDelivered,
		CreatedAt: t0, UpdatedAt: t0,
	})
	if got := s.snapshot()[0].Status; got != domain.StatusDelivered {
		t.Fatalf("status = %v, want delivered", got)
	}

	// But an event can never push it back to sending.
	out := s.apply(domain.Message{
		ID: "m1", ConversationID: "conv-1", Status: domain.StatusSending,
		CreatedAt: t0, UpdatedAt: t0,
	})
	if !out.anomaly {
		t.Fatal("sending over delivered must be an anomaly")
	}
}

func TestResetForRetry(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	s.apply(domain.Message{
		ID: domain.LocalIDPrefix + "x1", ConversationID: "conv-1",
		Status: domain.StatusFailed, CreatedAt: t0, UpdatedAt: t0, CorrelationID: "x1",
	})

	m, key, ok := s.find(domain.LocalIDPrefix + "x1")
	if !ok {
		t.Fatal("failed message not found by its local id")
	}
	if m.Status != domain.StatusFailed {
		t.Fatalf("status = %v, want failed", m.Status)
	}
	got, ok := s.resetForRetry(key, t0.Add(time.Second))
	if !ok {
		t.Fatal("retry of a failed message must be allowed")
	}
	if got.Status != domain.StatusSending || got.CorrelationID != "x1" {
		t.Fatalf("retried message = %+v", got)
	}
	if _, ok := s.resetForRetry(key, t0.Add(2 * time.Second)); ok {
		t.Fatal("retry must only apply to failed messages")
	}
}

func TestSnapshotOrder(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	for i, id := range []string{"m3", "m1", "m2"} {
		at := t0.Add(time.Duration(2-i) * time.Second)
		s.apply(domain.Message{ID: id, ConversationID: "conv-1", Status: domain.StatusSent, CreatedAt: at, UpdatedAt: at})
	}
	snap := s.snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].CreatedAt.Before(snap[i-1].CreatedAt) {
			t.Fatalf("snapshot out of order at %d: %v after %v", i, snap[i].CreatedAt, snap[i-1].CreatedAt)
		}
	}
}

func TestForeignConversationDropped(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	out := s.apply(domain.Message{ID: "m1", ConversationID: "conv-2", Status: domain.StatusSent, CreatedAt: t0, UpdatedAt: t0})
	if out.changed || s.size() != 0 {
		t.Fatal("message for another conversation must be dropped")
	}
}

func TestReadCandidates(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	add := func(id string, sender, recipient string, st domain.Status) {
		s.apply(domain.Message{
			ID: id, ConversationID: "conv-1", SenderID: sender, RecipientID: recipient,
			Status: st, CreatedAt: t0, UpdatedAt: t0,
		})
	}
	add("m1", "bob", "alice", domain.StatusSent)
	add("m2", "bob", "alice", domain.StatusDelivered)
	add("m3", "bob", "alice", domain.StatusRead)
	add("m4", "alice", "bob", domain.StatusSent)

	keys := s.readCandidates("alice")
	if len(keys) != 2 {
		t.Fatalf("candidates = %v, want m1 and m2", keys)
	}
	for _, key := range keys {
		if key != "m1" && key != "m2" {
			t.Fatalf("unexpected candidate %q", key)
		}
	}
}

func TestOldestAuthoritativeIgnoresLocal(t *testing.T) {
	s := newConversationState("conv-1", testLog)
	s.apply(domain.Message{
		ID: domain.LocalIDPrefix + "x1", ConversationID: "conv-1", CorrelationID: "x1",
		Status: domain.StatusSending, CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0,
	})
	for i := 0; i < 3; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		s.apply(domain.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "conv-1", Status: domain.StatusSent, CreatedAt: at, UpdatedAt: at})
	}
	if got := s.oldestAuthoritative(); !got.Equal(t0) {
		t.Fatalf("oldest = %v, want %v", got, t0)
	}
}
