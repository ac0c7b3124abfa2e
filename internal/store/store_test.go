package store_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"chatsync/internal/keystore"
	"chatsync/internal/store"
)

// setupStore opens a private in-memory database per test; cache=shared
// lets a second open of the same DSN act as a process restart.
func setupStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := store.New(db)
	if err := s.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return s, dsn
}

func reopen(t *testing.T, dsn string) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	return store.New(db)
}

func testPair(fill byte) keystore.KeyPair {
	var kp keystore.KeyPair
	for i := range kp.Public {
		kp.Public[i] = fill
		kp.Private[i] = fill + 1
	}
	return kp
}

func TestIdentityRoundTrip(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	ids := s.Identity()

	if _, ok, err := ids.LoadIdentity(ctx); err != nil || ok {
		t.Fatalf("load on empty store = ok %v, err %v", ok, err)
	}

	first := testPair(1)
	if err := ids.SaveIdentity(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := ids.LoadIdentity(ctx)
	if err != nil || !ok {
		t.Fatalf("load = ok %v, err %v", ok, err)
	}
	if got != first {
		t.Fatalf("loaded pair differs from saved pair")
	}

	// The identity is written once; a second save must not replace it.
	if err := ids.SaveIdentity(ctx, testPair(9)); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _, err = ids.LoadIdentity(ctx)
	if err != nil {
		t.Fatalf("load after second save: %v", err)
	}
	if got != first {
		t.Fatalf("identity changed after second save")
	}
}

func TestIdentityThroughKeystore(t *testing.T) {
	s, dsn := setupStore(t)
	ctx := context.Background()

	ks := keystore.New(s.Identity())
	first, err := ks.GetOrCreate(ctx)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	again, err := ks.GetOrCreate(ctx)
	if err != nil {
		t.Fatalf("second get or create: %v", err)
	}
	if first != again {
		t.Fatalf("identity regenerated within one process")
	}

	// A fresh keystore over the same database stands in for a restart.
	restarted := keystore.New(reopen(t, dsn).Identity())
	after, err := restarted.Current(ctx)
	if err != nil {
		t.Fatalf("current after restart: %v", err)
	}
	if after != first {
		t.Fatalf("identity changed across restart")
	}
}

func TestOutboxSurvivesRestart(t *testing.T) {
	s, dsn := setupStore(t)
	ctx := context.Background()

	entry := store.OutboxEntry{
		CorrelationID:  "x1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Ciphertext:     []byte{1, 2, 3},
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.Outbox().Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := reopen(t, dsn).Outbox().Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending after restart: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending entries after restart = %d, want 1", len(pending))
	}
	got := pending[0]
	if got.CorrelationID != "x1" || got.ConversationID != "conv-1" || !bytes.Equal(got.Ciphertext, []byte{1, 2, 3}) {
		t.Fatalf("restored entry = %+v", got)
	}
}

func TestOutboxPendingOrderLimitAndDelete(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, corr := range []string{"a", "b", "c"} {
		err := s.Outbox().Enqueue(ctx, store.OutboxEntry{
			CorrelationID:  corr,
			ConversationID: "conv-1",
			SenderID:       "alice",
			RecipientID:    "bob",
			Ciphertext:     []byte{byte(i)},
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", corr, err)
		}
	}

	pending, err := s.Outbox().Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 || pending[0].CorrelationID != "a" || pending[2].CorrelationID != "c" {
		t.Fatalf("pending order = %+v", pending)
	}

	limited, err := s.Outbox().Pending(ctx, 2)
	if err != nil {
		t.Fatalf("pending limited: %v", err)
	}
	if len(limited) != 2 || limited[1].CorrelationID != "b" {
		t.Fatalf("limited pending = %+v", limited)
	}

	if err := s.Outbox().Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pending, err = s.Outbox().Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending after delete: %v", err)
	}
	if len(pending) != 2 || pending[0].CorrelationID != "a" || pending[1].CorrelationID != "c" {
		t.Fatalf("pending after delete = %+v", pending)
	}
}

func TestOutboxEnqueueRefreshesCiphertext(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := store.OutboxEntry{
		CorrelationID:  "x1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Ciphertext:     []byte{1},
		CreatedAt:      created,
	}
	if err := s.Outbox().Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A retry re-encrypts under a fresh nonce; the entry keeps its
	// identity and creation time but carries the new ciphertext.
	second := first
	second.Ciphertext = []byte{2}
	second.CreatedAt = created.Add(time.Hour)
	if err := s.Outbox().Enqueue(ctx, second); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	pending, err := s.Outbox().Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("re-enqueue duplicated the entry: %d rows", len(pending))
	}
	if !bytes.Equal(pending[0].Ciphertext, []byte{2}) {
		t.Fatalf("ciphertext not refreshed: %v", pending[0].Ciphertext)
	}
	if !pending[0].CreatedAt.Equal(created) {
		t.Fatalf("creation time changed on re-enqueue: %v", pending[0].CreatedAt)
	}
}

func TestOutboxMarkAttempt(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	err := s.Outbox().Enqueue(ctx, store.OutboxEntry{
		CorrelationID:  "x1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Ciphertext:     []byte{1},
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Outbox().MarkAttempt(ctx, "x1", at); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}
	if err := s.Outbox().MarkAttempt(ctx, "x1", at.Add(time.Minute)); err != nil {
		t.Fatalf("second mark attempt: %v", err)
	}

	pending, err := s.Outbox().Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", pending[0].Attempts)
	}
	if pending[0].LastAttemptAt == nil || !pending[0].LastAttemptAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("last attempt at = %v", pending[0].LastAttemptAt)
	}
}

func TestPendingForConversation(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, conv := range []string{"conv-1", "conv-2", "conv-1"} {
		err := s.Outbox().Enqueue(ctx, store.OutboxEntry{
			CorrelationID:  fmt.Sprintf("c%d", i),
			ConversationID: conv,
			SenderID:       "alice",
			RecipientID:    "bob",
			Ciphertext:     []byte{byte(i)},
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	entries, err := s.Outbox().PendingForConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("pending for conversation: %v", err)
	}
	if len(entries) != 2 || entries[0].CorrelationID != "c0" || entries[1].CorrelationID != "c2" {
		t.Fatalf("conversation entries = %+v", entries)
	}
}

func TestCursorUpsertAndGet(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if _, err := s.Cursors().Get(ctx, "conv-1"); !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatalf("get missing cursor = %v, want ErrRecordNotFound", err)
	}

	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Cursors().Upsert(ctx, store.Cursor{ConversationID: "conv-1", LastSeenAt: first}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cur, err := s.Cursors().Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cur.LastSeenAt.Equal(first) {
		t.Fatalf("cursor = %v, want %v", cur.LastSeenAt, first)
	}

	later := first.Add(time.Hour)
	if err := s.Cursors().Upsert(ctx, store.Cursor{ConversationID: "conv-1", LastSeenAt: later}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	cur, err = s.Cursors().Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get after advance: %v", err)
	}
	if !cur.LastSeenAt.Equal(later) {
		t.Fatalf("cursor after advance = %v, want %v", cur.LastSeenAt, later)
	}
}

func TestPeerKeysCacheAndRefresh(t *testing.T) {
	s, dsn := setupStore(t)
	ctx := context.Background()
	peers := s.Peers()

	if _, err := peers.Get(ctx, "bob"); !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatalf("get before upsert = %v, want ErrRecordNotFound", err)
	}

	var pub [32]byte
	for i := range pub {
		pub[i] = byte(i + 1)
	}
	if err := peers.Upsert(ctx, "bob", pub, time.Now()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := peers.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != pub {
		t.Fatal("peer key did not round-trip")
	}

	// Refresh overwrites; a reopened store still sees the latest key.
	var pub2 [32]byte
	pub2[0] = 0xFF
	if err := peers.Upsert(ctx, "bob", pub2, time.Now()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, err = reopen(t, dsn).Peers().Get(ctx, "bob")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got != pub2 {
		t.Fatal("refreshed key lost across reopen")
	}
}
