package backend

import (
	"testing"
	"time"

	"chatsync/internal/domain"
)

func TestFilterValidate(t *testing.T) {
	cases := []struct {
		name   string
		filter Filter
		ok     bool
	}{
		{"sender side", Filter{ConversationID: "c1", SenderID: "alice"}, true},
		{"recipient side", Filter{ConversationID: "c1", RecipientID: "bob"}, true},
		{"no conversation", Filter{SenderID: "alice"}, false},
		{"neither side", Filter{ConversationID: "c1"}, false},
		{"both sides", Filter{ConversationID: "c1", SenderID: "alice", RecipientID: "bob"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.filter.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	ev := Event{Type: EventInsert, ConversationID: "c1", SenderID: "alice", RecipientID: "bob"}

	if !(Filter{ConversationID: "c1", SenderID: "alice"}).Matches(ev) {
		t.Fatal("sender filter should match")
	}
	if !(Filter{ConversationID: "c1", RecipientID: "bob"}).Matches(ev) {
		t.Fatal("recipient filter should match")
	}
	if (Filter{ConversationID: "c1", SenderID: "bob"}).Matches(ev) {
		t.Fatal("wrong sender should not match")
	}
	if (Filter{ConversationID: "c2", SenderID: "alice"}).Matches(ev) {
		t.Fatal("wrong conversation should not match")
	}
}

func TestEventMessageDetachesCiphertext(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Type:           EventInsert,
		MessageID:      "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Ciphertext:     []byte{1, 2, 3},
		Status:         domain.StatusSent,
		CreatedAt:      at,
		UpdatedAt:      at,
		CorrelationID:  "corr-1",
	}

	msg := ev.Message()
	if msg.ID != "m1" || msg.CorrelationID != "corr-1" || msg.Status != domain.StatusSent {
		t.Fatalf("unexpected conversion: %+v", msg)
	}
	if msg.Body != "" {
		t.Fatalf("body should stay empty before decryption, got %q", msg.Body)
	}
	ev.Ciphertext[0] = 99
	if msg.Ciphertext[0] != 1 {
		t.Fatal("converted message shares the event's ciphertext buffer")
	}
}
