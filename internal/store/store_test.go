package store

import (
	"math/rand"
	"testing"

	"github.com/kumaruseru/special-sub000/internal/model"
)

func TestUpsertIdempotentByID(t *testing.T) {
	s := NewMessages()

	s.Upsert(&model.Message{ID: "m1", ConversationID: "c1", Text: "hello", Timestamp: 1000, Status: model.StatusSent})
	s.Upsert(&model.Message{ID: "m1", ConversationID: "c1", Text: "hello edited", Timestamp: 1000, Status: model.StatusDelivered})

	msgs := s.ForConversation("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "hello edited" {
		t.Errorf("text = %q, want last write to win", msgs[0].Text)
	}
	if msgs[0].Status != model.StatusDelivered {
		t.Errorf("status = %q, want delivered", msgs[0].Status)
	}
}

func TestUpsertStatusNeverRegresses(t *testing.T) {
	s := NewMessages()

	s.Upsert(&model.Message{ID: "m1", ConversationID: "c1", Text: "x", Timestamp: 1, Status: model.StatusRead})
	s.Upsert(&model.Message{ID: "m1", ConversationID: "c1", Text: "x", Timestamp: 1, Status: model.StatusDelivered})

	got, _ := s.Get("m1")
	if got.Status != model.StatusRead {
		t.Errorf("status = %q, want read (no regression)", got.Status)
	}
}

func TestConfirmRekeysPendingRecord(t *testing.T) {
	s := NewMessages()

	s.Upsert(&model.Message{TempID: "t1", ConversationID: "c1", Text: "hi", Timestamp: 5, Status: model.StatusSending})

	m, ok := s.Confirm("t1", "m1", model.StatusSent)
	if !ok {
		t.Fatal("Confirm found no pending record")
	}
	if m.ID != "m1" || m.Status != model.StatusSent {
		t.Errorf("record = %+v, want id m1 status sent", m)
	}

	// Lookup by temp key is gone, server id resolves to the same record.
	if _, ok := s.Get("t1"); ok {
		t.Error("lookup by temp id should be absent after re-keying")
	}
	got, ok := s.Get("m1")
	if !ok {
		t.Fatal("lookup by server id failed")
	}
	if got.Text != "hi" {
		t.Errorf("text = %q, want hi", got.Text)
	}

	// No duplicate in the conversation list.
	if n := len(s.ForConversation("c1")); n != 1 {
		t.Errorf("got %d messages, want 1 after re-keying", n)
	}
}

func TestUpsertConfirmedEchoMatchesPending(t *testing.T) {
	s := NewMessages()

	// Optimistic entry, then the server echoes the same message with both ids.
	s.Upsert(&model.Message{TempID: "t1", ConversationID: "c1", Text: "hi", Timestamp: 5, Status: model.StatusSending})
	s.Upsert(&model.Message{ID: "m1", TempID: "t1", ConversationID: "c1", Text: "hi", Timestamp: 6, Status: model.StatusDelivered})

	msgs := s.ForConversation("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (echo must not duplicate)", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Status != model.StatusDelivered {
		t.Errorf("record = %+v, want id m1 status delivered", msgs[0])
	}
}

func TestForConversationOrdersByTimestamp(t *testing.T) {
	s := NewMessages()

	timestamps := []int64{500, 100, 900, 300, 700, 200, 800, 400, 600, 1000}
	perm := rand.New(rand.NewSource(42)).Perm(len(timestamps))
	for i, idx := range perm {
		ts := timestamps[idx]
		s.Upsert(&model.Message{ID: "m" + string(rune('a'+i)), ConversationID: "c1", Timestamp: ts, Status: model.StatusReceived})
	}

	msgs := s.ForConversation("c1")
	if len(msgs) != len(timestamps) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(timestamps))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Fatalf("messages out of order at %d: %d < %d", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
}

func TestClearRemovesAllLookups(t *testing.T) {
	s := NewMessages()
	s.Upsert(&model.Message{ID: "m1", ConversationID: "c1", Timestamp: 1})
	s.Upsert(&model.Message{TempID: "t1", ConversationID: "c1", Timestamp: 2})
	s.Upsert(&model.Message{ID: "m2", ConversationID: "c2", Timestamp: 3})

	s.Clear("c1")

	if n := len(s.ForConversation("c1")); n != 0 {
		t.Errorf("got %d messages after clear, want 0", n)
	}
	if _, ok := s.Get("m1"); ok {
		t.Error("m1 still resolvable after clear")
	}
	if _, ok := s.Get("t1"); ok {
		t.Error("t1 still resolvable after clear")
	}
	if _, ok := s.Get("m2"); !ok {
		t.Error("clear of c1 must not touch c2")
	}
}

func TestDirectoryOrdering(t *testing.T) {
	d := NewDirectory()
	d.Upsert(&model.Conversation{ID: "c1", UpdatedAt: 100})
	d.Upsert(&model.Conversation{ID: "c2", UpdatedAt: 300})
	d.Upsert(&model.Conversation{ID: "c3", UpdatedAt: 200})

	// New activity on c1 moves it to the front.
	d.Touch("c1", &model.Message{ID: "m1", ConversationID: "c1", Timestamp: 400})

	list := d.List()
	if len(list) != 3 {
		t.Fatalf("got %d conversations, want 3", len(list))
	}
	want := []string{"c1", "c2", "c3"}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
}

func TestDirectoryUnreadAccounting(t *testing.T) {
	d := NewDirectory()
	d.Upsert(&model.Conversation{ID: "c1"})

	d.IncrementUnread("c1")
	d.IncrementUnread("c1")
	conv, _ := d.Get("c1")
	if conv.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", conv.UnreadCount)
	}

	d.ResetUnread("c1")
	conv, _ = d.Get("c1")
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 after reset", conv.UnreadCount)
	}
}

func TestDirectoryTouchCreatesConversation(t *testing.T) {
	d := NewDirectory()
	d.Touch("c9", &model.Message{ID: "m1", ConversationID: "c9", Text: "first", Timestamp: 10})

	conv, ok := d.Get("c9")
	if !ok {
		t.Fatal("conversation not created on first message")
	}
	if conv.LastMessage == nil || conv.LastMessage.Text != "first" {
		t.Errorf("last message = %+v, want text 'first'", conv.LastMessage)
	}

	// An older message must not replace the newer last message.
	d.Touch("c9", &model.Message{ID: "m0", ConversationID: "c9", Text: "late history", Timestamp: 5})
	conv, _ = d.Get("c9")
	if conv.LastMessage.Text != "first" {
		t.Errorf("last message = %q, want 'first' (older message must not win)", conv.LastMessage.Text)
	}
}
