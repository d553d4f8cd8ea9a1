// internal/state/message_test.go
package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/khappy/internal/types"
)

func TestMessageStore(t *testing.T) {
	dir := t.TempDir()
	profiles := NewProfileStore(dir)
	store := NewMessageStore(dir, NewHub(), profiles)
	ctx := context.Background()
	conv := types.ChannelConversation("general")

	if err := profiles.Put(ctx, &types.Profile{ID: "u1", Handle: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	first, err := store.InsertMessage(ctx, types.NewMessage{Conversation: conv, Sender: "u1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.InsertMessage(ctx, types.NewMessage{Conversation: conv, Sender: "u1", Content: "again"})
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("expected increasing timestamps, got %v then %v", first.CreatedAt, second.CreatedAt)
	}

	msgs, err := store.FetchMessages(ctx, conv, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Error("expected ascending order")
	}
	if msgs[0].AuthorName() != "Alice" {
		t.Errorf("expected author Alice, got %s", msgs[0].AuthorName())
	}

	got, err := store.FetchMessage(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "again" || got.Conversation != conv {
		t.Errorf("unexpected message %+v", got)
	}

	// Page keeps the newest entries.
	page, err := store.FetchMessages(ctx, conv, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != second.ID {
		t.Errorf("expected newest message in page, got %v", page)
	}
}

func TestMessageStoreValidation(t *testing.T) {
	store := NewMessageStore(t.TempDir(), nil, nil)
	ctx := context.Background()

	_, err := store.InsertMessage(ctx, types.NewMessage{Conversation: types.ChannelConversation("c"), Sender: "u1", Content: "  "})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for empty content, got %v", err)
	}
	_, err = store.InsertMessage(ctx, types.NewMessage{Conversation: types.ChannelConversation("../x"), Sender: "u1", Content: "hi"})
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for bad conversation, got %v", err)
	}
	if _, err := store.InsertMessage(ctx, types.NewMessage{Conversation: types.DMConversation("d1"), Sender: "u1", AttachmentURL: "https://img"}); err != nil {
		t.Errorf("expected attachment-only message accepted, got %v", err)
	}
}

func TestMessageStoreDelete(t *testing.T) {
	store := NewMessageStore(t.TempDir(), nil, nil)
	ctx := context.Background()
	conv := types.DMConversation("dm-1")

	msg, err := store.InsertMessage(ctx, types.NewMessage{Conversation: conv, Sender: "u1", Content: "secret"})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteMessage(ctx, "u2", msg.ID); !errors.Is(err, types.ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got %v", err)
	}
	if err := store.DeleteMessage(ctx, "u1", msg.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteMessage(ctx, "u1", msg.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FetchMessage(ctx, msg.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMessageStorePublishes(t *testing.T) {
	hub := NewHub()
	store := NewMessageStore(t.TempDir(), hub, nil)
	ctx := context.Background()
	conv := types.ChannelConversation("general")

	events := make(chan types.RealtimeEvent, 4)
	sub, err := hub.Subscribe(ctx, conv, func(ev types.RealtimeEvent) { events <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	msg, err := store.InsertMessage(ctx, types.NewMessage{Conversation: conv, Sender: "u1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteMessage(ctx, "u1", msg.ID); err != nil {
		t.Fatal(err)
	}

	for _, want := range []types.EventKind{types.EventInsert, types.EventDelete} {
		select {
		case ev := <-events:
			if ev.Kind != want || ev.MessageID != msg.ID {
				t.Errorf("expected %s for %s, got %+v", want, msg.ID, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
