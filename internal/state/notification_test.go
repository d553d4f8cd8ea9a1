// internal/state/notification_test.go
package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/khappy/internal/types"
)

func TestNotificationStore(t *testing.T) {
	store := NewNotificationStore(t.TempDir(), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []types.NotificationID{"n1", "n2", "n3"} {
		n := &types.Notification{
			ID:        id,
			Recipient: "u1",
			MessageID: "m1",
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	store.InsertNotification(ctx, &types.Notification{ID: "other", Recipient: "u2", MessageID: "m1", CreatedAt: now})

	list, err := store.ListNotifications(ctx, "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "n3" || list[1].ID != "n2" {
		t.Errorf("expected newest first [n3 n2], got %v", list)
	}

	if err := store.MarkRead(ctx, "u1", "n1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRead(ctx, "u1", "other"); !errors.Is(err, types.ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got %v", err)
	}
	if err := store.MarkRead(ctx, "u1", "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	unread, _ := store.UnreadCount(ctx, "u1")
	if unread != 2 {
		t.Errorf("expected 2 unread, got %d", unread)
	}
	changed, err := store.MarkAllRead(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if changed != 2 {
		t.Errorf("expected 2 changed, got %d", changed)
	}
	unread, _ = store.UnreadCount(ctx, "u2")
	if unread != 1 {
		t.Errorf("expected other user untouched, got %d", unread)
	}
}
