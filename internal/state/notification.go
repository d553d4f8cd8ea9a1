// internal/state/notification.go
package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/user/khappy/internal/types"
)

// NotificationStore keeps mention notifications in notifications.json and
// publishes ping events through the hub.
type NotificationStore struct {
	root string
	hub  *Hub
	mu   sync.Mutex
}

// NewNotificationStore creates a NotificationStore. hub may be nil.
func NewNotificationStore(root string, hub *Hub) *NotificationStore {
	return &NotificationStore{root: root, hub: hub}
}

func (s *NotificationStore) publish(kind types.EventKind, recipient types.UserID, id types.NotificationID) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(types.RealtimeEvent{Kind: kind, Recipient: recipient, NotificationID: id})
}

func (s *NotificationStore) path() string {
	return filepath.Join(s.root, "notifications.json")
}

func (s *NotificationStore) load() ([]*types.Notification, error) {
	var list []*types.Notification
	if err := readJSON(s.path(), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *NotificationStore) InsertNotification(_ context.Context, n *types.Notification) error {
	if n.ID == "" || n.Recipient == "" || n.MessageID == "" {
		return fmt.Errorf("%w: notification needs id, recipient and message", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load()
	if err != nil {
		return err
	}
	list = append(list, n)
	if err := writeJSON(s.path(), list); err != nil {
		return err
	}
	s.publish(types.EventPing, n.Recipient, n.ID)
	return nil
}

// ListNotifications returns up to limit notifications for recipient,
// newest first. A limit <= 0 returns all.
func (s *NotificationStore) ListNotifications(_ context.Context, recipient types.UserID, limit int) ([]*types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*types.Notification
	for _, n := range list {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) UnreadCount(_ context.Context, recipient types.UserID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range list {
		if n.Recipient == recipient && !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead flags one notification as read. Only its recipient may do so.
func (s *NotificationStore) MarkRead(_ context.Context, recipient types.UserID, id types.NotificationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load()
	if err != nil {
		return err
	}
	for _, n := range list {
		if n.ID != id {
			continue
		}
		if n.Recipient != recipient {
			return fmt.Errorf("%w: notification %s belongs to another user", types.ErrAuthorizationDenied, id)
		}
		if n.Read {
			return nil
		}
		n.Read = true
		if err := writeJSON(s.path(), list); err != nil {
			return err
		}
		s.publish(types.EventPingRead, recipient, id)
		return nil
	}
	return fmt.Errorf("notification %s: %w", id, types.ErrNotFound)
}

// MarkAllRead flags every unread notification of recipient and returns
// how many changed.
func (s *NotificationStore) MarkAllRead(_ context.Context, recipient types.UserID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load()
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, n := range list {
		if n.Recipient == recipient && !n.Read {
			n.Read = true
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := writeJSON(s.path(), list); err != nil {
		return 0, err
	}
	s.publish(types.EventPingRead, recipient, "")
	return changed, nil
}
