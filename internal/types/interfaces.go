// internal/types/interfaces.go
package types

import (
	"context"
)

// NewMessage is the insert payload for a message; the backend assigns the
// id and creation timestamp.
type NewMessage struct {
	Conversation  ConversationID
	Sender        UserID
	Content       string
	AttachmentURL string
}

type MessageStore interface {
	// FetchMessages returns up to limit messages ascending by CreatedAt.
	FetchMessages(ctx context.Context, conv ConversationID, limit int) ([]*Message, error)
	// FetchMessage returns one message with its author profile resolved.
	FetchMessage(ctx context.Context, id MessageID) (*Message, error)
	InsertMessage(ctx context.Context, msg NewMessage) (*Message, error)
	DeleteMessage(ctx context.Context, requester UserID, id MessageID) error
}

// Directory resolves identities by handle or display name, case-insensitively.
type Directory interface {
	FindByHandle(ctx context.Context, handle string) (*Profile, error)
	FindByDisplayName(ctx context.Context, name string) (*Profile, error)
}

type NotificationStore interface {
	InsertNotification(ctx context.Context, n *Notification) error
	// ListNotifications returns the newest notifications first.
	ListNotifications(ctx context.Context, recipient UserID, limit int) ([]*Notification, error)
	UnreadCount(ctx context.Context, recipient UserID) (int, error)
	MarkRead(ctx context.Context, recipient UserID, id NotificationID) error
	MarkAllRead(ctx context.Context, recipient UserID) (int, error)
}

// Realtime delivers at-least-once row change notifications for one
// conversation until the subscription is released.
type Realtime interface {
	Subscribe(ctx context.Context, conv ConversationID, handler func(RealtimeEvent)) (Subscription, error)
}

// PingFeed delivers notification events addressed to one recipient.
type PingFeed interface {
	SubscribePings(ctx context.Context, recipient UserID, handler func(RealtimeEvent)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe()
}

type TranscriptStore interface {
	Append(ctx context.Context, key TranscriptKey, role, content string) error
	Tail(ctx context.Context, key TranscriptKey, limit int) ([]*TranscriptTurn, error)
	Count(ctx context.Context, key TranscriptKey) (int64, error)
	Reset(ctx context.Context, key TranscriptKey) error
}
