// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type MessageID string
type NotificationID string
type UserID string
type ChannelID string
type DMID string
type ServerID string
type SlotID string
type TranscriptKey string
type RunID string

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewNotificationID() NotificationID {
	return NotificationID(uuid.New().String())
}

func NewUserID() UserID {
	return UserID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewSlotID() SlotID {
	return SlotID(uuid.New().String())
}

func NewTranscriptKey(parts ...string) TranscriptKey {
	return TranscriptKey(strings.Join(parts, ":"))
}
