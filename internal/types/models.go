// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConversationKind distinguishes channels from direct-message threads.
type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindDM      ConversationKind = "dm"
)

// ConversationID identifies either a channel or a direct-message thread.
type ConversationID struct {
	Kind ConversationKind `json:"kind"`
	ID   string           `json:"id"`
}

func ChannelConversation(id ChannelID) ConversationID {
	return ConversationID{Kind: KindChannel, ID: string(id)}
}

func DMConversation(id DMID) ConversationID {
	return ConversationID{Kind: KindDM, ID: string(id)}
}

// Validate reports whether exactly one known kind with a non-empty id is set.
func (c ConversationID) Validate() error {
	if c.Kind != KindChannel && c.Kind != KindDM {
		return fmt.Errorf("%w: unknown conversation kind %q", ErrValidation, c.Kind)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrValidation)
	}
	return nil
}

func (c ConversationID) IsZero() bool {
	return c.Kind == "" && c.ID == ""
}

func (c ConversationID) String() string {
	return string(c.Kind) + ":" + c.ID
}

// AuthorType is how a message relates to the viewer.
type AuthorType string

const (
	AuthorOwn       AuthorType = "own"
	AuthorOther     AuthorType = "other"
	AuthorAssistant AuthorType = "assistant"
)

// AssistantUserID is the sender of streamed kBot replies.
const AssistantUserID UserID = "kbot"

type Profile struct {
	ID          UserID     `json:"id"`
	Handle      string     `json:"username,omitempty"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Status      string     `json:"status,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

type Message struct {
	ID            MessageID
	Conversation  ConversationID
	Sender        UserID
	Author        *Profile
	Content       string
	AttachmentURL string
	CreatedAt     time.Time
	EditedAt      *time.Time
	Streaming     bool
}

// AuthorType classifies the message relative to the viewing identity.
func (m *Message) AuthorType(self UserID) AuthorType {
	switch {
	case m.Sender == AssistantUserID:
		return AuthorAssistant
	case self != "" && m.Sender == self:
		return AuthorOwn
	default:
		return AuthorOther
	}
}

// AuthorName returns the display name of the author, or "Unknown".
func (m *Message) AuthorName() string {
	if m.Author != nil && m.Author.DisplayName != "" {
		return m.Author.DisplayName
	}
	if m.Sender == AssistantUserID {
		return "kBot"
	}
	return "Unknown"
}

type Notification struct {
	ID        NotificationID `json:"id"`
	Recipient UserID         `json:"mentioned_user_id"`
	MessageID MessageID      `json:"message_id"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session is the explicit "who am I" value threaded into operations that
// act on behalf of the current identity.
type Session struct {
	UserID        UserID
	Authenticated bool
}

func (s Session) Validate() error {
	if !s.Authenticated || s.UserID == "" {
		return fmt.Errorf("%w: not signed in", ErrAuthorizationDenied)
	}
	return nil
}

// EventKind is the row-level change carried by a realtime notification.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventDelete EventKind = "DELETE"
	// EventPing and EventPingRead concern one recipient's notifications
	// rather than a conversation.
	EventPing     EventKind = "PING"
	EventPingRead EventKind = "PING_READ"
)

type RealtimeEvent struct {
	Kind         EventKind
	Conversation ConversationID
	MessageID    MessageID

	Recipient      UserID
	NotificationID NotificationID
}

// IsPing reports whether the event belongs to a notification feed.
func (e RealtimeEvent) IsPing() bool {
	return e.Kind == EventPing || e.Kind == EventPingRead
}

// InboundEvent is a kBot request from a front end such as Telegram.
type InboundEvent struct {
	Source string
	// Key names the transcript and the lane the request is serialized on.
	Key    TranscriptKey
	UserID UserID
	Text   string
	// Mode is chat, image or text; empty means chat.
	Mode string
}

// TranscriptTurn is one role/content pair of a kBot conversation.
type TranscriptTurn struct {
	Seq     int64     `json:"seq"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// MessageRow is the backend row shape for the messages table, with the
// sender profile joined in.
type MessageRow struct {
	ID        MessageID  `json:"id"`
	ChannelID *ChannelID `json:"channel_id"`
	DMID      *DMID      `json:"dm_id"`
	SenderID  UserID     `json:"sender_id"`
	Content   string     `json:"content"`
	ImageURL  *string    `json:"image_url"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at"`
	Profiles  *Profile   `json:"profiles,omitempty"`
}

// DecodeMessageRow narrows a loosely typed backend row into a Message,
// rejecting rows without an id, sender, timestamp or with both or neither
// conversation columns set.
func DecodeMessageRow(data json.RawMessage) (*Message, error) {
	var row MessageRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("%w: decode message row: %v", ErrValidation, err)
	}
	return row.Message()
}

func (r *MessageRow) Message() (*Message, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: message row missing id", ErrValidation)
	}
	if r.SenderID == "" {
		return nil, fmt.Errorf("%w: message %s missing sender_id", ErrValidation, r.ID)
	}
	if r.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: message %s missing created_at", ErrValidation, r.ID)
	}

	var conv ConversationID
	switch {
	case r.ChannelID != nil && r.DMID != nil:
		return nil, fmt.Errorf("%w: message %s belongs to a channel and a dm", ErrValidation, r.ID)
	case r.ChannelID != nil:
		conv = ChannelConversation(*r.ChannelID)
	case r.DMID != nil:
		conv = DMConversation(*r.DMID)
	default:
		return nil, fmt.Errorf("%w: message %s has no conversation", ErrValidation, r.ID)
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:           r.ID,
		Conversation: conv,
		Sender:       r.SenderID,
		Author:       r.Profiles,
		Content:      r.Content,
		CreatedAt:    r.CreatedAt,
		EditedAt:     r.EditedAt,
	}
	if r.ImageURL != nil {
		msg.AttachmentURL = *r.ImageURL
	}
	return msg, nil
}

// Row converts a Message back to its backend row shape. The joined
// profile is not included.
func (m *Message) Row() MessageRow {
	row := MessageRow{
		ID:        m.ID,
		SenderID:  m.Sender,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
	switch m.Conversation.Kind {
	case KindChannel:
		id := ChannelID(m.Conversation.ID)
		row.ChannelID = &id
	case KindDM:
		id := DMID(m.Conversation.ID)
		row.DMID = &id
	}
	if m.AttachmentURL != "" {
		url := m.AttachmentURL
		row.ImageURL = &url
	}
	return row
}
