// Package chat implements the send, delete and ping flows of a chat
// client over the backend stores, keeping an optional view model in step.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/mention"
	"github.com/user/khappy/internal/reply"
	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/internal/viewmodel"
	"github.com/user/khappy/pkg/llm"
)

// PingLimit caps the notification list.
const PingLimit = 50

// ErrNoPingFeed is returned by WatchUnread when the service has no feed.
var ErrNoPingFeed = errors.New("no ping feed configured")

// Assistant produces kBot replies. relay.Client implements it.
type Assistant interface {
	Chat(ctx context.Context, messages []llm.Message, mode ctxengine.Mode, onPartial func(string)) (*reply.Result, error)
}

// Option configures a Service.
type Option func(*Service)

// WithView keeps view in step with sends and deletes.
func WithView(view *viewmodel.Model) Option {
	return func(s *Service) { s.view = view }
}

func WithAssistant(a Assistant) Option {
	return func(s *Service) { s.assistant = a }
}

// WithPingFeed enables WatchUnread.
func WithPingFeed(feed types.PingFeed) Option {
	return func(s *Service) { s.pings = feed }
}

// WithNotifySelf controls whether mentioning yourself creates a ping.
func WithNotifySelf(notify bool) Option {
	return func(s *Service) { s.mentionOpts.NotifySelf = notify }
}

type Service struct {
	messages      types.MessageStore
	notifications types.NotificationStore
	resolver      *mention.Resolver
	view          *viewmodel.Model
	assistant     Assistant
	pings         types.PingFeed
	mentionOpts   mention.Options
}

// New creates a Service. Self-mentions notify by default.
func New(messages types.MessageStore, notifications types.NotificationStore, dir types.Directory, opts ...Option) *Service {
	s := &Service{
		messages:      messages,
		notifications: notifications,
		resolver:      mention.NewResolver(dir),
		mentionOpts:   mention.Options{NotifySelf: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send posts a message and pings everyone it mentions. Mention failures
// are logged and never fail the send.
func (s *Service) Send(ctx context.Context, session types.Session, conv types.ConversationID, content, attachmentURL string) (*types.Message, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" && attachmentURL == "" {
		return nil, fmt.Errorf("%w: message is empty", types.ErrValidation)
	}

	msg, err := s.messages.InsertMessage(ctx, types.NewMessage{
		Conversation:  conv,
		Sender:        session.UserID,
		Content:       content,
		AttachmentURL: attachmentURL,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if s.view != nil {
		s.view.AddLocal(msg)
	}

	s.notifyMentions(ctx, msg)
	return msg, nil
}

func (s *Service) notifyMentions(ctx context.Context, msg *types.Message) {
	if msg.Content == "" || s.notifications == nil {
		return
	}
	recipients, err := s.resolver.Resolve(ctx, msg.Content)
	if err != nil {
		slog.Warn("resolve mentions failed", "message", msg.ID, "error", err)
		return
	}
	for _, n := range mention.Notifications(msg, recipients, s.mentionOpts) {
		if err := s.notifications.InsertNotification(ctx, n); err != nil {
			slog.Warn("create mention notification failed", "message", msg.ID, "recipient", n.Recipient, "error", err)
		}
	}
}

// Delete removes a message sent by the session's user. Deleting a message
// that is already gone is not an error.
func (s *Service) Delete(ctx context.Context, session types.Session, id types.MessageID) error {
	if err := session.Validate(); err != nil {
		return err
	}
	err := s.messages.DeleteMessage(ctx, session.UserID, id)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if s.view != nil {
		s.view.ApplyDelete(id)
	}
	return nil
}

// Pings lists the newest mention notifications of the session's user.
func (s *Service) Pings(ctx context.Context, session types.Session) ([]*types.Notification, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return s.notifications.ListNotifications(ctx, session.UserID, PingLimit)
}

func (s *Service) UnreadCount(ctx context.Context, session types.Session) (int, error) {
	if err := session.Validate(); err != nil {
		return 0, err
	}
	return s.notifications.UnreadCount(ctx, session.UserID)
}

func (s *Service) MarkRead(ctx context.Context, session types.Session, id types.NotificationID) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return s.notifications.MarkRead(ctx, session.UserID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, session types.Session) (int, error) {
	if err := session.Validate(); err != nil {
		return 0, err
	}
	return s.notifications.MarkAllRead(ctx, session.UserID)
}

// WatchUnread calls fn with the session user's unread count each time one
// of their pings is created or read, until the subscription is released.
func (s *Service) WatchUnread(ctx context.Context, session types.Session, fn func(unread int)) (types.Subscription, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if s.pings == nil {
		return nil, ErrNoPingFeed
	}
	user := session.UserID
	return s.pings.SubscribePings(ctx, user, func(ev types.RealtimeEvent) {
		n, err := s.notifications.UnreadCount(context.Background(), user)
		if err != nil {
			slog.Warn("refresh unread count failed", "user", user, "error", err)
			return
		}
		fn(n)
	})
}

// SendAssistantReply asks kBot and streams the reply into the view's
// reply slot. The final reply is stored in conv as a kBot message. On
// failure the slot is removed and the error is returned for
// reply.Notice.
func (s *Service) SendAssistantReply(ctx context.Context, session types.Session, conv types.ConversationID, mode ctxengine.Mode, history []llm.Message) (*types.Message, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if s.assistant == nil {
		return nil, errors.New("kBot is not configured")
	}

	var slot viewmodel.SlotHandle
	streaming := false
	if s.view != nil && s.view.Conversation() == conv {
		h, err := s.view.BeginStreamingReply()
		if err != nil {
			return nil, err
		}
		slot, streaming = h, true
	}

	onPartial := func(text string) {
		if streaming {
			s.view.UpdateStreamingReply(slot, text)
		}
	}
	res, err := s.assistant.Chat(ctx, history, mode, onPartial)
	if err != nil {
		if streaming {
			s.view.AbortStreamingReply(slot)
		}
		return nil, err
	}

	msg, err := s.messages.InsertMessage(ctx, types.NewMessage{
		Conversation:  conv,
		Sender:        types.AssistantUserID,
		Content:       res.Text,
		AttachmentURL: res.AttachmentURL,
	})
	if err != nil {
		slog.Warn("store kBot reply failed", "conversation", conv, "error", err)
		msg = nil
	}

	if streaming {
		var finalID types.MessageID
		if msg != nil {
			finalID = msg.ID
		}
		if err := s.view.FinalizeStreamingReply(slot, res.Text, res.AttachmentURL, finalID); err != nil {
			slog.Debug("finalize kBot reply skipped", "conversation", conv, "error", err)
		}
	}
	if msg == nil {
		return &types.Message{
			Conversation:  conv,
			Sender:        types.AssistantUserID,
			Content:       res.Text,
			AttachmentURL: res.AttachmentURL,
		}, nil
	}
	return msg, nil
}
