// internal/state/message.go
package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/khappy/internal/types"
)

// MessageStore keeps each conversation's messages in
// conversations/<kind>-<id>/messages.json and publishes insert and delete
// events through the hub.
type MessageStore struct {
	root     string
	hub      *Hub
	profiles *ProfileStore

	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewMessageStore creates a MessageStore. hub and profiles may be nil.
func NewMessageStore(root string, hub *Hub, profiles *ProfileStore) *MessageStore {
	return &MessageStore{
		root:     root,
		hub:      hub,
		profiles: profiles,
		locks:    make(map[types.ConversationID]*sync.Mutex),
	}
}

func (s *MessageStore) getLock(conv types.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[conv]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[conv] = lock
	return lock
}

func (s *MessageStore) messagesPath(conv types.ConversationID) (string, error) {
	if err := conv.Validate(); err != nil {
		return "", err
	}
	if strings.ContainsAny(conv.ID, `/\`) || conv.ID == "." || conv.ID == ".." {
		return "", fmt.Errorf("%w: invalid conversation id %q", types.ErrValidation, conv.ID)
	}
	return filepath.Join(s.root, "conversations", string(conv.Kind)+"-"+conv.ID, "messages.json"), nil
}

// load reads the rows of conv. Caller must hold the conversation lock.
func (s *MessageStore) load(conv types.ConversationID) ([]types.MessageRow, error) {
	path, err := s.messagesPath(conv)
	if err != nil {
		return nil, err
	}
	var rows []types.MessageRow
	if err := readJSON(path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *MessageStore) save(conv types.ConversationID, rows []types.MessageRow) error {
	path, err := s.messagesPath(conv)
	if err != nil {
		return err
	}
	return writeJSON(path, rows)
}

// FetchMessages returns the newest limit messages of conv, ascending.
func (s *MessageStore) FetchMessages(ctx context.Context, conv types.ConversationID, limit int) ([]*types.Message, error) {
	lock := s.getLock(conv)
	lock.Lock()
	rows, err := s.load(conv)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}

	msgs := make([]*types.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].Message()
		if err != nil {
			return nil, err
		}
		s.attachAuthor(ctx, msg)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// FetchMessage looks id up across all conversations.
func (s *MessageStore) FetchMessage(ctx context.Context, id types.MessageID) (*types.Message, error) {
	conv, err := s.locate(id)
	if err != nil {
		return nil, err
	}

	lock := s.getLock(conv)
	lock.Lock()
	rows, err := s.load(conv)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ID == id {
			msg, err := rows[i].Message()
			if err != nil {
				return nil, err
			}
			s.attachAuthor(ctx, msg)
			return msg, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", id, types.ErrNotFound)
}

// locate finds the conversation holding id by scanning every messages file.
func (s *MessageStore) locate(id types.MessageID) (types.ConversationID, error) {
	pattern := filepath.Join(s.root, "conversations", "*", "messages.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return types.ConversationID{}, fmt.Errorf("glob conversations: %w", err)
	}
	for _, path := range matches {
		kind, convID, ok := strings.Cut(filepath.Base(filepath.Dir(path)), "-")
		if !ok {
			continue
		}
		conv := types.ConversationID{Kind: types.ConversationKind(kind), ID: convID}
		if conv.Validate() != nil {
			continue
		}

		lock := s.getLock(conv)
		lock.Lock()
		rows, err := s.load(conv)
		lock.Unlock()
		if err != nil {
			return types.ConversationID{}, err
		}
		for i := range rows {
			if rows[i].ID == id {
				return conv, nil
			}
		}
	}
	return types.ConversationID{}, fmt.Errorf("message %s: %w", id, types.ErrNotFound)
}

func (s *MessageStore) attachAuthor(ctx context.Context, msg *types.Message) {
	if s.profiles == nil {
		return
	}
	if p, err := s.profiles.Get(ctx, msg.Sender); err == nil {
		msg.Author = p
	}
}

// InsertMessage assigns an id and a creation time that never goes
// backwards within the conversation.
func (s *MessageStore) InsertMessage(ctx context.Context, in types.NewMessage) (*types.Message, error) {
	if in.Sender == "" {
		return nil, fmt.Errorf("%w: message needs a sender", types.ErrValidation)
	}
	if strings.TrimSpace(in.Content) == "" && in.AttachmentURL == "" {
		return nil, fmt.Errorf("%w: message needs content or an attachment", types.ErrValidation)
	}

	lock := s.getLock(in.Conversation)
	lock.Lock()
	rows, err := s.load(in.Conversation)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	created := time.Now().UTC()
	for i := range rows {
		if !rows[i].CreatedAt.Before(created) {
			created = rows[i].CreatedAt.Add(time.Microsecond)
		}
	}
	msg := &types.Message{
		ID:            types.NewMessageID(),
		Conversation:  in.Conversation,
		Sender:        in.Sender,
		Content:       in.Content,
		AttachmentURL: in.AttachmentURL,
		CreatedAt:     created,
	}
	rows = append(rows, msg.Row())
	err = s.save(in.Conversation, rows)
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	s.attachAuthor(ctx, msg)
	s.publish(types.EventInsert, msg.Conversation, msg.ID)
	return msg, nil
}

// DeleteMessage removes id. Only the sender may delete a message.
func (s *MessageStore) DeleteMessage(_ context.Context, requester types.UserID, id types.MessageID) error {
	conv, err := s.locate(id)
	if err != nil {
		return err
	}

	lock := s.getLock(conv)
	lock.Lock()
	rows, err := s.load(conv)
	if err != nil {
		lock.Unlock()
		return err
	}
	idx := -1
	for i := range rows {
		if rows[i].ID == id {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		err = fmt.Errorf("message %s: %w", id, types.ErrNotFound)
	case rows[idx].SenderID != requester:
		err = fmt.Errorf("%w: only the sender can delete a message", types.ErrAuthorizationDenied)
	default:
		rows = append(rows[:idx], rows[idx+1:]...)
		err = s.save(conv, rows)
	}
	lock.Unlock()
	if err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrAuthorizationDenied) {
			return err
		}
		return fmt.Errorf("delete message: %w", err)
	}

	s.publish(types.EventDelete, conv, id)
	return nil
}

func (s *MessageStore) publish(kind types.EventKind, conv types.ConversationID, id types.MessageID) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(types.RealtimeEvent{Kind: kind, Conversation: conv, MessageID: id})
}
