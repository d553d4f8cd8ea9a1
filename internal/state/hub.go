// internal/state/hub.go
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/khappy/internal/types"
)

// Hub fans realtime events out to in-process subscribers, per conversation
// for message events and per recipient for pings. Each subscriber
// has its own queue and delivery goroutine, so a slow handler never
// blocks the publisher or other subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

type subscriber struct {
	hub     *Hub
	id        uint64
	conv      types.ConversationID
	recipient types.UserID
	handler   func(types.RealtimeEvent)

	mu     sync.Mutex
	queue  []types.RealtimeEvent
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed bool
}

// Subscribe registers handler for events in conv. Delivery continues until
// Unsubscribe; ctx only bounds the registration itself.
func (h *Hub) Subscribe(ctx context.Context, conv types.ConversationID, handler func(types.RealtimeEvent)) (types.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	return h.add(&subscriber{conv: conv, handler: handler}), nil
}

// SubscribePings registers handler for ping events addressed to recipient.
func (h *Hub) SubscribePings(ctx context.Context, recipient types.UserID, handler func(types.RealtimeEvent)) (types.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: ping subscription needs a recipient", types.ErrValidation)
	}
	return h.add(&subscriber{recipient: recipient, handler: handler}), nil
}

func (h *Hub) add(s *subscriber) *subscriber {
	s.hub = h
	s.wake = make(chan struct{}, 1)
	s.done = make(chan struct{})

	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.run()
	return s
}

func (s *subscriber) wants(ev types.RealtimeEvent) bool {
	if ev.IsPing() {
		return s.recipient != "" && s.recipient == ev.Recipient
	}
	return !s.conv.IsZero() && s.conv == ev.Conversation
}

// Publish queues ev for every subscriber of its conversation, or of its
// recipient for ping events.
func (h *Hub) Publish(ev types.RealtimeEvent) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s.wants(ev) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueue(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscriber) enqueue(ev types.RealtimeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.handler(ev)
		}
	}
}

// Unsubscribe stops delivery. An event already handed to the handler may
// still complete after Unsubscribe returns.
func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}
