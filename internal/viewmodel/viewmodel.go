// Package viewmodel keeps the ordered, deduplicated message list of the one
// open conversation, reconciling the initial page load, realtime
// notifications, local sends, and the in-flight kBot reply slot.
package viewmodel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/user/khappy/internal/types"
)

// PageSize caps the initial load.
const PageSize = 100

var (
	// ErrStreamInFlight is returned by BeginStreamingReply while another
	// reply slot is still open in the conversation.
	ErrStreamInFlight = errors.New("a kBot reply is already streaming")
	// ErrStaleSlot means the slot handle belongs to a finished reply or a
	// conversation that is no longer open.
	ErrStaleSlot = errors.New("stale reply slot")
	// ErrNoConversation means no conversation is open.
	ErrNoConversation = errors.New("no conversation open")
)

// SlotHandle addresses the placeholder entry of one streaming reply.
type SlotHandle struct {
	ID  types.SlotID
	gen uint64
}

type entry struct {
	msg *types.Message
	seq uint64
}

// Option configures a Model.
type Option func(*Model)

// WithOnChange registers fn to receive a snapshot after every mutation.
// Snapshots are delivered in mutation order; an older snapshot is never
// delivered after a newer one.
func WithOnChange(fn func([]types.Message)) Option {
	return func(m *Model) { m.onChange = fn }
}

// Model is safe for concurrent use.
type Model struct {
	store    types.MessageStore
	realtime types.Realtime
	onChange func([]types.Message)

	mu      sync.Mutex
	conv    types.ConversationID
	gen     uint64
	sub     types.Subscription
	cancel  context.CancelFunc
	entries []*entry
	seq     uint64
	slot    *entry
	slotID  types.SlotID
	version uint64

	// loading counts page fetches in flight; dropped holds ids deleted
	// while one was, so a stale page cannot resurrect them.
	loading int
	dropped map[types.MessageID]bool

	notifyMu sync.Mutex
	notified uint64
}

func New(store types.MessageStore, realtime types.Realtime, opts ...Option) *Model {
	m := &Model{store: store, realtime: realtime}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open discards the current state, releases the previous subscription,
// subscribes to conv and loads its first page.
func (m *Model) Open(ctx context.Context, conv types.ConversationID) error {
	if err := conv.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.resetLocked()
	m.conv = conv
	gen := m.gen
	subCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	m.publish()

	if m.realtime != nil {
		sub, err := m.realtime.Subscribe(ctx, conv, func(ev types.RealtimeEvent) {
			m.handleEvent(subCtx, gen, ev)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", conv, err)
		}
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			sub.Unsubscribe()
			return nil
		}
		m.sub = sub
		m.mu.Unlock()
	}

	return m.LoadInitial(ctx)
}

// Close releases the subscription and clears the list.
func (m *Model) Close() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	m.publish()
}

func (m *Model) resetLocked() {
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	m.conv = types.ConversationID{}
	m.entries = nil
	m.slot = nil
	m.slotID = ""
	m.loading = 0
	m.dropped = nil
	m.version++
}

// Conversation returns the open conversation, or the zero value.
func (m *Model) Conversation() types.ConversationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv
}

// LoadInitial replaces the list with the newest page of the open
// conversation. Entries inserted while the page was in flight and an open
// reply slot survive the reload; messages deleted meanwhile stay gone.
func (m *Model) LoadInitial(ctx context.Context) error {
	m.mu.Lock()
	conv, gen, mark := m.conv, m.gen, m.seq
	if conv.IsZero() {
		m.mu.Unlock()
		return ErrNoConversation
	}
	m.loading++
	if m.dropped == nil {
		m.dropped = make(map[types.MessageID]bool)
	}
	m.mu.Unlock()

	msgs, err := m.store.FetchMessages(ctx, conv, PageSize)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	dropped := m.dropped
	m.loading--
	if m.loading == 0 {
		m.dropped = nil
	}
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("load messages: %w", err)
	}

	var newer []*entry
	for _, e := range m.entries {
		if e != m.slot && e.seq > mark {
			newer = append(newer, e)
		}
	}
	m.entries = m.entries[:0]
	seen := make(map[types.MessageID]bool, len(msgs)+len(newer))
	for _, msg := range msgs {
		if msg == nil || seen[msg.ID] || dropped[msg.ID] || msg.Conversation != conv {
			continue
		}
		seen[msg.ID] = true
		m.appendLocked(msg)
	}
	for _, e := range newer {
		if !seen[e.msg.ID] {
			seen[e.msg.ID] = true
			m.entries = append(m.entries, e)
		}
	}
	if m.slot != nil {
		m.entries = append(m.entries, m.slot)
	}
	m.commitLocked()
	m.mu.Unlock()
	m.publish()
	return nil
}

// ApplyInsert handles an insert notification: the message is fetched with
// its author and added unless an entry with the same id exists.
func (m *Model) ApplyInsert(ctx context.Context, id types.MessageID) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.applyInsert(ctx, gen, id)
}

func (m *Model) applyInsert(ctx context.Context, gen uint64, id types.MessageID) error {
	m.mu.Lock()
	if m.gen != gen || m.indexLocked(id) >= 0 {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	msg, err := m.store.FetchMessage(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		// Deleted before we could fetch it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", id, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	changed := m.insertLocked(msg)
	m.mu.Unlock()
	if changed {
		m.publish()
	}
	return nil
}

// AddLocal inserts a message returned by a direct send. It shares the
// insert-if-absent rule with ApplyInsert.
func (m *Model) AddLocal(msg *types.Message) {
	if msg == nil {
		return
	}
	m.mu.Lock()
	changed := m.insertLocked(msg)
	m.mu.Unlock()
	if changed {
		m.publish()
	}
}

func (m *Model) insertLocked(msg *types.Message) bool {
	if msg.Conversation != m.conv || m.indexLocked(msg.ID) >= 0 {
		return false
	}
	m.appendLocked(msg)
	m.commitLocked()
	return true
}

// ApplyDelete removes the entry with id. Unknown ids are ignored.
func (m *Model) ApplyDelete(id types.MessageID) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.applyDelete(gen, id)
}

func (m *Model) applyDelete(gen uint64, id types.MessageID) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.loading > 0 {
		m.dropped[id] = true
	}
	i := m.indexLocked(id)
	if i < 0 || m.entries[i] == m.slot {
		m.mu.Unlock()
		return
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	m.commitLocked()
	m.mu.Unlock()
	m.publish()
}

func (m *Model) handleEvent(ctx context.Context, gen uint64, ev types.RealtimeEvent) {
	m.mu.Lock()
	stale := m.gen != gen || ev.Conversation != m.conv
	m.mu.Unlock()
	if stale {
		return
	}
	switch ev.Kind {
	case types.EventInsert:
		if err := m.applyInsert(ctx, gen, ev.MessageID); err != nil {
			slog.Warn("apply insert notification failed", "conversation", ev.Conversation, "message", ev.MessageID, "error", err)
		}
	case types.EventDelete:
		m.applyDelete(gen, ev.MessageID)
	}
}

// BeginStreamingReply appends the kBot placeholder entry.
func (m *Model) BeginStreamingReply() (SlotHandle, error) {
	m.mu.Lock()
	if m.conv.IsZero() {
		m.mu.Unlock()
		return SlotHandle{}, ErrNoConversation
	}
	if m.slot != nil {
		m.mu.Unlock()
		return SlotHandle{}, ErrStreamInFlight
	}

	created := time.Now().UTC()
	if n := len(m.entries); n > 0 && m.entries[n-1].msg.CreatedAt.After(created) {
		created = m.entries[n-1].msg.CreatedAt
	}
	id := types.NewSlotID()
	msg := &types.Message{
		ID:           types.MessageID("slot-" + string(id)),
		Conversation: m.conv,
		Sender:       types.AssistantUserID,
		Author:       &types.Profile{ID: types.AssistantUserID, DisplayName: "kBot"},
		CreatedAt:    created,
		Streaming:    true,
	}
	m.appendLocked(msg)
	m.slot = m.entries[len(m.entries)-1]
	m.slotID = id
	h := SlotHandle{ID: id, gen: m.gen}
	m.commitLocked()
	m.mu.Unlock()
	m.publish()
	return h, nil
}

// UpdateStreamingReply replaces the slot text in place.
func (m *Model) UpdateStreamingReply(h SlotHandle, text string) error {
	m.mu.Lock()
	if !m.ownsLocked(h) {
		m.mu.Unlock()
		return ErrStaleSlot
	}
	m.slot.msg.Content = text
	m.version++
	m.mu.Unlock()
	m.publish()
	return nil
}

// FinalizeStreamingReply sets the definitive content. A non-empty finalID
// becomes the slot's id; an entry already delivered under that id is
// folded into the slot, which keeps its position.
func (m *Model) FinalizeStreamingReply(h SlotHandle, text, attachmentURL string, finalID types.MessageID) error {
	m.mu.Lock()
	if !m.ownsLocked(h) {
		m.mu.Unlock()
		return ErrStaleSlot
	}
	msg := m.slot.msg
	msg.Content = text
	msg.AttachmentURL = attachmentURL
	msg.Streaming = false
	if finalID != "" {
		if i := m.indexLocked(finalID); i >= 0 {
			m.entries = slices.Delete(m.entries, i, i+1)
		}
		msg.ID = finalID
	}
	m.slot = nil
	m.slotID = ""
	m.commitLocked()
	m.mu.Unlock()
	m.publish()
	return nil
}

// AbortStreamingReply removes the placeholder. No partial text remains.
func (m *Model) AbortStreamingReply(h SlotHandle) {
	m.mu.Lock()
	if !m.ownsLocked(h) {
		m.mu.Unlock()
		return
	}
	if i := slices.Index(m.entries, m.slot); i >= 0 {
		m.entries = slices.Delete(m.entries, i, i+1)
	}
	m.slot = nil
	m.slotID = ""
	m.commitLocked()
	m.mu.Unlock()
	m.publish()
}

func (m *Model) ownsLocked(h SlotHandle) bool {
	return m.slot != nil && h.gen == m.gen && h.ID == m.slotID
}

// Streaming reports whether a reply slot is open.
func (m *Model) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot != nil
}

// Messages returns a copy of the current list.
func (m *Model) Messages() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Model) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Model) appendLocked(msg *types.Message) {
	m.seq++
	m.entries = append(m.entries, &entry{msg: msg, seq: m.seq})
}

// commitLocked restores (CreatedAt, arrival) order. Timestamps come from
// the backend, so arrival order alone is never trusted.
func (m *Model) commitLocked() {
	slices.SortStableFunc(m.entries, func(a, b *entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	m.version++
}

func (m *Model) indexLocked(id types.MessageID) int {
	for i, e := range m.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

func (m *Model) snapshotLocked() []types.Message {
	out := make([]types.Message, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e.msg
	}
	return out
}

func (m *Model) publish() {
	if m.onChange == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.Lock()
	version := m.version
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if version <= m.notified {
		return
	}
	m.notified = version
	m.onChange(snap)
}
