package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/reply"
	"github.com/user/khappy/internal/state"
	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/internal/viewmodel"
	"github.com/user/khappy/pkg/llm"
)

type fixture struct {
	svc           *Service
	view          *viewmodel.Model
	messages      *state.MessageStore
	notifications *state.NotificationStore
	conv          types.ConversationID
}

var (
	alice = types.Session{UserID: "u-alice", Authenticated: true}
	bob   = types.Session{UserID: "u-bob", Authenticated: true}
)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	hub := state.NewHub()
	profiles := state.NewProfileStore(dir)
	for _, p := range []*types.Profile{
		{ID: "u-alice", Handle: "alice", DisplayName: "Alice"},
		{ID: "u-bob", Handle: "bob", DisplayName: "Bob"},
	} {
		if err := profiles.Put(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	messages := state.NewMessageStore(dir, hub, profiles)
	notifications := state.NewNotificationStore(dir, hub)

	conv := types.ChannelConversation("general")
	view := viewmodel.New(messages, hub)
	if err := view.Open(ctx, conv); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(view.Close)

	opts = append([]Option{WithView(view), WithPingFeed(hub)}, opts...)
	return &fixture{
		svc:           New(messages, notifications, profiles, opts...),
		view:          view,
		messages:      messages,
		notifications: notifications,
		conv:          conv,
	}
}

func TestSendAddsToViewAndPings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, alice, f.conv, "hey @bob and @Bob, cc @nobody", "")
	if err != nil {
		t.Fatal(err)
	}
	msgs := f.view.Messages()
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("expected sent message in view, got %v", msgs)
	}

	pings, err := f.svc.Pings(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(pings) != 2 {
		t.Errorf("expected 2 pings for repeated mention, got %d", len(pings))
	}
	unread, _ := f.svc.UnreadCount(ctx, bob)
	if unread != 2 {
		t.Errorf("expected 2 unread, got %d", unread)
	}

	if err := f.svc.MarkRead(ctx, bob, pings[0].ID); err != nil {
		t.Fatal(err)
	}
	changed, err := f.svc.MarkAllRead(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Errorf("expected 1 marked, got %d", changed)
	}
}

func TestSendSelfMention(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.svc.Send(ctx, alice, f.conv, "note to @alice", "")
	if pings, _ := f.svc.Pings(ctx, alice); len(pings) != 1 {
		t.Errorf("expected self ping by default, got %d", len(pings))
	}

	f = newFixture(t, WithNotifySelf(false))
	f.svc.Send(ctx, alice, f.conv, "note to @alice", "")
	if pings, _ := f.svc.Pings(ctx, alice); len(pings) != 0 {
		t.Errorf("expected no self ping, got %d", len(pings))
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Send(ctx, types.Session{}, f.conv, "hi", ""); !errors.Is(err, types.ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got %v", err)
	}
	if _, err := f.svc.Send(ctx, alice, f.conv, "   ", ""); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, alice, f.conv, "oops", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, bob, msg.ID); !errors.Is(err, types.ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got %v", err)
	}
	if f.view.Len() != 1 {
		t.Error("expected message kept after denied delete")
	}
	if err := f.svc.Delete(ctx, alice, msg.ID); err != nil {
		t.Fatal(err)
	}
	if f.view.Len() != 0 {
		t.Errorf("expected empty view, got %d", f.view.Len())
	}
	if err := f.svc.Delete(ctx, alice, msg.ID); err != nil {
		t.Errorf("expected repeated delete to be a no-op, got %v", err)
	}
}

type fakeAssistant struct {
	partials []string
	result   *reply.Result
	err      error
}

func (a *fakeAssistant) Chat(ctx context.Context, messages []llm.Message, mode ctxengine.Mode, onPartial func(string)) (*reply.Result, error) {
	for _, p := range a.partials {
		onPartial(p)
	}
	return a.result, a.err
}

func TestSendAssistantReply(t *testing.T) {
	assistant := &fakeAssistant{
		partials: []string{"Hel", "Hello"},
		result:   &reply.Result{Text: "Hello", Streamed: true},
	}
	f := newFixture(t, WithAssistant(assistant))
	ctx := context.Background()

	msg, err := f.svc.SendAssistantReply(ctx, alice, f.conv, ctxengine.ModeChat, []llm.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sender != types.AssistantUserID || msg.ID == "" {
		t.Errorf("expected stored kBot message, got %+v", msg)
	}

	msgs := f.view.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one reply entry, got %d", len(msgs))
	}
	if msgs[0].ID != msg.ID || msgs[0].Content != "Hello" || msgs[0].Streaming {
		t.Errorf("unexpected reply entry %+v", msgs[0])
	}
	if f.view.Streaming() {
		t.Error("expected slot closed")
	}
}

func TestSendAssistantReplyFailure(t *testing.T) {
	assistant := &fakeAssistant{
		partials: []string{"partial"},
		err:      reply.FromStatus(402, ""),
	}
	f := newFixture(t, WithAssistant(assistant))

	_, err := f.svc.SendAssistantReply(context.Background(), alice, f.conv, ctxengine.ModeChat, nil)
	if !errors.Is(err, reply.ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
	if f.view.Len() != 0 {
		t.Errorf("expected no partial reply in view, got %d", f.view.Len())
	}
	msgs, _ := f.messages.FetchMessages(context.Background(), f.conv, 100)
	if len(msgs) != 0 {
		t.Errorf("expected nothing stored, got %d", len(msgs))
	}
}

func TestHistory(t *testing.T) {
	msgs := []types.Message{
		{Sender: "u1", Content: "one"},
		{Sender: types.AssistantUserID, Content: "two"},
		{Sender: "u1", AttachmentURL: "https://x/img.png"},
		{Sender: "u2", Content: " three "},
		{Sender: types.AssistantUserID, Content: "partial", Streaming: true},
	}

	got := History(msgs, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
	if got[0].Role != "assistant" || got[0].Content != "two" {
		t.Errorf("unexpected first turn %+v", got[0])
	}
	if got[1].Role != "user" || got[1].Content != "three" {
		t.Errorf("unexpected second turn %+v", got[1])
	}
	if n := len(History(msgs, 0)); n != 3 {
		t.Errorf("expected 3 turns without limit, got %d", n)
	}
}

func TestWatchUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	counts := make(chan int, 4)
	sub, err := f.svc.WatchUnread(ctx, bob, func(n int) { counts <- n })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	next := func() int {
		t.Helper()
		select {
		case n := <-counts:
			return n
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for unread count")
			return 0
		}
	}

	if _, err := f.svc.Send(ctx, alice, f.conv, "hi @bob", ""); err != nil {
		t.Fatal(err)
	}
	if n := next(); n != 1 {
		t.Errorf("expected 1 unread, got %d", n)
	}
	if _, err := f.svc.Send(ctx, alice, f.conv, "@alice only", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.MarkAllRead(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if n := next(); n != 0 {
		t.Errorf("expected 0 unread after mark all read, got %d", n)
	}
}

func TestWatchUnreadNeedsFeed(t *testing.T) {
	svc := New(nil, nil, nil)
	if _, err := svc.WatchUnread(context.Background(), bob, func(int) {}); !errors.Is(err, ErrNoPingFeed) {
		t.Errorf("expected ErrNoPingFeed, got %v", err)
	}
}
