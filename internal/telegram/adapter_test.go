package telegram

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/khappy/internal/gateway"
	"github.com/user/khappy/internal/reply"
	"github.com/user/khappy/internal/state"
	"github.com/user/khappy/internal/types"
)

type fakeBot struct {
	sent []tgbotapi.Chattable
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (b *fakeBot) StopReceivingUpdates() {}

// fakeGateway runs script synchronously with the callbacks of each request.
type fakeGateway struct {
	events []*types.InboundEvent
	script func(run *gateway.Run)
}

func (g *fakeGateway) HandleInbound(_ context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error {
	g.events = append(g.events, event)
	run := gateway.NewRun(event)
	for _, opt := range opts {
		opt(run)
	}
	if g.script != nil {
		g.script(run)
	}
	return nil
}

func message(text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: 42},
		From: &tgbotapi.User{ID: 7},
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return msg
}

func texts(t *testing.T, sent []tgbotapi.Chattable) []string {
	t.Helper()
	var out []string
	for _, c := range sent {
		switch v := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, "send:"+v.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, "edit:"+v.Text)
		case tgbotapi.PhotoConfig:
			out = append(out, "photo:"+v.Caption)
		default:
			t.Fatalf("unexpected chattable %T", c)
		}
	}
	return out
}

func TestPlainMessageStreams(t *testing.T) {
	bot := &fakeBot{}
	gw := &fakeGateway{script: func(run *gateway.Run) {
		run.OnPartial("Hel")
		run.OnPartial("Hello")
		run.OnComplete(&reply.Result{Text: "Hello there", Streamed: true})
	}}
	a := NewWithBot(bot, gw, state.NewTranscriptStore(t.TempDir()), WithEditInterval(0))

	a.handleMessage(context.Background(), message("hi kbot"))

	if len(gw.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(gw.events))
	}
	ev := gw.events[0]
	if ev.Mode != "chat" || ev.Text != "hi kbot" || ev.Key != "telegram:7:42" {
		t.Errorf("unexpected event %+v", ev)
	}

	got := texts(t, bot.sent)
	want := []string{"send:Hel", "edit:Hello", "edit:Hello there"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPartialEditsAreThrottled(t *testing.T) {
	bot := &fakeBot{}
	gw := &fakeGateway{script: func(run *gateway.Run) {
		for _, p := range []string{"a", "ab", "abc", "abcd"} {
			run.OnPartial(p)
		}
		run.OnComplete(&reply.Result{Text: "abcde", Streamed: true})
	}}
	a := NewWithBot(bot, gw, state.NewTranscriptStore(t.TempDir()))

	a.handleMessage(context.Background(), message("go"))

	got := texts(t, bot.sent)
	if len(got) != 2 {
		t.Fatalf("expected first partial plus final edit, got %v", got)
	}
	if got[1] != "edit:abcde" {
		t.Errorf("expected final text to be shown, got %q", got[1])
	}
}

func TestErrorShowsNotice(t *testing.T) {
	bot := &fakeBot{}
	gw := &fakeGateway{script: func(run *gateway.Run) {
		run.OnPartial("partial")
		run.OnError(reply.FromStatus(402, ""))
	}}
	a := NewWithBot(bot, gw, state.NewTranscriptStore(t.TempDir()), WithEditInterval(0))

	a.handleMessage(context.Background(), message("go"))

	got := texts(t, bot.sent)
	if got[len(got)-1] != "edit:AI credits exhausted. Please add credits." {
		t.Errorf("expected quota notice, got %v", got)
	}
}

func TestImageCommand(t *testing.T) {
	bot := &fakeBot{}
	gw := &fakeGateway{script: func(run *gateway.Run) {
		run.OnComplete(&reply.Result{Text: "Here's your generated image:", AttachmentURL: "data:image/png;base64,aGk="})
	}}
	a := NewWithBot(bot, gw, state.NewTranscriptStore(t.TempDir()))

	a.handleMessage(context.Background(), message("/image a red cat"))

	if len(gw.events) != 1 || gw.events[0].Mode != "image" || gw.events[0].Text != "a red cat" {
		t.Fatalf("unexpected events %+v", gw.events)
	}
	got := texts(t, bot.sent)
	if len(got) != 1 || got[0] != "photo:Here's your generated image:" {
		t.Errorf("expected one photo, got %v", got)
	}
}

func TestImageCommandNeedsPrompt(t *testing.T) {
	bot := &fakeBot{}
	gw := &fakeGateway{}
	a := NewWithBot(bot, gw, state.NewTranscriptStore(t.TempDir()))

	a.handleMessage(context.Background(), message("/image"))

	if len(gw.events) != 0 {
		t.Errorf("expected no request, got %d", len(gw.events))
	}
	got := texts(t, bot.sent)
	if len(got) != 1 || got[0] != "send:Usage: /image <prompt>" {
		t.Errorf("unexpected reply %v", got)
	}
}

func TestNewResetsTranscript(t *testing.T) {
	ctx := context.Background()
	transcripts := state.NewTranscriptStore(t.TempDir())
	key := buildTranscriptKey(7, 42)
	if err := transcripts.Append(ctx, key, "user", "old"); err != nil {
		t.Fatal(err)
	}
	bot := &fakeBot{}
	a := NewWithBot(bot, &fakeGateway{}, transcripts)

	a.handleMessage(ctx, message("/new"))

	count, err := transcripts.Count(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected empty transcript, got %d turns", count)
	}
}

func TestStatusCommand(t *testing.T) {
	ctx := context.Background()
	transcripts := state.NewTranscriptStore(t.TempDir())
	key := buildTranscriptKey(7, 42)
	transcripts.Append(ctx, key, "user", "one")
	transcripts.Append(ctx, key, "assistant", "two")
	bot := &fakeBot{}
	a := NewWithBot(bot, &fakeGateway{}, transcripts)

	a.handleMessage(ctx, message("/status"))

	got := texts(t, bot.sent)
	if len(got) != 1 || !strings.Contains(got[0], "Turns: 2") {
		t.Errorf("unexpected status %v", got)
	}
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestSplitMessageKeepsRunes(t *testing.T) {
	long := strings.Repeat("é", 3000)
	for _, part := range splitMessage(long) {
		if !strings.HasPrefix(part, "é") || strings.Count(part, "é")*2 != len(part) {
			t.Fatalf("part split a rune: %d bytes", len(part))
		}
	}
}

func TestBuildTranscriptKey(t *testing.T) {
	key := buildTranscriptKey(12345, 67890)
	if string(key) != "telegram:12345:67890" {
		t.Errorf("expected 'telegram:12345:67890', got %q", key)
	}
}
