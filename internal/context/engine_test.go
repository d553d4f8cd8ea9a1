package context

import (
	"strings"
	"testing"

	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/pkg/llm"
)

func TestNewEngine(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("expected non-nil engine")
	}
}

func TestBuildPromptBasic(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, nil)
	if err != nil {
		t.Fatal(err)
	}

	history := []llm.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	messages, model, err := e.BuildPrompt(ModeChat, history)
	if err != nil {
		t.Fatal(err)
	}
	if model != DefaultChatModel {
		t.Errorf("expected %s, got %s", DefaultChatModel, model)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" || !strings.HasPrefix(messages[0].Content, "You are kBot") {
		t.Errorf("expected kBot system prompt first, got %+v", messages[0])
	}
	if messages[1].Content != "hello" {
		t.Errorf("expected 'hello', got %q", messages[1].Content)
	}
}

func TestBuildPromptModes(t *testing.T) {
	e, _ := New("gpt-4", 128000, 4096, nil)

	msgs, model, _ := e.BuildPrompt(ModeImage, []llm.Message{{Role: "user", Content: "a cat"}})
	if model != DefaultImageModel {
		t.Errorf("expected image model, got %s", model)
	}
	if msgs[0].Content != DefaultImagePrompt {
		t.Errorf("expected image prompt, got %q", msgs[0].Content)
	}

	msgs, _, _ = e.BuildPrompt(ModeText, nil)
	if msgs[0].Content != DefaultTextPrompt {
		t.Errorf("expected text prompt, got %q", msgs[0].Content)
	}
}

func TestBuildPromptBudgetTruncation(t *testing.T) {
	// Tiny budget: only 500 tokens total, 100 reserve
	e, err := New("gpt-4", 500, 100, nil)
	if err != nil {
		t.Fatal(err)
	}

	history := make([]llm.Message, 50)
	for i := range history {
		history[i] = llm.Message{Role: "user", Content: "This is a message that takes up tokens in the context window budget."}
	}
	history[49].Content = "newest"

	messages, _, err := e.BuildPrompt(ModeChat, history)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) >= 51 {
		t.Errorf("expected truncation, got %d messages for 50 turns", len(messages))
	}
	if messages[len(messages)-1].Content != "newest" {
		t.Error("expected newest turn kept")
	}
}

func TestBuildPromptKeepsOversizedLastTurn(t *testing.T) {
	e, _ := New("gpt-4", 50, 10, nil)
	long := strings.Repeat("word ", 200)
	messages, _, err := e.BuildPrompt(ModeChat, []llm.Message{{Role: "user", Content: long}})
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Errorf("expected system plus oversized turn, got %d", len(messages))
	}
}

func TestPersonaOverrides(t *testing.T) {
	e, _ := New("gpt-4", 128000, 4096, Personas{
		ModeChat: {Prompt: "You are kBot. Mode {{.Mode}}."},
	})
	msgs, model, err := e.BuildPrompt(ModeChat, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Content != "You are kBot. Mode chat." {
		t.Errorf("expected rendered template, got %q", msgs[0].Content)
	}
	if model != DefaultChatModel {
		t.Errorf("expected default model fill, got %s", model)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeChat, "chat": ModeChat, "IMAGE": ModeImage, "text": ModeText, "video": ModeChat}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q): expected %s, got %s", in, want, got)
		}
	}
	if ModeImage.Streams() || !ModeChat.Streams() {
		t.Error("expected only image mode to be non-streamed")
	}
}

func TestTranscriptMessages(t *testing.T) {
	turns := []*types.TranscriptTurn{
		{Seq: 1, Role: "user", Content: "hi"},
		{Seq: 2, Role: "notice", Content: "rate limited"},
		{Seq: 3, Role: "assistant", Content: "hello"},
	}
	msgs := TranscriptMessages(turns)
	if len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Errorf("expected user and assistant turns, got %v", msgs)
	}
}
