package context

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Mode selects the kBot persona and upstream model.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeImage Mode = "image"
	ModeText  Mode = "text"
)

// ParseMode maps a request mode to a Mode. Empty and unknown values fall
// back to chat.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeImage:
		return ModeImage
	case ModeText:
		return ModeText
	default:
		return ModeChat
	}
}

// Streams reports whether replies in this mode arrive as an event stream.
func (m Mode) Streams() bool {
	return m != ModeImage
}

const (
	DefaultChatModel  = "google/gemini-3-flash-preview"
	DefaultImageModel = "google/gemini-2.5-flash-image"
)

// Default system prompts. They are text/template sources rendered with
// PromptData, so custom prompts may use {{.Time}} and {{.Mode}}.
const (
	DefaultChatPrompt  = "You are kBot, the AI assistant for kHappy chat. Be helpful, friendly, and concise. Use emojis occasionally. Your responses should be chat-appropriate (short and conversational)."
	DefaultImagePrompt = "You are an AI image generator. Generate the requested image based on the user's description."
	DefaultTextPrompt  = "You are a creative AI text generator for kHappy chat. Generate the requested text content - stories, poems, code, essays, summaries, translations, or any other text format. Be creative and thorough."
)

// Persona is the prompt and model used for one mode.
type Persona struct {
	Model  string
	Prompt string
}

// Personas holds the configuration of every mode.
type Personas map[Mode]Persona

// DefaultPersonas returns the built-in kBot personas.
func DefaultPersonas() Personas {
	return Personas{
		ModeChat:  {Model: DefaultChatModel, Prompt: DefaultChatPrompt},
		ModeImage: {Model: DefaultImageModel, Prompt: DefaultImagePrompt},
		ModeText:  {Model: DefaultChatModel, Prompt: DefaultTextPrompt},
	}
}

// For returns the persona of mode, filling blanks from the defaults.
func (p Personas) For(mode Mode) Persona {
	def := DefaultPersonas()[mode]
	got, ok := p[mode]
	if !ok {
		return def
	}
	if got.Model == "" {
		got.Model = def.Model
	}
	if got.Prompt == "" {
		got.Prompt = def.Prompt
	}
	return got
}

// PromptData holds the values available to system prompt templates.
type PromptData struct {
	Time string
	Mode Mode
}

// RenderPrompt executes a system prompt template.
func RenderPrompt(tmpl string, mode Mode) (string, error) {
	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	data := PromptData{Time: time.Now().Format(time.RFC3339), Mode: mode}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	return buf.String(), nil
}
