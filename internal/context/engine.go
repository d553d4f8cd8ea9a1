// internal/context/engine.go
package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/pkg/llm"
)

// Engine assembles token-budgeted prompts for the relay.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	personas  Personas
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int, personas Personas) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Gateway model names are unknown to tiktoken
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	if personas == nil {
		personas = DefaultPersonas()
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		personas:  personas,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Persona returns the resolved persona of mode.
func (e *Engine) Persona(mode Mode) Persona {
	return e.personas.For(mode)
}

// BuildPrompt prepends the mode's system prompt to history and drops the
// oldest turns that do not fit the budget. The newest turn is always kept.
func (e *Engine) BuildPrompt(mode Mode, history []llm.Message) ([]llm.Message, string, error) {
	persona := e.personas.For(mode)
	sysPrompt, err := RenderPrompt(persona.Prompt, mode)
	if err != nil {
		return nil, "", err
	}

	budget := e.maxTokens - e.reserve - e.countTokens(sysPrompt)

	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := e.countTokens(history[i].Content)
		if used+cost > budget && start < len(history) {
			break
		}
		used += cost
		start = i
	}

	messages := make([]llm.Message, 0, 1+len(history)-start)
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	messages = append(messages, history[start:]...)
	return messages, persona.Model, nil
}

// TranscriptMessages converts stored turns into chat messages, skipping
// roles the relay does not accept.
func TranscriptMessages(turns []*types.TranscriptTurn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case "user", "assistant":
			msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
		}
	}
	return msgs
}
