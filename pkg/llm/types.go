package llm

import (
	"encoding/json"
	"fmt"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call. Model empty means the provider's
// configured default.
type Request struct {
	Model       string
	Messages    []Message
	Stream      bool
	Modalities  []string
	MaxTokens   int
	Temperature float32
}

// StatusError is a non-success upstream response. Body is the raw error
// document.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, string(e.Body))
}

// Completion is the non-streamed chat completions document.
type Completion struct {
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content string  `json:"content"`
			Images  []Image `json:"images,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Image is a generated image attached to a completion message.
type Image struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParseCompletion decodes a completion document.
func ParseCompletion(data []byte) (*Completion, error) {
	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing completion: %w", err)
	}
	return &c, nil
}

// Text returns the content of the first choice.
func (c *Completion) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// ImageURL returns the first generated image reference, if any.
func (c *Completion) ImageURL() string {
	if len(c.Choices) == 0 || len(c.Choices[0].Message.Images) == 0 {
		return ""
	}
	return c.Choices[0].Message.Images[0].ImageURL.URL
}
