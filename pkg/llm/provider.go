package llm

import (
	"context"
	"io"
	"time"
)

// Provider defines the interface for interacting with OpenAI-compatible
// chat gateways. Bodies are returned raw so callers can relay them
// without re-encoding.
type Provider interface {
	// Complete sends a non-streamed request and returns the response body.
	Complete(ctx context.Context, req *Request) ([]byte, error)

	// Stream sends req with streaming enabled and returns the open event
	// stream body. The caller must close it.
	Stream(ctx context.Context, req *Request) (io.ReadCloser, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	// Timeout bounds non-streamed calls. Streams are bounded by ctx.
	Timeout time.Duration
}
