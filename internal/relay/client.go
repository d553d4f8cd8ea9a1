package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/reply"
	"github.com/user/khappy/internal/stream"
	"github.com/user/khappy/pkg/llm"
)

// DefaultStreamTimeout bounds one reply end to end.
const DefaultStreamTimeout = 60 * time.Second

// ImageCaption is shown when an image reply carries no text.
const ImageCaption = "Here's your generated image:"

// Client talks to the relay endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client for the relay at baseURL. apiKey is sent as
// a bearer token when set.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	return &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + ChatPath,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Chat sends messages in mode and assembles the reply. onPartial receives
// the accumulated text of streamed replies. On failure no partial text is
// returned and err matches one of the reply error kinds.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, mode ctxengine.Mode, onPartial func(string)) (*reply.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{Messages: messages, Mode: string(mode)})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", reply.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reply.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	asm := reply.NewAssembler(onPartial)
	if !mode.Streams() {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading image reply: %v", reply.ErrTransport, err)
		}
		completion, err := llm.ParseCompletion(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", reply.ErrUpstream, err)
		}
		text := completion.Text()
		if text == "" {
			text = ImageCaption
		}
		if err := asm.Finish(text, completion.ImageURL()); err != nil {
			return nil, err
		}
		return asm.Result()
	}

	return asm.Consume(ctx, stream.NewScanner(resp.Body))
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(data, &payload) == nil {
		msg = payload.Error
	}
	return reply.FromStatus(resp.StatusCode, msg)
}
