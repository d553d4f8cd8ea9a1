package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/khappy/pkg/llm"
)

const defaultTimeout = 60 * time.Second

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 * 1024

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
// The http client has no overall timeout so streams can stay open; calls
// are bounded by their context.
func New(config *llm.Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Modalities  []string      `json:"modalities,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
}

func (c *Client) body(req *llm.Request, stream bool) ([]byte, error) {
	reqBody := chatRequest{
		Model:      req.Model,
		Messages:   req.Messages,
		Stream:     stream,
		Modalities: req.Modalities,
		MaxTokens:  req.MaxTokens,
	}
	if reqBody.Model == "" {
		reqBody.Model = c.config.Model
	}
	if reqBody.MaxTokens == 0 && c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}

	temp := req.Temperature
	if temp == 0 {
		temp = c.config.Temperature
	}
	if temp != 0 {
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &llm.StatusError{StatusCode: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}

// Complete sends a chat completion request and returns the raw response body.
func (c *Client) Complete(ctx context.Context, req *llm.Request) ([]byte, error) {
	body, err := c.body(req, false)
	if err != nil {
		return nil, err
	}

	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return respBody, nil
}

// Stream sends a streaming chat completion request and returns the open
// event stream.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (io.ReadCloser, error) {
	body, err := c.body(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, body, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
