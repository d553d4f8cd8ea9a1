package gateway

import (
	"context"
	"fmt"
	"strings"

	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/internal/reply"
	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/pkg/llm"
)

// DefaultHistory is how many transcript turns are sent with a request.
const DefaultHistory = 20

// Assistant produces kBot replies. relay.Client implements it.
type Assistant interface {
	Chat(ctx context.Context, messages []llm.Message, mode ctxengine.Mode, onPartial func(string)) (*reply.Result, error)
}

// Gateway turns inbound kBot requests into runs. Each transcript key is a
// lane, so requests of one conversation are answered one at a time.
type Gateway struct {
	transcripts types.TranscriptStore
	assistant   Assistant
	Queue       *Queue
	history     int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway with the given limit on simultaneous relay calls.
func New(transcripts types.TranscriptStore, assistant Assistant, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	g := &Gateway{
		transcripts: transcripts,
		assistant:   assistant,
		Queue:       NewQueue(concurrency),
		history:     DefaultHistory,
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// SetHistory changes how many turns are replayed per request.
func (g *Gateway) SetHistory(n int) {
	if n > 0 {
		g.history = n
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context and stops the queue.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnPartial receives the accumulated text while a reply streams.
func WithOnPartial(fn func(string)) RunOption {
	return func(r *Run) { r.OnPartial = fn }
}

// WithOnComplete sets a callback invoked with the final reply.
func WithOnComplete(fn func(*reply.Result)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// WithOnError receives the failure of a run; use reply.Notice to render it.
func WithOnError(fn func(error)) RunOption {
	return func(r *Run) { r.OnError = fn }
}

// HandleInbound enqueues the request. The user's turn is recorded when the
// run starts, so a request the queue refuses leaves no trace.
func (g *Gateway) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...RunOption) error {
	if event.Key == "" {
		return fmt.Errorf("%w: inbound event needs a key", types.ErrValidation)
	}
	if strings.TrimSpace(event.Text) == "" {
		return fmt.Errorf("%w: inbound event has no text", types.ErrValidation)
	}
	run := NewRun(event)
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}

// process answers one run against its transcript.
func (g *Gateway) process(run *Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := g.transcripts.Append(ctx, run.Key, "user", run.Event.Text); err != nil {
		return fmt.Errorf("record user turn: %w", err)
	}
	turns, err := g.transcripts.Tail(ctx, run.Key, g.history)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	history := ctxengine.TranscriptMessages(turns)

	res, err := g.assistant.Chat(ctx, history, ctxengine.ParseMode(run.Event.Mode), run.OnPartial)
	if err != nil {
		return err
	}

	if err := g.transcripts.Append(ctx, run.Key, "assistant", res.Text); err != nil {
		return fmt.Errorf("record assistant turn: %w", err)
	}
	if run.OnComplete != nil {
		run.OnComplete(res)
	}
	return nil
}
