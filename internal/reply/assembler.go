// Package reply folds decoded stream frames into one growing assistant
// reply and classifies relay failures.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/khappy/internal/stream"
)

// ErrFinished is returned when an update arrives after the reply is final.
var ErrFinished = errors.New("reply already finished")

// Result is the definitive value of one reply.
type Result struct {
	Text          string
	AttachmentURL string
	// Streamed is false for image-mode replies delivered whole.
	Streamed bool
}

// Assembler accumulates delta text for a single stream. OnPartial receives
// the full accumulated text after every non-empty delta so consumers can
// replace in place.
type Assembler struct {
	OnPartial func(text string)

	mu       sync.Mutex
	text     strings.Builder
	done     bool
	streamed bool
	attach   string
	err      error
}

func NewAssembler(onPartial func(string)) *Assembler {
	return &Assembler{OnPartial: onPartial}
}

// Apply folds one frame. It returns true once the reply is final.
func (a *Assembler) Apply(frame stream.Frame) bool {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return true
	}

	var partial string
	emit := false
	switch frame.Kind {
	case stream.FrameDelta:
		if frame.Text != "" {
			a.text.WriteString(frame.Text)
			a.streamed = true
			partial = a.text.String()
			emit = true
		}
	case stream.FrameDone:
		a.done = true
	}
	onPartial := a.OnPartial
	done := a.done
	a.mu.Unlock()

	if emit && onPartial != nil {
		onPartial(partial)
	}
	return done
}

// Finish sets a terminal value delivered whole (image mode) and finalizes.
func (a *Assembler) Finish(text, attachmentURL string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return ErrFinished
	}
	a.text.Reset()
	a.text.WriteString(text)
	a.attach = attachmentURL
	a.streamed = false
	a.done = true
	return nil
}

// Fail finalizes the reply with err and discards any accumulated text.
func (a *Assembler) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text.Reset()
	a.attach = ""
	a.err = err
	a.done = true
}

// Text returns the accumulated text so far.
func (a *Assembler) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

func (a *Assembler) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Result returns the final reply, or the failure recorded by Fail. A
// stream that ended without [DONE] is still a valid reply.
func (a *Assembler) Result() (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &Result{Text: a.text.String(), AttachmentURL: a.attach, Streamed: a.streamed}, nil
}

// Consume drives scanner until [DONE] or end of input. A read failure or
// context cancellation fails the reply with ErrTransport.
func (a *Assembler) Consume(ctx context.Context, scanner *stream.Scanner) (*Result, error) {
	for scanner.Next() {
		if err := ctx.Err(); err != nil {
			a.Fail(fmt.Errorf("%w: %v", ErrTransport, err))
			return a.Result()
		}
		if a.Apply(scanner.Frame()) {
			return a.Result()
		}
	}
	if err := scanner.Err(); err != nil {
		a.Fail(fmt.Errorf("%w: %v", ErrTransport, err))
		return a.Result()
	}
	if err := ctx.Err(); err != nil {
		a.Fail(fmt.Errorf("%w: %v", ErrTransport, err))
		return a.Result()
	}
	a.mu.Lock()
	a.done = true
	a.mu.Unlock()
	return a.Result()
}
