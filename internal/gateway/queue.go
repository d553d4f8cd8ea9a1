package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/khappy/internal/types"
)

const defaultLaneDepth = 16

var (
	// ErrLaneFull is returned when a conversation already has too many
	// pending kBot requests.
	ErrLaneFull = errors.New("too many pending requests")
	ErrStopped  = errors.New("queue stopped")
)

// Queue runs kBot requests one at a time per transcript key. A lane
// goroutine exists only while its key has pending runs; the semaphore caps
// concurrent relay calls across all lanes.
type Queue struct {
	sem       *semaphore.Weighted
	depth     int
	processor func(*Run) error
	active    atomic.Int64

	mu    sync.Mutex
	lanes map[types.TranscriptKey]chan *Run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue allowing maxConcurrent runs at once.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		sem:   semaphore.NewWeighted(maxConcurrent),
		depth: defaultLaneDepth,
		lanes: make(map[types.TranscriptKey]chan *Run),
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}

// Start must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels pending work and waits for running processors to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue appends run to the lane of its key.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return ErrStopped
	}

	lane, ok := q.lanes[run.Key]
	if !ok {
		lane = make(chan *Run, q.depth)
		q.lanes[run.Key] = lane
		q.wg.Add(1)
		go q.drain(run.Key, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLaneFull, run.Key)
	}
}

// Lanes reports how many keys currently have pending or running work.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// drain processes a lane in FIFO order and retires it once empty.
func (q *Queue) drain(key types.TranscriptKey, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run := <-lane:
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				q.retire(key)
				return
			}
			q.execute(run)
			q.sem.Release(1)
		case <-q.ctx.Done():
			q.retire(key)
			return
		default:
			q.mu.Lock()
			if len(lane) == 0 {
				delete(q.lanes, key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue) retire(key types.TranscriptKey) {
	q.mu.Lock()
	delete(q.lanes, key)
	q.mu.Unlock()
}

// execute runs one request. Failures are reported to OnError and never
// retried.
func (q *Queue) execute(run *Run) {
	if q.processor == nil {
		slog.Warn("run dropped, no processor", "run_id", string(run.ID))
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	run.Ctx = q.ctx
	run.start()
	err := q.processor(run)
	run.finish(err)
	if err == nil {
		return
	}
	slog.Error("run failed", "run_id", string(run.ID), "lane", string(run.Key), "error", err)
	if run.OnError != nil {
		run.OnError(err)
	}
}

// WaitIdle blocks until no run is executing or timeout passes. It reports
// whether the queue went idle.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for q.active.Load() != 0 {
		select {
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
	return true
}
