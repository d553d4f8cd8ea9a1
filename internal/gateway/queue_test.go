package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/khappy/internal/types"
)

func startQueue(t *testing.T, concurrency int64) *Queue {
	t.Helper()
	q := NewQueue(concurrency)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func inbound(key, text string) *Run {
	return NewRun(&types.InboundEvent{Key: types.TranscriptKey(key), Text: text})
}

func TestQueueCapsConcurrency(t *testing.T) {
	q := startQueue(t, 2)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	q.SetProcessor(func(run *Run) error {
		defer wg.Done()
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	wg.Add(5)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(inbound(fmt.Sprintf("lane-%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("expected at most 2 concurrent runs, saw %d", p)
	}
}

func TestQueueLaneIsFIFO(t *testing.T) {
	q := startQueue(t, 4)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	q.SetProcessor(func(run *Run) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, run.Event.Text)
		if len(order) == 3 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(inbound("same-lane", fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runs")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != fmt.Sprint(i) {
			t.Errorf("expected order[%d] = %d, got %s", i, i, v)
		}
	}
}

func TestQueueRunLifecycle(t *testing.T) {
	q := startQueue(t, 1)
	finished := make(chan *Run, 1)
	q.SetProcessor(func(run *Run) error {
		if run.Status != RunStatusRunning || run.StartedAt == nil {
			t.Errorf("expected running run, got %s", run.Status)
		}
		if run.Ctx == nil {
			t.Error("expected run context")
		}
		finished <- run
		return nil
	})

	run := inbound("k", "x")
	if run.Status != RunStatusQueued {
		t.Errorf("expected queued, got %s", run.Status)
	}
	if err := q.Enqueue(run); err != nil {
		t.Fatal(err)
	}
	<-finished
	if !q.WaitIdle(time.Second) {
		t.Fatal("queue did not go idle")
	}
	if run.Status != RunStatusComplete || run.EndedAt == nil {
		t.Errorf("expected complete run, got %s", run.Status)
	}
}

func TestQueueRetiresIdleLanes(t *testing.T) {
	q := startQueue(t, 1)
	var processed atomic.Int32
	q.SetProcessor(func(*Run) error {
		processed.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(inbound(fmt.Sprintf("chat-%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for processed.Load() < 3 || q.Lanes() != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected lanes to retire, processed=%d lanes=%d", processed.Load(), q.Lanes())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A retired key gets a fresh lane.
	if err := q.Enqueue(inbound("chat-0", "again")); err != nil {
		t.Fatal(err)
	}
}

func TestQueueLaneFull(t *testing.T) {
	q := startQueue(t, 1)
	release := make(chan struct{})
	q.SetProcessor(func(*Run) error {
		<-release
		return nil
	})
	defer close(release)

	var err error
	for i := 0; i <= defaultLaneDepth+1 && err == nil; i++ {
		err = q.Enqueue(inbound("busy", fmt.Sprint(i)))
	}
	if !errors.Is(err, ErrLaneFull) {
		t.Errorf("expected ErrLaneFull, got %v", err)
	}
}

func TestQueueNoProcessor(t *testing.T) {
	q := startQueue(t, 1)
	if err := q.Enqueue(inbound("no-proc", "x")); err != nil {
		t.Fatal(err)
	}
	if !q.WaitIdle(time.Second) {
		t.Error("expected queue to stay idle without a processor")
	}
}

func TestQueueStopped(t *testing.T) {
	q := NewQueue(1)
	if err := q.Enqueue(inbound("k", "early")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped before Start, got %v", err)
	}
	q.Start(context.Background())
	q.Stop()

	if err := q.Enqueue(inbound("k", "late")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestQueueErrorCallback(t *testing.T) {
	q := startQueue(t, 1)
	boom := errors.New("boom")
	q.SetProcessor(func(*Run) error { return boom })

	got := make(chan error, 1)
	run := inbound("k", "x")
	run.OnError = func(err error) { got <- err }
	if err := q.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-got:
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error callback")
	}
	if run.Status != RunStatusFailed || !errors.Is(run.Error, boom) {
		t.Errorf("expected failed run, got %s (%v)", run.Status, run.Error)
	}
}
