package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/muxkit/internal/events"
)

type fakeExec struct {
	mu      sync.Mutex
	singles []string
	batches [][]string
	delay   time.Duration
	err     error
	partial int // with err set, return this many results before failing
}

func (f *fakeExec) ExecuteCommand(ctx context.Context, command string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.singles = append(f.singles, command)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return command, nil
}

func (f *fakeExec) ExecuteBatchPinned(ctx context.Context, commands []string) ([]string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), commands...))
	err := f.err
	partial := f.partial
	f.mu.Unlock()
	if err != nil {
		if partial > len(commands) {
			partial = len(commands)
		}
		return commands[:partial], err
	}
	return commands, nil
}

func (f *fakeExec) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeExec) singleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.singles)
}

func TestCoalescesWhileBudgetIsSpent(t *testing.T) {
	exec := &fakeExec{delay: 60 * time.Millisecond}
	b := New(Config{MaxBatchSize: 16, MaxBatchWait: 20 * time.Millisecond, MaxConcurrentBatches: 1}, exec, "b1", nil, nil)
	defer b.Close()

	var wg sync.WaitGroup
	results := make([]string, 4)
	errs := make([]error, 4)
	// First command takes the only dispatch slot; the following three must
	// coalesce into a single pinned batch.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = b.Do(context.Background(), "cmd-0")
	}()
	time.Sleep(10 * time.Millisecond)
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Do(context.Background(), fmt.Sprintf("cmd-%d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		if results[i] != fmt.Sprintf("cmd-%d", i) {
			t.Fatalf("command %d got %q", i, results[i])
		}
	}
	if exec.singleCount() != 1 {
		t.Fatalf("immediate dispatches = %d, want 1", exec.singleCount())
	}
	if exec.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1", exec.batchCount())
	}
	if got := len(exec.batches[0]); got != 3 {
		t.Fatalf("batch size = %d, want 3", got)
	}
}

func TestMaxBatchSizeForcesDispatch(t *testing.T) {
	exec := &fakeExec{delay: 80 * time.Millisecond}
	// A long wait would otherwise hold the queue; hitting MaxBatchSize must
	// dispatch early.
	b := New(Config{MaxBatchSize: 2, MaxBatchWait: 10 * time.Second, MaxConcurrentBatches: 1}, exec, "b1", nil, nil)
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Do(context.Background(), "blocker")
	}()
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		var inner sync.WaitGroup
		for i := 0; i < 2; i++ {
			inner.Add(1)
			go func(i int) {
				defer inner.Done()
				if _, err := b.Do(context.Background(), fmt.Sprintf("q-%d", i)); err != nil {
					t.Errorf("queued %d: %v", i, err)
				}
			}(i)
		}
		inner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("full batch never dispatched before the wait expired")
	}
	wg.Wait()
}

func TestAdaptiveModeFlipsAndEmitsEvent(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	id, ch := bus.Subscribe(events.BatchModeChanged)
	defer bus.Unsubscribe(id)

	exec := &fakeExec{delay: 30 * time.Millisecond}
	b := New(Config{
		MaxBatchWait:         5 * time.Millisecond,
		MaxConcurrentBatches: 4,
		Adaptive:             true,
		PerformanceThreshold: 10 * time.Millisecond,
		LatencyWindow:        4,
	}, exec, "b1", nil, bus)
	defer b.Close()

	// Slow immediate dispatch seeds the latency window above threshold.
	if _, err := b.Do(context.Background(), "warm"); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if _, err := b.Do(context.Background(), "now-batched"); err != nil {
		t.Fatalf("batched: %v", err)
	}
	if !b.BatchingEnabled() {
		t.Fatalf("expected batching enabled after slow samples")
	}
	evt := <-ch
	if evt.Fields["batching"] != true {
		t.Fatalf("mode event = %+v", evt)
	}
	if exec.batchCount() == 0 {
		t.Fatalf("expected batched dispatch after flip")
	}
}

func TestFlushDispatchesPartialBatch(t *testing.T) {
	exec := &fakeExec{delay: 50 * time.Millisecond}
	b := New(Config{MaxBatchSize: 16, MaxBatchWait: 10 * time.Second, MaxConcurrentBatches: 1}, exec, "b1", nil, nil)
	defer b.Close()

	go b.Do(context.Background(), "blocker")
	time.Sleep(10 * time.Millisecond)

	got := make(chan string, 1)
	go func() {
		line, err := b.Do(context.Background(), "flushed")
		if err != nil {
			t.Errorf("flushed: %v", err)
		}
		got <- line
	}()
	time.Sleep(10 * time.Millisecond)
	b.Flush()

	select {
	case line := <-got:
		if line != "flushed" {
			t.Fatalf("line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatalf("flush did not dispatch the partial batch")
	}
}

func TestBatchFailureReachesUnservedCallers(t *testing.T) {
	exec := &fakeExec{delay: 40 * time.Millisecond, err: errors.New("connection became unhealthy"), partial: 1}
	b := New(Config{MaxBatchSize: 16, MaxBatchWait: 15 * time.Millisecond, MaxConcurrentBatches: 1}, exec, "b1", nil, nil)
	defer b.Close()

	go b.Do(context.Background(), "blocker")
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	outcomes := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcomes[i] = b.Do(context.Background(), fmt.Sprintf("q-%d", i))
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range outcomes {
		if err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("failures = %d, want exactly the unserved caller", failures)
	}
}
