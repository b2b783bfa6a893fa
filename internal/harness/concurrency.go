package harness

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/antonkrylov/muxkit/internal/mux"
	"github.com/antonkrylov/muxkit/internal/mux/manager"
)

// ConcurrencyResult aggregates one stress scenario.
type ConcurrencyResult struct {
	Scenario  string
	Attempts  int
	Succeeded int
	Rejected  int // expected rejections, e.g. name collisions
	Errors    []string
}

func (r *ConcurrencyResult) addError(err string) {
	if len(r.Errors) < 20 {
		r.Errors = append(r.Errors, err)
	}
}

// ConcurrencySuite stresses one surface through the public contract; given a
// manager it exercises the whole routed stack.
type ConcurrencySuite struct {
	surface Surface
	logger  *slog.Logger
}

// NewConcurrencySuite wraps an initialized backend or manager.
func NewConcurrencySuite(s Surface, logger *slog.Logger) *ConcurrencySuite {
	if logger == nil {
		logger = discardLogger
	}
	return &ConcurrencySuite{surface: s, logger: logger}
}

// UniqueSessionStorm creates n sessions with distinct names concurrently;
// every creation must succeed.
func (s *ConcurrencySuite) UniqueSessionStorm(ctx context.Context, n int) *ConcurrencyResult {
	result := &ConcurrencyResult{Scenario: "unique-session-storm", Attempts: n}
	var mu sync.Mutex
	var wg sync.WaitGroup
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := s.surface.CreateSession(ctx, fmt.Sprintf("storm-%d", i), mux.ExecutionContext{})
			mu.Lock()
			defer mu.Unlock()
			if res.OK {
				result.Succeeded++
				ids = append(ids, res.Data.ID)
			} else {
				result.addError(res.Err)
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		s.surface.DestroySession(ctx, id, mux.ExecutionContext{})
	}
	return result
}

// CollidingSessionNames races n creations of the same name; exactly one may
// win, the rest must be rejected cleanly rather than corrupting state.
func (s *ConcurrencySuite) CollidingSessionNames(ctx context.Context, n int, name string) *ConcurrencyResult {
	result := &ConcurrencyResult{Scenario: "colliding-session-names", Attempts: n}
	var mu sync.Mutex
	var wg sync.WaitGroup
	var winner string
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.surface.CreateSession(ctx, name, mux.ExecutionContext{})
			mu.Lock()
			defer mu.Unlock()
			if res.OK {
				result.Succeeded++
				winner = res.Data.ID
				return
			}
			if strings.Contains(res.Err, mux.ErrSessionExists.Error()) {
				result.Rejected++
				return
			}
			result.addError(res.Err)
		}()
	}
	wg.Wait()
	if winner != "" {
		s.surface.DestroySession(ctx, winner, mux.ExecutionContext{})
	}
	return result
}

// CommandFlood runs workers*perWorker commands concurrently against one
// session and verifies every result round-trips.
func (s *ConcurrencySuite) CommandFlood(ctx context.Context, workers, perWorker int) *ConcurrencyResult {
	result := &ConcurrencyResult{Scenario: "command-flood", Attempts: workers * perWorker}
	sess := s.surface.CreateSession(ctx, "flood", mux.ExecutionContext{})
	if !sess.OK {
		result.addError(sess.Err)
		return result
	}
	defer s.surface.DestroySession(ctx, sess.Data.ID, mux.ExecutionContext{})
	target := mux.Target{SessionID: sess.Data.ID}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				want := fmt.Sprintf("w%d-%d", w, i)
				res := s.surface.ExecuteCommand(ctx, target, "echo "+want, mux.ExecutionContext{})
				mu.Lock()
				if res.OK && strings.HasSuffix(res.Data.Output, want) {
					result.Succeeded++
				} else if res.OK {
					result.addError(fmt.Sprintf("got %q want %q", res.Data.Output, want))
				} else {
					result.addError(res.Err)
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return result
}

// OrderedBatches submits sequence-tagged batches and verifies each batch's
// results come back in submission order.
func (s *ConcurrencySuite) OrderedBatches(ctx context.Context, batches, size int) *ConcurrencyResult {
	result := &ConcurrencyResult{Scenario: "ordered-batches", Attempts: batches}
	sess := s.surface.CreateSession(ctx, "ordered", mux.ExecutionContext{})
	if !sess.OK {
		result.addError(sess.Err)
		return result
	}
	defer s.surface.DestroySession(ctx, sess.Data.ID, mux.ExecutionContext{})
	target := mux.Target{SessionID: sess.Data.ID}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for b := 0; b < batches; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			commands := make([]string, size)
			for i := range commands {
				commands[i] = fmt.Sprintf("echo seq-%d-%d", b, i)
			}
			res := s.surface.ExecuteBatch(ctx, target, commands, mux.ExecutionContext{})
			mu.Lock()
			defer mu.Unlock()
			if !res.OK {
				result.addError(res.Err)
				return
			}
			for i, exec := range res.Data {
				tag := fmt.Sprintf("seq-%d-%d", b, i)
				if !strings.HasSuffix(exec.Output, tag) {
					result.addError(fmt.Sprintf("batch %d position %d: got %q want suffix %q", b, i, exec.Output, tag))
					return
				}
			}
			result.Succeeded++
		}(b)
	}
	wg.Wait()
	return result
}

// HotSwapUnderLoad churns create/exec/destroy cycles through the manager
// while the backend under id is hot-swapped mid-flight. Operations that lose
// their session to the swap count as rejected; everything else must keep
// succeeding across the swap.
func HotSwapUnderLoad(ctx context.Context, m *manager.Manager, id string, replace func(ctx context.Context) (mux.Backend, error), workers, perWorker int) *ConcurrencyResult {
	result := &ConcurrencyResult{Scenario: "hot-swap-under-load", Attempts: workers * perWorker}
	half := workers * perWorker / 2
	if half < 1 {
		half = 1
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		finished int
		swapOnce sync.Once
		swapErr  error
	)
	classify := func(errMsg string) {
		if strings.Contains(errMsg, mux.ErrSessionNotFound.Error()) {
			result.Rejected++
			return
		}
		result.addError(errMsg)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				name := fmt.Sprintf("swap-%d-%d", w, i)
				sess := m.CreateSession(ctx, name, mux.ExecutionContext{})
				var failure string
				if sess.OK {
					target := mux.Target{SessionID: sess.Data.ID}
					if exec := m.ExecuteCommand(ctx, target, "echo "+name, mux.ExecutionContext{}); !exec.OK {
						failure = exec.Err
					}
					if del := m.DestroySession(ctx, sess.Data.ID, mux.ExecutionContext{}); !del.OK && failure == "" {
						failure = del.Err
					}
				} else {
					failure = sess.Err
				}

				mu.Lock()
				if failure == "" {
					result.Succeeded++
				} else {
					classify(failure)
				}
				finished++
				trigger := finished == half
				mu.Unlock()

				if trigger {
					swapOnce.Do(func() {
						fresh, err := replace(ctx)
						if err != nil {
							swapErr = err
							return
						}
						swapErr = m.HotSwap(ctx, id, fresh)
					})
				}
			}
		}(w)
	}
	wg.Wait()
	if swapErr != nil {
		result.addError(fmt.Sprintf("hot swap: %v", swapErr))
	}
	return result
}

// HeapGrowth reports retained heap bytes across fn, after settling the
// collector on both sides. Useful for spotting leaks in create/destroy
// cycles.
func HeapGrowth(fn func()) int64 {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	fn()
	runtime.GC()
	runtime.ReadMemStats(&after)
	return int64(after.HeapAlloc) - int64(before.HeapAlloc)
}

// FormatResult renders one result for CLI output.
func FormatResult(r *ConcurrencyResult) string {
	var sb strings.Builder
	sb.WriteString(r.Scenario)
	sb.WriteString(": ")
	sb.WriteString(strconv.Itoa(r.Succeeded))
	sb.WriteString("/")
	sb.WriteString(strconv.Itoa(r.Attempts))
	sb.WriteString(" ok")
	if r.Rejected > 0 {
		sb.WriteString(fmt.Sprintf(", %d rejected", r.Rejected))
	}
	if len(r.Errors) > 0 {
		sb.WriteString(fmt.Sprintf(", %d errors (first: %s)", len(r.Errors), r.Errors[0]))
	}
	return sb.String()
}
