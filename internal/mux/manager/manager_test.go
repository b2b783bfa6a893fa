package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
	"github.com/antonkrylov/muxkit/internal/mux/factory"
	"github.com/antonkrylov/muxkit/internal/mux/muxtest"
)

func newFake(t *testing.T, typ string, bus *events.Bus) *muxtest.FakeBackend {
	t.Helper()
	b := muxtest.New(typ, bus)
	if res := b.Initialize(context.Background(), mux.Config{}); !res.OK {
		t.Fatalf("initialize %s: %s", typ, res.Err)
	}
	return b
}

func TestPrimaryFallbackFailsOverOnErrors(t *testing.T) {
	ctx := context.Background()
	primary := newFake(t, "primary", nil)
	primary.FailExec = "pipe wedged"
	secondary := newFake(t, "secondary", nil)

	m := New(Config{Strategy: StrategyPrimaryFallback, MaxRetries: 3, RetryDelay: time.Millisecond, UnhealthyErrorRate: 0.4}, nil, nil)
	defer m.Close(ctx)
	if err := m.AddBackend("primary", primary, 1); err != nil {
		t.Fatalf("add primary: %v", err)
	}
	if err := m.AddBackend("secondary", secondary, 1); err != nil {
		t.Fatalf("add secondary: %v", err)
	}

	res := m.ExecuteCommand(ctx, mux.Target{}, "echo over", mux.ExecutionContext{})
	if !res.OK {
		t.Fatalf("failover execute: %s", res.Err)
	}
	if got := secondary.Executed(); len(got) != 1 || got[0] != "echo over" {
		t.Fatalf("secondary executed %v", got)
	}
}

func TestRoundRobinSpreadsLoad(t *testing.T) {
	ctx := context.Background()
	a := newFake(t, "a", nil)
	b := newFake(t, "b", nil)
	m := New(Config{Strategy: StrategyRoundRobin}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("a", a, 1)
	m.AddBackend("b", b, 1)

	for i := 0; i < 6; i++ {
		if res := m.ExecuteCommand(ctx, mux.Target{}, fmt.Sprintf("c-%d", i), mux.ExecutionContext{}); !res.OK {
			t.Fatalf("command %d: %s", i, res.Err)
		}
	}
	if na, nb := len(a.Executed()), len(b.Executed()); na != 3 || nb != 3 {
		t.Fatalf("distribution a=%d b=%d, want 3/3", na, nb)
	}
}

func TestLeastConnectionsAvoidsBusyBackend(t *testing.T) {
	ctx := context.Background()
	busy := newFake(t, "busy", nil)
	busy.ExecDelay = 150 * time.Millisecond
	idle := newFake(t, "idle", nil)
	m := New(Config{Strategy: StrategyLeastConnections}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("busy", busy, 1)
	m.AddBackend("idle", idle, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ExecuteCommand(ctx, mux.Target{}, "slow", mux.ExecutionContext{})
	}()
	time.Sleep(20 * time.Millisecond)
	if res := m.ExecuteCommand(ctx, mux.Target{}, "fast", mux.ExecutionContext{}); !res.OK {
		t.Fatalf("fast command: %s", res.Err)
	}
	<-done
	if got := idle.Executed(); len(got) != 1 || got[0] != "fast" {
		t.Fatalf("idle executed %v, want the fast command", got)
	}
}

func TestStickyAssignmentPinsUser(t *testing.T) {
	ctx := context.Background()
	a := newFake(t, "a", nil)
	b := newFake(t, "b", nil)
	m := New(Config{Strategy: StrategyRoundRobin, Sticky: true}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("a", a, 1)
	m.AddBackend("b", b, 1)

	ec := mux.ExecutionContext{UserID: "user-7"}
	for i := 0; i < 5; i++ {
		if res := m.ExecuteCommand(ctx, mux.Target{}, "pinned", ec); !res.OK {
			t.Fatalf("command %d: %s", i, res.Err)
		}
	}
	na, nb := len(a.Executed()), len(b.Executed())
	if na != 5 && nb != 5 {
		t.Fatalf("sticky user split across backends: a=%d b=%d", na, nb)
	}
}

func TestExecuteWithRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	b := newFake(t, "flaky", nil)
	m := New(Config{MaxRetries: 2, RetryDelay: time.Millisecond}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("flaky", b, 1)

	attempts := 0
	res := ExecuteWith(ctx, m, mux.ExecutionContext{}, func(ctx context.Context, b mux.Backend) mux.Result[string] {
		attempts++
		if attempts == 1 {
			return mux.Failf[string]("transient fault")
		}
		return mux.Ok("recovered")
	})
	if !res.OK || res.Data != "recovered" {
		t.Fatalf("result = %+v", res)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryBudgetCapsAttempts(t *testing.T) {
	ctx := context.Background()
	b := newFake(t, "doomed", nil)
	m := New(Config{MaxRetries: 2, RetryDelay: time.Millisecond, UnhealthyErrorRate: 1.1}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("doomed", b, 1)

	attempts := 0
	res := ExecuteWith(ctx, m, mux.ExecutionContext{}, func(ctx context.Context, b mux.Backend) mux.Result[string] {
		attempts++
		return mux.Failf[string]("attempt %d refused", attempts)
	})
	if res.OK {
		t.Fatalf("expected failure, got %+v", res)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want exactly 2", attempts)
	}
	if res.Err != "attempt 2 refused" {
		t.Fatalf("err = %q, want the last attempt's message", res.Err)
	}
}

// seedWindow backfills one backend's rolling counters so selection tests can
// start from a known history.
func seedWindow(t *testing.T, m *Manager, id string, latency time.Duration, outcomes []bool, streak int) {
	t.Helper()
	m.mu.Lock()
	mb := m.backends[id]
	m.mu.Unlock()
	if mb == nil {
		t.Fatalf("backend %q not managed", id)
	}
	mb.mu.Lock()
	mb.latencies = []time.Duration{latency}
	mb.window = append([]bool(nil), outcomes...)
	mb.consecFails = streak
	mb.mu.Unlock()
}

func TestPerformanceStrategyWeighsSuccessRate(t *testing.T) {
	ctx := context.Background()
	m := New(Config{Strategy: StrategyPerformance}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("fast-flaky", newFake(t, "fast-flaky", nil), 1)
	m.AddBackend("steady", newFake(t, "steady", nil), 1)

	// Lowest latency alone would pick the flaky backend; the composite must
	// weigh its failure rate as well.
	seedWindow(t, m, "fast-flaky", time.Millisecond, []bool{false, false, false, true}, 0)
	seedWindow(t, m, "steady", 5*time.Millisecond, []bool{true, true, true, true}, 0)

	mb, err := m.selectBackend(mux.ExecutionContext{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if mb.id != "steady" {
		t.Fatalf("selected %q, want the reliable backend", mb.id)
	}
}

func TestHealthStrategyPenalizesFailureStreaks(t *testing.T) {
	ctx := context.Background()
	m := New(Config{Strategy: StrategyHealth}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("streaky", newFake(t, "streaky", nil), 1)
	m.AddBackend("stable", newFake(t, "stable", nil), 1)

	// Equal error rates over the window; the consecutive-failure streak is
	// what separates the two.
	seedWindow(t, m, "streaky", time.Millisecond, []bool{true, true}, 5)
	seedWindow(t, m, "stable", 4*time.Millisecond, []bool{true, true}, 0)

	mb, err := m.selectBackend(mux.ExecutionContext{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if mb.id != "stable" {
		t.Fatalf("selected %q, want the backend without a failure streak", mb.id)
	}
}

func TestMissingSessionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	a := newFake(t, "a", nil)
	b := newFake(t, "b", nil)
	m := New(Config{Strategy: StrategyPrimaryFallback, MaxRetries: 3, RetryDelay: time.Millisecond, UnhealthyErrorRate: 0.4}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("a", a, 1)
	m.AddBackend("b", b, 1)

	res := m.DestroySession(ctx, "no-such-session", mux.ExecutionContext{})
	if res.OK {
		t.Fatalf("destroy of a missing session succeeded")
	}
	if !strings.Contains(res.Err, mux.ErrSessionNotFound.Error()) {
		t.Fatalf("err = %q", res.Err)
	}
	mm := m.Metrics()
	if mm[0].Calls != 1 {
		t.Fatalf("calls = %d, want a single attempt", mm[0].Calls)
	}
	if mm[0].Failures != 0 {
		t.Fatalf("failures = %d, missing session counted as a backend fault", mm[0].Failures)
	}
	if !m.Healthy() {
		t.Fatalf("backend quarantined by a caller error")
	}
}

func TestErrorRateMarksBackendUnhealthy(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil)
	defer bus.Close()
	id, ch := bus.Subscribe(events.BackendMarkedUnhealthy)
	defer bus.Unsubscribe(id)

	b := newFake(t, "failing", bus)
	b.FailExec = "broken pipe"
	m := New(Config{MaxRetries: 2, RetryDelay: time.Millisecond, UnhealthyErrorRate: 0.5}, nil, bus)
	defer m.Close(ctx)
	m.AddBackend("failing", b, 1)

	if res := m.ExecuteCommand(ctx, mux.Target{}, "doomed", mux.ExecutionContext{}); res.OK {
		t.Fatalf("expected failure")
	}
	select {
	case evt := <-ch:
		if evt.BackendID != "failing" {
			t.Fatalf("event backend = %q", evt.BackendID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no unhealthy event")
	}
	res := m.ExecuteCommand(ctx, mux.Target{}, "after", mux.ExecutionContext{})
	if res.OK || res.Err != mux.ErrNoHealthyBackend.Error() {
		t.Fatalf("post-quarantine result = %+v", res)
	}
}

func TestHealthLoopRestoresRouting(t *testing.T) {
	ctx := context.Background()
	b := newFake(t, "recovering", nil)
	b.FailExec = "down"
	m := New(Config{MaxRetries: 1, RetryDelay: time.Millisecond, UnhealthyErrorRate: 0.5, HealthCheckInterval: 10 * time.Millisecond}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("recovering", b, 1)

	m.ExecuteCommand(ctx, mux.Target{}, "fail", mux.ExecutionContext{})
	if m.Healthy() {
		t.Fatalf("backend still routable after crossing the error threshold")
	}

	b.FailExec = ""
	m.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for !m.Healthy() {
		if time.Now().After(deadline) {
			t.Fatalf("health loop never restored routing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if res := m.ExecuteCommand(ctx, mux.Target{}, "echo back", mux.ExecutionContext{}); !res.OK {
		t.Fatalf("post-recovery command: %s", res.Err)
	}
}

func TestHotSwapDrainsInFlightWork(t *testing.T) {
	ctx := context.Background()
	old := newFake(t, "old", nil)
	old.ExecDelay = 100 * time.Millisecond
	m := New(Config{DrainTimeout: 2 * time.Second}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("main", old, 1)

	var inFlight mux.Result[*mux.CommandExecution]
	done := make(chan struct{})
	go func() {
		defer close(done)
		inFlight = m.ExecuteCommand(ctx, mux.Target{}, "echo draining", mux.ExecutionContext{})
	}()
	time.Sleep(20 * time.Millisecond)

	fresh := newFake(t, "fresh", nil)
	if err := m.HotSwap(ctx, "main", fresh); err != nil {
		t.Fatalf("hot swap: %v", err)
	}
	<-done
	if !inFlight.OK || inFlight.Data.Output != "draining" {
		t.Fatalf("in-flight command = %+v", inFlight)
	}
	if !old.ShutdownCalled() {
		t.Fatalf("old backend not shut down after swap")
	}
	if res := m.ExecuteCommand(ctx, mux.Target{}, "echo next", mux.ExecutionContext{}); !res.OK {
		t.Fatalf("post-swap command: %s", res.Err)
	}
	if got := fresh.Executed(); len(got) != 1 {
		t.Fatalf("fresh backend executed %v", got)
	}
}

func TestHotSwapFromFactoryReplacesSameType(t *testing.T) {
	ctx := context.Background()
	f := factory.New(nil, nil)
	if err := f.Register(factory.Registration{
		Type: "fake",
		New: func(logger *slog.Logger, bus *events.Bus) (mux.Backend, error) {
			return muxtest.New("fake", bus), nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	old := newFake(t, "fake", nil)
	m := New(Config{DrainTimeout: time.Second}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("main", old, 1)

	if err := m.HotSwapFromFactory(ctx, "main", f, mux.Config{}); err != nil {
		t.Fatalf("hot swap from factory: %v", err)
	}
	if !old.ShutdownCalled() {
		t.Fatalf("old instance still running after swap")
	}
	res := m.ExecuteCommand(ctx, mux.Target{}, "echo fresh", mux.ExecutionContext{})
	if !res.OK || res.Data.Output != "fresh" {
		t.Fatalf("post-swap command = %+v", res)
	}
	if got := old.Executed(); len(got) != 0 {
		t.Fatalf("old instance served after swap: %v", got)
	}
	mm := m.Metrics()
	if len(mm) != 1 || mm[0].Type != "fake" {
		t.Fatalf("metrics = %+v, want one backend of the original type", mm)
	}
}

func TestRemoveBackendShutsDown(t *testing.T) {
	ctx := context.Background()
	b := newFake(t, "gone", nil)
	m := New(Config{}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("gone", b, 1)

	if err := m.RemoveBackend(ctx, "gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !b.ShutdownCalled() {
		t.Fatalf("removed backend not shut down")
	}
	if err := m.RemoveBackend(ctx, "gone"); err == nil {
		t.Fatalf("double remove accepted")
	}
}

func TestPerformanceWarningOnSlowProbe(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil)
	defer bus.Close()
	id, ch := bus.Subscribe(events.PerformanceWarning)
	defer bus.Unsubscribe(id)

	b := newFake(t, "slow", bus)
	m := New(Config{HealthCheckInterval: 10 * time.Millisecond, MaxLatency: time.Nanosecond}, nil, bus)
	defer m.Close(ctx)
	m.AddBackend("slow", b, 1)
	m.Start(ctx)

	select {
	case evt := <-ch:
		if evt.BackendID != "slow" {
			t.Fatalf("event backend = %q", evt.BackendID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no performance warning")
	}
}

func TestHundredConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	a := newFake(t, "a", nil)
	b := newFake(t, "b", nil)
	m := New(Config{Strategy: StrategyLeastConnections}, nil, nil)
	defer m.Close(ctx)
	m.AddBackend("a", a, 1)
	m.AddBackend("b", b, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("load-%d", i)
			res := m.CreateSession(ctx, name, mux.ExecutionContext{})
			if !res.OK {
				errs <- errors.New(res.Err)
				return
			}
			if exec := m.ExecuteCommand(ctx, mux.Target{SessionID: res.Data.ID}, "echo hi", mux.ExecutionContext{}); !exec.OK {
				errs <- errors.New(exec.Err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent session workload: %v", err)
	}

	total := 0
	for _, backend := range []*muxtest.FakeBackend{a, b} {
		res := backend.ListSessions(ctx, mux.ExecutionContext{})
		if !res.OK {
			t.Fatalf("list: %s", res.Err)
		}
		total += len(res.Data)
	}
	if total != 100 {
		t.Fatalf("sessions across backends = %d, want 100", total)
	}
}
