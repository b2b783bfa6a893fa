package pipemux

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/muxkit/internal/mux"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(nil, nil)
	res := b.Initialize(context.Background(), mux.Config{
		CommandTimeout: 2 * time.Second,
		BackendSpecific: map[string]string{
			"control.command": "cat",
			"pool.min":        "1",
			"pool.max":        "2",
		},
	})
	if !res.OK {
		t.Fatalf("initialize: %s", res.Err)
	}
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	return b
}

func mustSession(t *testing.T, b *Backend, name string) *mux.Session {
	t.Helper()
	res := b.CreateSession(context.Background(), name, mux.ExecutionContext{})
	if !res.OK {
		t.Fatalf("create session %s: %s", name, res.Err)
	}
	return res.Data
}

func TestSessionNameCollision(t *testing.T) {
	b := newTestBackend(t)
	mustSession(t, b, "work")
	res := b.CreateSession(context.Background(), "work", mux.ExecutionContext{})
	if res.OK {
		t.Fatalf("duplicate session name accepted")
	}
	if !strings.Contains(res.Err, mux.ErrSessionExists.Error()) {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestExecuteCommandRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "exec")
	res := b.ExecuteCommand(context.Background(), mux.Target{SessionID: sess.ID}, "list-panes", mux.ExecutionContext{})
	if !res.OK {
		t.Fatalf("execute: %s", res.Err)
	}
	if res.Data.Output != "list-panes" {
		t.Fatalf("output = %q", res.Data.Output)
	}
	if res.Metrics == nil || res.Metrics.Duration <= 0 {
		t.Fatalf("missing call metrics")
	}
}

func TestCaptureOutputTailsRecentLines(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "capture")
	target := mux.Target{SessionID: sess.ID}
	for _, cmd := range []string{"one", "two", "three"} {
		if res := b.ExecuteCommand(context.Background(), target, cmd, mux.ExecutionContext{}); !res.OK {
			t.Fatalf("execute %s: %s", cmd, res.Err)
		}
	}
	res := b.CaptureOutput(context.Background(), target, 2, mux.ExecutionContext{})
	if !res.OK {
		t.Fatalf("capture: %s", res.Err)
	}
	if res.Data != "two\nthree" {
		t.Fatalf("capture = %q", res.Data)
	}
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "batch")
	commands := []string{"a", "b", "c", "d"}
	res := b.ExecuteBatch(context.Background(), mux.Target{SessionID: sess.ID}, commands, mux.ExecutionContext{})
	if !res.OK {
		t.Fatalf("batch: %s", res.Err)
	}
	for i, exec := range res.Data {
		if exec.Output != commands[i] {
			t.Fatalf("result %d = %q, want %q", i, exec.Output, commands[i])
		}
	}
}

func TestContinuousCaptureDelivers(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "stream")
	target := mux.Target{SessionID: sess.ID}

	var mu sync.Mutex
	var lines []string
	res := b.StartContinuousCapture(context.Background(), target, func(_ mux.Target, line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	if !res.OK {
		t.Fatalf("start capture: %s", res.Err)
	}
	captureID := res.Data

	b.ExecuteCommand(context.Background(), target, "streamed", mux.ExecutionContext{})
	mu.Lock()
	got := append([]string(nil), lines...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "streamed" {
		t.Fatalf("captured = %v", got)
	}

	if res := b.StopContinuousCapture(captureID); !res.OK {
		t.Fatalf("stop capture: %s", res.Err)
	}
	b.ExecuteCommand(context.Background(), target, "after-stop", mux.ExecutionContext{})
	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 {
		t.Fatalf("capture received lines after stop: %v", lines)
	}
}

func TestSplitPaneAndLayout(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "panes")
	win := sess.Windows[0]

	res := b.Extension(context.Background(), mux.SplitPaneOp{
		Target:   mux.Target{SessionID: sess.ID, WindowID: win.ID},
		Vertical: true,
	}, mux.ExecutionContext{})
	if !res.OK {
		t.Fatalf("split: %s", res.Err)
	}
	panes := b.ListPanes(context.Background(), sess.ID, win.ID, mux.ExecutionContext{})
	if !panes.OK || len(panes.Data) != 2 {
		t.Fatalf("panes = %+v", panes)
	}

	if res := b.Extension(context.Background(), mux.SelectLayoutOp{SessionID: sess.ID, WindowID: win.ID, Layout: "tiled"}, mux.ExecutionContext{}); !res.OK {
		t.Fatalf("layout: %s", res.Err)
	}
	got := b.ListWindows(context.Background(), sess.ID, mux.ExecutionContext{})
	if !got.OK || got.Data[0].Layout != "tiled" {
		t.Fatalf("windows = %+v", got)
	}
}

func TestSendKeysRequiresInteractivePane(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "keys")
	res := b.Extension(context.Background(), mux.SendKeysOp{
		Target: mux.Target{SessionID: sess.ID},
		Keys:   "ls",
	}, mux.ExecutionContext{})
	if res.OK {
		t.Fatalf("send-keys succeeded on a pane without a pty")
	}
	if !strings.Contains(res.Err, mux.ErrExtensionUnsupported.Error()) {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestInteractivePaneStreamsOutput(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "pty")
	win := sess.Windows[0]

	res := b.Extension(context.Background(), mux.SplitPaneOp{
		Target:  mux.Target{SessionID: sess.ID, WindowID: win.ID},
		Command: "echo from-pty; sleep 1",
	}, mux.ExecutionContext{})
	if !res.OK {
		t.Skipf("pty unavailable in this environment: %s", res.Err)
	}
	paneID, _ := res.Data.(string)

	target := mux.Target{SessionID: sess.ID, WindowID: win.ID, PaneID: paneID}
	deadline := time.Now().Add(3 * time.Second)
	for {
		out := b.CaptureOutput(context.Background(), target, 0, mux.ExecutionContext{})
		if out.OK && strings.Contains(out.Data, "from-pty") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pty output never reached the capture ring: %q", out.Data)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSessionReadsReturnStableSnapshots(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "snapshot")
	target := mux.Target{SessionID: sess.ID}

	before := sess.LastUsed
	windows := len(sess.Windows)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			if res := b.ExecuteCommand(context.Background(), target, fmt.Sprintf("cmd-%d", i), mux.ExecutionContext{}); !res.OK {
				t.Errorf("execute %d: %s", i, res.Err)
				return
			}
		}
	}()
	// The handed-out record must not move while the backend keeps touching
	// the live one.
	for i := 0; i < 200; i++ {
		if !sess.LastUsed.Equal(before) {
			t.Fatalf("snapshot mutated during execution: %s -> %s", before, sess.LastUsed)
		}
		if len(sess.Windows) != windows {
			t.Fatalf("snapshot window list changed during execution")
		}
	}
	<-done

	cur := b.GetSession(context.Background(), sess.ID, mux.ExecutionContext{})
	if !cur.OK {
		t.Fatalf("get: %s", cur.Err)
	}
	if cur.Data == sess {
		t.Fatalf("get returned the original record instead of a fresh snapshot")
	}
	if !cur.Data.LastUsed.After(before) {
		t.Fatalf("live record not advanced by execution: %s", cur.Data.LastUsed)
	}
}

func TestInitializeUsesConfiguredSections(t *testing.T) {
	b := New(nil, nil)
	res := b.Initialize(context.Background(), mux.Config{
		CommandTimeout: 2 * time.Second,
		Pool:           mux.PoolSettings{Command: "cat", MinConnections: 2, MaxConnections: 3},
		Batch:          mux.BatchSettings{MaxBatchSize: 4, MaxBatchWait: 5 * time.Millisecond},
		Cache:          mux.CacheSettings{TTL: time.Second, MaxEntries: 16},
	})
	if !res.OK {
		t.Fatalf("initialize: %s", res.Err)
	}
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	if got := b.pool.Size(); got != 2 {
		t.Fatalf("pool size = %d, want the configured minimum of 2", got)
	}
}

func TestBackendSpecificOverridesPoolSection(t *testing.T) {
	b := New(nil, nil)
	res := b.Initialize(context.Background(), mux.Config{
		CommandTimeout:  2 * time.Second,
		Pool:            mux.PoolSettings{Command: "cat", MinConnections: 1, MaxConnections: 4},
		BackendSpecific: map[string]string{"pool.min": "2"},
	})
	if !res.OK {
		t.Fatalf("initialize: %s", res.Err)
	}
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	if got := b.pool.Size(); got != 2 {
		t.Fatalf("pool size = %d, want the per-backend override of 2", got)
	}
}

func TestHealthCheckAgainstPool(t *testing.T) {
	b := newTestBackend(t)
	res := b.PerformHealthCheck(context.Background())
	if !res.OK {
		t.Fatalf("health check: %s", res.Err)
	}
	if !res.Data.Healthy {
		t.Fatalf("backend unhealthy: %+v", res.Data)
	}
	if h := b.Health(); !h.Healthy || h.LastCheck.IsZero() {
		t.Fatalf("cached health = %+v", h)
	}
}

func TestDestroyInvalidatesSession(t *testing.T) {
	b := newTestBackend(t)
	sess := mustSession(t, b, "gone")
	if res := b.DestroySession(context.Background(), sess.ID, mux.ExecutionContext{}); !res.OK {
		t.Fatalf("destroy: %s", res.Err)
	}
	if res := b.GetSession(context.Background(), sess.ID, mux.ExecutionContext{}); res.OK {
		t.Fatalf("destroyed session still resolvable")
	}
	// The freed name is reusable.
	mustSession(t, b, "gone")
}
