// Package muxtest provides an in-memory Backend used by factory, manager,
// and harness tests. Failure injection fields let tests force specific
// error paths without a real control process.
package muxtest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
)

// FakeBackend is a fully in-memory mux.Backend. Echo commands ("echo X")
// return X; everything else returns the command text.
type FakeBackend struct {
	*mux.Core

	// FailExec makes every ExecuteCommand fail with this message when set.
	FailExec string
	// FailCreate makes CreateSession fail when set.
	FailCreate string
	// HealthFailures forces that many upcoming health probes to fail.
	HealthFailures atomic.Int32
	// ExecDelay adds artificial latency to ExecuteCommand.
	ExecDelay time.Duration
	// InitErr makes Initialize fail when set.
	InitErr string

	mu       sync.Mutex
	sessions map[string]*mux.Session
	byName   map[string]string
	executed []string
	captures map[string]mux.CaptureFunc
	shutdown bool
}

// New creates an uninitialized fake backend of the given type string.
func New(typ string, bus *events.Bus) *FakeBackend {
	return &FakeBackend{
		Core:     mux.NewCore(typ, nil, bus),
		sessions: make(map[string]*mux.Session),
		byName:   make(map[string]string),
		captures: make(map[string]mux.CaptureFunc),
	}
}

func (f *FakeBackend) Initialize(ctx context.Context, cfg mux.Config) mux.Result[mux.Unit] {
	if f.InitErr != "" {
		return mux.Failf[mux.Unit]("%s", f.InitErr)
	}
	f.MarkInitialized(cfg)
	return mux.Ok(mux.Unit{})
}

func (f *FakeBackend) ReloadConfig(ctx context.Context, cfg mux.Config) mux.Result[mux.Unit] {
	f.SetConfig(cfg)
	return mux.Ok(mux.Unit{})
}

func (f *FakeBackend) PerformHealthCheck(ctx context.Context) mux.Result[mux.Health] {
	return f.ProbeHealth(ctx, func(ctx context.Context) error {
		if f.HealthFailures.Load() > 0 {
			f.HealthFailures.Add(-1)
			return mux.ErrConnectionUnhealthy
		}
		return f.ListSessions(ctx, mux.ExecutionContext{}).Error()
	})
}

func (f *FakeBackend) TestConnectivity(ctx context.Context) mux.Result[*mux.ConnectivityReport] {
	return mux.ConnectivityProbe(ctx, f, mux.ExecutionContext{})
}

func (f *FakeBackend) CreateSession(ctx context.Context, name string, ec mux.ExecutionContext) mux.Result[*mux.Session] {
	if !f.Initialized() {
		return mux.FailErr[*mux.Session](mux.ErrNotInitialized)
	}
	if f.FailCreate != "" {
		return mux.Failf[*mux.Session]("%s", f.FailCreate)
	}
	started := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byName[name]; exists {
		return mux.Failf[*mux.Session]("%s: %s", mux.ErrSessionExists, name)
	}
	pane := &mux.Pane{ID: uuid.NewString(), Active: true}
	win := &mux.Window{ID: uuid.NewString(), Name: "main", Panes: []*mux.Pane{pane}}
	sess := &mux.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Windows:   []*mux.Window{win},
		CreatedAt: started,
		LastUsed:  started,
	}
	f.sessions[sess.ID] = sess
	f.byName[name] = sess.ID
	return mux.OkTimed(sess, started)
}

func (f *FakeBackend) DestroySession(ctx context.Context, id string, ec mux.ExecutionContext) mux.Result[mux.Unit] {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return mux.FailErr[mux.Unit](mux.ErrSessionNotFound)
	}
	delete(f.byName, sess.Name)
	delete(f.sessions, id)
	return mux.Ok(mux.Unit{})
}

func (f *FakeBackend) GetSession(ctx context.Context, id string, ec mux.ExecutionContext) mux.Result[*mux.Session] {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return mux.FailErr[*mux.Session](mux.ErrSessionNotFound)
	}
	return mux.Ok(sess)
}

func (f *FakeBackend) ListSessions(ctx context.Context, ec mux.ExecutionContext) mux.Result[[]*mux.Session] {
	if !f.Initialized() {
		return mux.FailErr[[]*mux.Session](mux.ErrNotInitialized)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mux.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return mux.Ok(out)
}

func (f *FakeBackend) ListWindows(ctx context.Context, sessionID string, ec mux.ExecutionContext) mux.Result[[]*mux.Window] {
	return mux.ListWindowsFromSession(ctx, f, sessionID, ec)
}

func (f *FakeBackend) ListPanes(ctx context.Context, sessionID, windowID string, ec mux.ExecutionContext) mux.Result[[]*mux.Pane] {
	return mux.ListPanesFromSession(ctx, f, sessionID, windowID, ec)
}

func (f *FakeBackend) ExecuteCommand(ctx context.Context, target mux.Target, command string, ec mux.ExecutionContext) mux.Result[*mux.CommandExecution] {
	if !f.Initialized() {
		return mux.FailErr[*mux.CommandExecution](mux.ErrNotInitialized)
	}
	if f.ExecDelay > 0 {
		select {
		case <-time.After(f.ExecDelay):
		case <-ctx.Done():
			return mux.FailErr[*mux.CommandExecution](ctx.Err())
		}
	}
	if f.FailExec != "" {
		f.RecordOutcome(false)
		return mux.Failf[*mux.CommandExecution]("%s", f.FailExec)
	}
	started := time.Now()
	output := command
	if rest, ok := strings.CutPrefix(command, "echo "); ok {
		output = rest
	}
	f.mu.Lock()
	f.executed = append(f.executed, command)
	fns := make([]mux.CaptureFunc, 0, len(f.captures))
	for _, fn := range f.captures {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(target, output)
	}
	f.RecordOutcome(true)
	return mux.OkTimed(&mux.CommandExecution{
		ID:          uuid.NewString(),
		Command:     command,
		Output:      output,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}, started)
}

func (f *FakeBackend) ExecuteBatch(ctx context.Context, target mux.Target, commands []string, ec mux.ExecutionContext) mux.Result[[]*mux.CommandExecution] {
	return mux.SequentialBatch(ctx, f, target, commands, ec)
}

func (f *FakeBackend) CaptureOutput(ctx context.Context, target mux.Target, lines int, ec mux.ExecutionContext) mux.Result[string] {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if lines > 0 && lines < len(f.executed) {
		start = len(f.executed) - lines
	}
	return mux.Ok(strings.Join(f.executed[start:], "\n"))
}

func (f *FakeBackend) StartContinuousCapture(ctx context.Context, target mux.Target, fn mux.CaptureFunc) mux.Result[string] {
	id := uuid.NewString()
	f.mu.Lock()
	f.captures[id] = fn
	f.mu.Unlock()
	return mux.Ok(id)
}

func (f *FakeBackend) StopContinuousCapture(captureID string) mux.Result[mux.Unit] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.captures[captureID]; !ok {
		return mux.Failf[mux.Unit]("capture %s not found", captureID)
	}
	delete(f.captures, captureID)
	return mux.Ok(mux.Unit{})
}

func (f *FakeBackend) Extension(ctx context.Context, op mux.ExtensionOp, ec mux.ExecutionContext) mux.Result[any] {
	switch typed := op.(type) {
	case mux.SendKeysOp:
		return mux.Ok[any]("sent:" + typed.Keys)
	default:
		return mux.FailErr[any](mux.ErrExtensionUnsupported)
	}
}

func (f *FakeBackend) Capabilities() mux.Capabilities {
	return mux.Capabilities{ContinuousCapture: true, BatchExecution: true}
}

func (f *FakeBackend) Shutdown(ctx context.Context) mux.Result[mux.Unit] {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	f.MarkShutdown()
	return mux.Ok(mux.Unit{})
}

// ShutdownCalled reports whether Shutdown ran.
func (f *FakeBackend) ShutdownCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

// Executed returns the commands run so far.
func (f *FakeBackend) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

var _ mux.Backend = (*FakeBackend)(nil)
