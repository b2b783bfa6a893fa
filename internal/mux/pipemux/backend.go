// Package pipemux is the built-in backend. Commands run against a pool of
// persistent line-oriented control processes; panes can additionally host
// interactive PTY processes for raw key input and resize. Recent pane output
// lives in compressed capture rings.
package pipemux

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
	"github.com/antonkrylov/muxkit/internal/mux/batch"
	"github.com/antonkrylov/muxkit/internal/mux/cache"
	"github.com/antonkrylov/muxkit/internal/mux/pool"
)

// Type is the backend type string pipemux registers under.
const Type = "pipemux"

type paneState struct {
	pane *mux.Pane
	ring *mux.CaptureRing
	pty  *ptyPane
}

type session struct {
	meta  *mux.Session
	panes map[string]*paneState
}

type capture struct {
	target mux.Target
	fn     mux.CaptureFunc
}

// Backend implements mux.Backend over a connection pool.
type Backend struct {
	*mux.Core

	mu       sync.Mutex
	pool     *pool.Pool
	batcher  *batch.Batcher
	cache    *cache.Cache
	sessions map[string]*session
	byName   map[string]string
	captures map[string]capture
	perfMode bool
}

// New builds an uninitialized pipemux backend. Its signature matches
// factory.Constructor.
func New(logger *slog.Logger, bus *events.Bus) *Backend {
	return &Backend{
		Core:     mux.NewCore(Type, logger, bus),
		sessions: make(map[string]*session),
		byName:   make(map[string]string),
		captures: make(map[string]capture),
	}
}

// Initialize starts the control-process pool and the batching and caching
// layers. Pool sizing comes from BackendSpecific settings.
func (b *Backend) Initialize(ctx context.Context, cfg mux.Config) mux.Result[mux.Unit] {
	if b.Initialized() {
		return mux.Ok(mux.Unit{})
	}
	poolCfg := pool.Config{
		Command:            cfg.Pool.Command,
		Args:               cfg.Pool.Args,
		PingCommand:        cfg.Pool.PingCommand,
		MinConnections:     cfg.Pool.MinConnections,
		MaxConnections:     cfg.Pool.MaxConnections,
		MaxIdleTime:        cfg.Pool.MaxIdleTime,
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
		HealthPingInterval: cfg.Pool.HealthPingInterval,
		CommandTimeout:     cfg.Pool.CommandTimeout,
	}
	if poolCfg.CommandTimeout <= 0 {
		poolCfg.CommandTimeout = cfg.CommandTimeout
	}
	// BackendSpecific keys win over the pool section so one backend in an
	// ensemble can deviate from the shared file.
	if v := cfg.Specific("control.command", ""); v != "" {
		poolCfg.Command = v
	}
	if args := cfg.Specific("control.args", ""); args != "" {
		poolCfg.Args = strings.Fields(args)
	}
	if n := specificInt(cfg, "pool.min", 0); n > 0 {
		poolCfg.MinConnections = n
	}
	if n := specificInt(cfg, "pool.max", 0); n > 0 {
		poolCfg.MaxConnections = n
	}
	p, err := pool.New(poolCfg, b.Logger())
	if err != nil {
		b.Bus().Publish(events.Event{Type: events.BackendError, BackendID: b.ID(), Err: err.Error()})
		return mux.FailErr[mux.Unit](err)
	}

	batchCfg := batch.Config{
		MaxBatchSize:         cfg.Batch.MaxBatchSize,
		MaxBatchWait:         cfg.Batch.MaxBatchWait,
		MaxConcurrentBatches: cfg.Batch.MaxConcurrentBatches,
		Adaptive:             cfg.Batch.Adaptive,
		PerformanceThreshold: cfg.Batch.PerformanceThreshold,
		LatencyWindow:        cfg.Batch.LatencyWindow,
	}
	if cfg.Batch == (mux.BatchSettings{}) {
		batchCfg.Adaptive = true
	}
	cacheCfg := cache.Config{
		TTL:             cfg.Cache.TTL,
		MaxEntries:      cfg.Cache.MaxEntries,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}

	b.mu.Lock()
	b.pool = p
	b.batcher = batch.New(batchCfg, p, b.ID(), b.Logger(), b.Bus())
	b.cache = cache.New(cacheCfg, b.Logger())
	b.perfMode = cfg.PerformanceMode
	b.mu.Unlock()

	b.MarkInitialized(cfg)
	b.Bus().Publish(events.Event{Type: events.BackendReady, BackendID: b.ID()})
	b.Logger().Info("pipemux initialized", "backend", b.ID(), "performanceMode", cfg.PerformanceMode)
	return mux.Ok(mux.Unit{})
}

func specificInt(cfg mux.Config, key string, fallback int) int {
	v := cfg.Specific(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// ReloadConfig applies a new config to a running backend. The pool keeps its
// processes; only the tunable layers react.
func (b *Backend) ReloadConfig(ctx context.Context, cfg mux.Config) mux.Result[mux.Unit] {
	if !b.Initialized() {
		return mux.FailErr[mux.Unit](mux.ErrNotInitialized)
	}
	b.SetConfig(cfg)
	b.mu.Lock()
	b.perfMode = cfg.PerformanceMode
	b.mu.Unlock()
	b.Bus().Publish(events.Event{Type: events.ConfigReloaded, BackendID: b.ID()})
	return mux.Ok(mux.Unit{})
}

func (b *Backend) PerformHealthCheck(ctx context.Context) mux.Result[mux.Health] {
	return b.ProbeHealth(ctx, func(ctx context.Context) error {
		b.mu.Lock()
		p := b.pool
		b.mu.Unlock()
		if p == nil {
			return mux.ErrNotInitialized
		}
		return p.Ping(ctx)
	})
}

func (b *Backend) TestConnectivity(ctx context.Context) mux.Result[*mux.ConnectivityReport] {
	return mux.ConnectivityProbe(ctx, b, mux.ExecutionContext{})
}

func (b *Backend) CreateSession(ctx context.Context, name string, ec mux.ExecutionContext) mux.Result[*mux.Session] {
	if !b.Initialized() {
		return mux.FailErr[*mux.Session](mux.ErrNotInitialized)
	}
	started := time.Now()
	cfg := b.Config()

	ring, err := mux.NewCaptureRing(cfg.CaptureBufferSize)
	if err != nil {
		return mux.FailErr[*mux.Session](err)
	}
	pane := &mux.Pane{ID: uuid.NewString(), Active: true, Cols: 120, Rows: 30}
	win := &mux.Window{ID: uuid.NewString(), Name: "main", Layout: "even-horizontal", Panes: []*mux.Pane{pane}}
	meta := &mux.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Windows:   []*mux.Window{win},
		CreatedAt: started,
		LastUsed:  started,
	}

	b.mu.Lock()
	if _, exists := b.byName[name]; exists {
		b.mu.Unlock()
		ring.Close()
		return mux.Failf[*mux.Session]("%s: %s", mux.ErrSessionExists, name)
	}
	b.sessions[meta.ID] = &session{
		meta:  meta,
		panes: map[string]*paneState{pane.ID: {pane: pane, ring: ring}},
	}
	b.byName[name] = meta.ID
	// Callers and the cache only ever see snapshots; the live record stays
	// behind b.mu.
	snap := meta.Clone()
	b.mu.Unlock()

	b.cache.Set(cache.SessionKey(meta.ID), snap)
	b.Bus().Publish(events.Event{Type: events.SessionCreated, BackendID: b.ID(), SessionID: meta.ID, RequestID: ec.RequestID})
	b.Logger().Info("session created", "session", meta.ID, "name", name)
	return mux.OkTimed(snap, started)
}

func (b *Backend) DestroySession(ctx context.Context, id string, ec mux.ExecutionContext) mux.Result[mux.Unit] {
	if !b.Initialized() {
		return mux.FailErr[mux.Unit](mux.ErrNotInitialized)
	}
	b.mu.Lock()
	sess, ok := b.sessions[id]
	if !ok {
		b.mu.Unlock()
		return mux.FailErr[mux.Unit](mux.ErrSessionNotFound)
	}
	delete(b.sessions, id)
	delete(b.byName, sess.meta.Name)
	b.mu.Unlock()

	for _, ps := range sess.panes {
		if ps.pty != nil {
			ps.pty.close()
		}
		ps.ring.Close()
	}
	b.cache.InvalidateSession(id)
	b.cache.Delete(cache.SessionKey(id))
	b.Bus().Publish(events.Event{Type: events.SessionDestroyed, BackendID: b.ID(), SessionID: id, RequestID: ec.RequestID})
	b.Logger().Info("session destroyed", "session", id)
	return mux.Ok(mux.Unit{})
}

func (b *Backend) GetSession(ctx context.Context, id string, ec mux.ExecutionContext) mux.Result[*mux.Session] {
	if !b.Initialized() {
		return mux.FailErr[*mux.Session](mux.ErrNotInitialized)
	}
	if b.performanceMode() {
		if meta, ok := cache.Lookup[*mux.Session](b.cache, cache.SessionKey(id)); ok {
			return mux.Ok(meta)
		}
	}
	b.mu.Lock()
	sess, ok := b.sessions[id]
	var snap *mux.Session
	if ok {
		snap = sess.meta.Clone()
	}
	b.mu.Unlock()
	if !ok {
		return mux.FailErr[*mux.Session](mux.ErrSessionNotFound)
	}
	b.cache.Set(cache.SessionKey(id), snap)
	return mux.Ok(snap)
}

func (b *Backend) ListSessions(ctx context.Context, ec mux.ExecutionContext) mux.Result[[]*mux.Session] {
	if !b.Initialized() {
		return mux.FailErr[[]*mux.Session](mux.ErrNotInitialized)
	}
	b.mu.Lock()
	out := make([]*mux.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.meta.Clone())
	}
	b.mu.Unlock()
	return mux.Ok(out)
}

func (b *Backend) ListWindows(ctx context.Context, sessionID string, ec mux.ExecutionContext) mux.Result[[]*mux.Window] {
	return mux.ListWindowsFromSession(ctx, b, sessionID, ec)
}

func (b *Backend) ListPanes(ctx context.Context, sessionID, windowID string, ec mux.ExecutionContext) mux.Result[[]*mux.Pane] {
	return mux.ListPanesFromSession(ctx, b, sessionID, windowID, ec)
}

// resolvePane finds the pane a target addresses, defaulting to the active
// pane of the first window.
func (b *Backend) resolvePane(target mux.Target) (*paneState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[target.SessionID]
	if !ok {
		return nil, mux.ErrSessionNotFound
	}
	if target.PaneID != "" {
		ps, ok := sess.panes[target.PaneID]
		if !ok {
			return nil, mux.ErrSessionNotFound
		}
		return ps, nil
	}
	for _, w := range sess.meta.Windows {
		if target.WindowID != "" && w.ID != target.WindowID {
			continue
		}
		for _, p := range w.Panes {
			if p.Active {
				return sess.panes[p.ID], nil
			}
		}
	}
	return nil, mux.ErrSessionNotFound
}

func (b *Backend) ExecuteCommand(ctx context.Context, target mux.Target, command string, ec mux.ExecutionContext) mux.Result[*mux.CommandExecution] {
	if !b.Initialized() {
		return mux.FailErr[*mux.CommandExecution](mux.ErrNotInitialized)
	}
	ps, err := b.resolvePane(target)
	if err != nil {
		return mux.FailErr[*mux.CommandExecution](err)
	}
	started := time.Now()

	var output string
	if b.performanceMode() {
		output, err = b.batcher.Do(ctx, command)
	} else {
		output, err = b.pool.ExecuteCommand(ctx, command)
	}
	if err != nil {
		b.RecordOutcome(false)
		b.Bus().Publish(events.Event{
			Type:      events.CommandFailed,
			BackendID: b.ID(),
			SessionID: target.SessionID,
			RequestID: ec.RequestID,
			Err:       err.Error(),
			Latency:   time.Since(started),
		})
		return mux.FailErr[*mux.CommandExecution](err)
	}

	ps.ring.Append(output)
	b.notifyCaptures(target, output)
	b.RecordOutcome(true)
	b.touchSession(target.SessionID)
	b.Bus().Publish(events.Event{
		Type:      events.CommandExecuted,
		BackendID: b.ID(),
		SessionID: target.SessionID,
		RequestID: ec.RequestID,
		Latency:   time.Since(started),
	})
	return mux.OkTimed(&mux.CommandExecution{
		ID:          uuid.NewString(),
		Command:     command,
		Output:      output,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}, started)
}

// ExecuteBatch pins the whole batch to one pooled connection so results come
// back in submission order.
func (b *Backend) ExecuteBatch(ctx context.Context, target mux.Target, commands []string, ec mux.ExecutionContext) mux.Result[[]*mux.CommandExecution] {
	if !b.Initialized() {
		return mux.FailErr[[]*mux.CommandExecution](mux.ErrNotInitialized)
	}
	ps, err := b.resolvePane(target)
	if err != nil {
		return mux.FailErr[[]*mux.CommandExecution](err)
	}
	started := time.Now()
	lines, err := b.pool.ExecuteBatchPinned(ctx, commands)

	out := make([]*mux.CommandExecution, 0, len(lines))
	for i, line := range lines {
		ps.ring.Append(line)
		b.notifyCaptures(target, line)
		out = append(out, &mux.CommandExecution{
			ID:          uuid.NewString(),
			Command:     commands[i],
			Output:      line,
			StartedAt:   started,
			CompletedAt: time.Now(),
		})
	}
	if err != nil {
		b.RecordOutcome(false)
		return mux.Result[[]*mux.CommandExecution]{
			Data:    out,
			Err:     err.Error(),
			Metrics: &mux.CallMetrics{Duration: time.Since(started), At: started},
		}
	}
	b.RecordOutcome(true)
	b.touchSession(target.SessionID)
	return mux.OkTimed(out, started)
}

func (b *Backend) CaptureOutput(ctx context.Context, target mux.Target, lines int, ec mux.ExecutionContext) mux.Result[string] {
	if !b.Initialized() {
		return mux.FailErr[string](mux.ErrNotInitialized)
	}
	ps, err := b.resolvePane(target)
	if err != nil {
		return mux.FailErr[string](err)
	}
	return mux.Ok(strings.Join(ps.ring.Tail(lines), "\n"))
}

func (b *Backend) StartContinuousCapture(ctx context.Context, target mux.Target, fn mux.CaptureFunc) mux.Result[string] {
	if !b.Initialized() {
		return mux.FailErr[string](mux.ErrNotInitialized)
	}
	if _, err := b.resolvePane(target); err != nil {
		return mux.FailErr[string](err)
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.captures[id] = capture{target: target, fn: fn}
	b.mu.Unlock()
	return mux.Ok(id)
}

func (b *Backend) StopContinuousCapture(captureID string) mux.Result[mux.Unit] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.captures[captureID]; !ok {
		return mux.Failf[mux.Unit]("capture %s not found", captureID)
	}
	delete(b.captures, captureID)
	return mux.Ok(mux.Unit{})
}

// notifyCaptures fans one output line out to subscribers watching the
// target's session.
func (b *Backend) notifyCaptures(target mux.Target, line string) {
	b.mu.Lock()
	fns := make([]mux.CaptureFunc, 0, len(b.captures))
	for _, c := range b.captures {
		if c.target.SessionID == target.SessionID {
			fns = append(fns, c.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(target, line)
	}
}

func (b *Backend) touchSession(id string) {
	b.mu.Lock()
	if sess, ok := b.sessions[id]; ok {
		sess.meta.LastUsed = time.Now()
	}
	b.mu.Unlock()
}

func (b *Backend) performanceMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perfMode
}

func (b *Backend) Capabilities() mux.Capabilities {
	return mux.Capabilities{
		ContinuousCapture:     true,
		BatchExecution:        true,
		SessionRecovery:       false,
		MaxConcurrentSessions: 256,
		MaxConcurrentCommands: 64,
	}
}

// Shutdown tears down every session and the execution layers.
func (b *Backend) Shutdown(ctx context.Context) mux.Result[mux.Unit] {
	if !b.Initialized() {
		return mux.Ok(mux.Unit{})
	}
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.byName = make(map[string]string)
	batcher, p, c := b.batcher, b.pool, b.cache
	b.mu.Unlock()

	for _, sess := range sessions {
		for _, ps := range sess.panes {
			if ps.pty != nil {
				ps.pty.close()
			}
			ps.ring.Close()
		}
	}
	if batcher != nil {
		batcher.Close()
	}
	if p != nil {
		p.Close()
	}
	if c != nil {
		c.Close()
	}
	b.MarkShutdown()
	b.Bus().Publish(events.Event{Type: events.BackendShutdown, BackendID: b.ID()})
	b.Logger().Info("pipemux shut down", "backend", b.ID(), "sessions", len(sessions))
	return mux.Ok(mux.Unit{})
}

var _ mux.Backend = (*Backend)(nil)
