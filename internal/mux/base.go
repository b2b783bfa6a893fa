package mux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/muxkit/internal/events"
)

const outcomeWindow = 20

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Core carries the state every backend implementation shares: identity,
// initialization flag, config, rolling health. Concrete backends embed it and
// delegate the default operations to the helpers below.
type Core struct {
	typ    string
	id     string
	logger *slog.Logger
	bus    *events.Bus

	mu          sync.Mutex
	initialized bool
	cfg         Config
	health      Health
	outcomes    []bool // last outcomeWindow operation outcomes
}

// NewCore builds backend core state. A nil logger discards output; a nil bus
// swallows events.
func NewCore(typ string, logger *slog.Logger, bus *events.Bus) *Core {
	if logger == nil {
		logger = discardLogger
	}
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Core{
		typ:    typ,
		id:     uuid.NewString(),
		logger: logger,
		bus:    bus,
		health: Health{Healthy: true},
	}
}

func (c *Core) Type() string         { return c.typ }
func (c *Core) ID() string           { return c.id }
func (c *Core) Logger() *slog.Logger { return c.logger }
func (c *Core) Bus() *events.Bus     { return c.bus }

// Initialized reports whether Initialize completed.
func (c *Core) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// MarkInitialized records the active config and flips the initialized flag.
func (c *Core) MarkInitialized(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.initialized = true
}

// MarkShutdown clears the initialized flag.
func (c *Core) MarkShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
}

// Config returns the active configuration.
func (c *Core) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig swaps the active configuration (ReloadConfig path).
func (c *Core) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Health returns the cached health snapshot.
func (c *Core) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// RecordOutcome feeds the rolling error-rate window with one operation
// result.
func (c *Core) RecordOutcome(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, ok)
	if len(c.outcomes) > outcomeWindow {
		c.outcomes = c.outcomes[len(c.outcomes)-outcomeWindow:]
	}
}

func (c *Core) errorRateLocked() float64 {
	if len(c.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range c.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(c.outcomes))
}

// RecordHealthCheck folds one health-check result into the snapshot and
// emits degraded/recovered transitions. A single failing check marks the
// backend unhealthy; the first subsequent success resets consecutive
// failures and recovers it.
func (c *Core) RecordHealthCheck(ok bool, latency time.Duration, err error) Health {
	c.mu.Lock()
	wasHealthy := c.health.Healthy
	c.health.Latency = latency
	c.health.LastCheck = time.Now()
	c.health.ErrorRate = c.errorRateLocked()
	if ok {
		c.health.ConsecutiveFailures = 0
		c.health.Healthy = true
	} else {
		c.health.ConsecutiveFailures++
		c.health.Healthy = false
	}
	snapshot := c.health
	c.mu.Unlock()

	evt := events.Event{BackendID: c.id, Latency: latency}
	if err != nil {
		evt.Err = err.Error()
	}
	switch {
	case wasHealthy && !snapshot.Healthy:
		evt.Type = events.HealthDegraded
		c.logger.Warn("backend health degraded", "backend", c.id, "type", c.typ, "err", evt.Err)
		c.bus.Publish(evt)
	case !wasHealthy && snapshot.Healthy:
		evt.Type = events.HealthRecovered
		c.logger.Info("backend health recovered", "backend", c.id, "type", c.typ)
		c.bus.Publish(evt)
	default:
		evt.Type = events.HealthCheck
		c.bus.Publish(evt)
	}
	return snapshot
}

// ProbeHealth runs probe, times it, and records the outcome. This is the
// default PerformHealthCheck body: backends pass a cheap read such as
// ListSessions.
func (c *Core) ProbeHealth(ctx context.Context, probe func(context.Context) error) Result[Health] {
	if !c.Initialized() {
		return FailErr[Health](ErrNotInitialized)
	}
	started := time.Now()
	err := probe(ctx)
	snapshot := c.RecordHealthCheck(err == nil, time.Since(started), err)
	return OkTimed(snapshot, started)
}

// ListWindowsFromSession derives the window list from GetSession. Default
// for backends without a cheaper native query.
func ListWindowsFromSession(ctx context.Context, b Backend, sessionID string, ec ExecutionContext) Result[[]*Window] {
	res := b.GetSession(ctx, sessionID, ec)
	if !res.OK {
		return Result[[]*Window]{Err: res.Err, Metrics: res.Metrics}
	}
	return Result[[]*Window]{OK: true, Data: res.Data.Windows, Metrics: res.Metrics}
}

// ListPanesFromSession derives the pane list from GetSession. With an empty
// windowID it returns the panes of every window.
func ListPanesFromSession(ctx context.Context, b Backend, sessionID, windowID string, ec ExecutionContext) Result[[]*Pane] {
	res := b.GetSession(ctx, sessionID, ec)
	if !res.OK {
		return Result[[]*Pane]{Err: res.Err, Metrics: res.Metrics}
	}
	var panes []*Pane
	for _, w := range res.Data.Windows {
		if windowID != "" && w.ID != windowID {
			continue
		}
		panes = append(panes, w.Panes...)
	}
	if windowID != "" && panes == nil {
		return Failf[[]*Pane]("window %s not found in session %s", windowID, sessionID)
	}
	return Result[[]*Pane]{OK: true, Data: panes, Metrics: res.Metrics}
}

// SequentialBatch is the default ExecuteBatch: one ExecuteCommand per
// command, stopping at the first failure and reporting the partial results.
func SequentialBatch(ctx context.Context, b Backend, target Target, commands []string, ec ExecutionContext) Result[[]*CommandExecution] {
	started := time.Now()
	out := make([]*CommandExecution, 0, len(commands))
	for i, command := range commands {
		res := b.ExecuteCommand(ctx, target, command, ec)
		if !res.OK {
			return Result[[]*CommandExecution]{
				Data:    out,
				Err:     fmt.Sprintf("%s: command %d/%d: %s", ErrBatchPartialFailure, i+1, len(commands), res.Err),
				Metrics: &CallMetrics{Duration: time.Since(started), At: started},
			}
		}
		out = append(out, res.Data)
	}
	return OkTimed(out, started)
}

// ConnectivityProbe is the default TestConnectivity: synthesize a throwaway
// session, run one command in it, tear it down, and report the measured
// round-trip.
func ConnectivityProbe(ctx context.Context, b Backend, ec ExecutionContext) Result[*ConnectivityReport] {
	started := time.Now()
	name := "connectivity-" + uuid.NewString()[:8]
	sess := b.CreateSession(ctx, name, ec)
	if !sess.OK {
		return Ok(&ConnectivityReport{Reachable: false, Output: sess.Err, CheckedAt: started})
	}
	defer b.DestroySession(ctx, sess.Data.ID, ec)

	exec := b.ExecuteCommand(ctx, Target{SessionID: sess.Data.ID}, "echo connectivity-check", ec)
	report := &ConnectivityReport{
		Reachable: exec.OK,
		Latency:   time.Since(started),
		SessionID: sess.Data.ID,
		CheckedAt: started,
	}
	if exec.OK {
		report.Output = exec.Data.Output
	} else {
		report.Output = exec.Err
	}
	return OkTimed(report, started)
}
