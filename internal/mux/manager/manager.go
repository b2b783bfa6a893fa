// Package manager routes operations across multiple live backends: strategy
// based selection, sticky assignment, retry with failover, background health
// monitoring, and hot-swap with in-flight draining.
package manager

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
	"github.com/antonkrylov/muxkit/internal/mux/factory"
)

// Strategy names a backend selection policy.
type Strategy string

const (
	// StrategyPrimaryFallback always uses the primary while it is healthy.
	StrategyPrimaryFallback Strategy = "primary-fallback"
	// StrategyRoundRobin picks the least recently used backend.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastConnections picks the fewest in-flight operations.
	StrategyLeastConnections Strategy = "least-connections"
	// StrategyPerformance picks the highest composite of latency, success
	// rate, and health.
	StrategyPerformance Strategy = "performance-based"
	// StrategyHealth picks the highest composite of latency, error rate, and
	// consecutive failures.
	StrategyHealth Strategy = "health-based"
	// StrategyWeightedRandom picks randomly in proportion to weight.
	StrategyWeightedRandom Strategy = "weighted-random"
)

// Config tunes routing and supervision.
type Config struct {
	Strategy   Strategy `yaml:"strategy"`
	MaxRetries int      `yaml:"maxRetries"`
	// Sticky pins each UserID to one backend for its lifetime.
	Sticky bool `yaml:"sticky"`

	RetryDelay          time.Duration `yaml:"-"`
	HealthCheckInterval time.Duration `yaml:"-"`
	// MaxLatency triggers a performance warning event when a health probe
	// exceeds it.
	MaxLatency   time.Duration `yaml:"-"`
	DrainTimeout time.Duration `yaml:"-"`
	// UnhealthyErrorRate marks a backend unhealthy when its rolling failure
	// rate crosses it.
	UnhealthyErrorRate float64 `yaml:"unhealthyErrorRate"`
}

func (c *Config) setDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyPrimaryFallback
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 500 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.UnhealthyErrorRate <= 0 {
		c.UnhealthyErrorRate = 0.5
	}
}

const latencyWindow = 32

// managed wraps one routed backend with the counters selection needs.
type managed struct {
	id      string
	backend mux.Backend
	weight  int

	mu            sync.Mutex
	inflight      int
	draining      bool
	drained       chan struct{}
	healthy       bool
	lastUsed      time.Time
	calls         uint64
	failures      uint64
	consecFails   int
	latencies     []time.Duration
	window        []bool
}

// begin registers one in-flight operation. Draining backends accept no new
// work.
func (b *managed) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.draining {
		return false
	}
	b.inflight++
	b.lastUsed = time.Now()
	return true
}

func (b *managed) end(ok bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight--
	b.calls++
	if ok {
		b.consecFails = 0
	} else {
		b.failures++
		b.consecFails++
	}
	b.window = append(b.window, ok)
	if len(b.window) > latencyWindow {
		b.window = b.window[len(b.window)-latencyWindow:]
	}
	b.latencies = append(b.latencies, latency)
	if len(b.latencies) > latencyWindow {
		b.latencies = b.latencies[len(b.latencies)-latencyWindow:]
	}
	if b.draining && b.inflight == 0 && b.drained != nil {
		close(b.drained)
		b.drained = nil
	}
}

func (b *managed) avgLatencyLocked() time.Duration {
	if len(b.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range b.latencies {
		total += d
	}
	return total / time.Duration(len(b.latencies))
}

// performanceScoreLocked averages (100 - latency in ms), success percentage
// over the window, and 100 when healthy.
func (b *managed) performanceScoreLocked() float64 {
	latency := 100 - float64(b.avgLatencyLocked())/float64(time.Millisecond)
	success := (1 - b.errorRateLocked()) * 100
	health := 0.0
	if b.healthy {
		health = 100
	}
	return (latency + success + health) / 3
}

// healthScoreLocked averages (100 - latency in ms), (100 - errorRate*100),
// and (100 - consecutiveFailures*10).
func (b *managed) healthScoreLocked() float64 {
	latency := 100 - float64(b.avgLatencyLocked())/float64(time.Millisecond)
	errors := 100 - b.errorRateLocked()*100
	streak := 100 - float64(b.consecFails)*10
	return (latency + errors + streak) / 3
}

func (b *managed) errorRateLocked() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range b.window {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}

// BackendMetrics is the exported per-backend snapshot.
type BackendMetrics struct {
	ID         string
	Type       string
	Weight     int
	Healthy    bool
	Draining   bool
	InFlight   int
	Calls      uint64
	Failures   uint64
	ErrorRate  float64
	AvgLatency time.Duration
	LastUsed   time.Time
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Manager is safe for concurrent use. Backends are owned by the manager once
// added; RemoveBackend and Close shut them down.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	rng    *rand.Rand

	mu       sync.Mutex
	backends map[string]*managed
	order    []string // insertion order, used by primary-fallback
	sticky   map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New builds a manager; Start launches supervision.
func New(cfg Config, logger *slog.Logger, bus *events.Bus) *Manager {
	cfg.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		backends: make(map[string]*managed),
		sticky:   make(map[string]string),
	}
}

// AddBackend registers an initialized backend under id. The first backend
// added is the primary for the primary-fallback strategy.
func (m *Manager) AddBackend(id string, b mux.Backend, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mux.ErrConnectionClosed
	}
	if _, exists := m.backends[id]; exists {
		return fmt.Errorf("backend %q already managed", id)
	}
	m.backends[id] = &managed{id: id, backend: b, weight: weight, healthy: true}
	m.order = append(m.order, id)
	m.logger.Info("backend added", "id", id, "type", b.Type(), "weight", weight)
	return nil
}

// RemoveBackend drains the backend and shuts it down.
func (m *Manager) RemoveBackend(ctx context.Context, id string) error {
	m.mu.Lock()
	mb, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("backend %q not managed", id)
	}
	delete(m.backends, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for user, assigned := range m.sticky {
		if assigned == id {
			delete(m.sticky, user)
		}
	}
	m.mu.Unlock()

	m.drain(mb)
	mb.backend.Shutdown(ctx)
	m.bus.Publish(events.Event{Type: events.BackendShutdown, BackendID: id})
	m.logger.Info("backend removed", "id", id)
	return nil
}

// HotSwap replaces the backend under id with replacement. In-flight
// operations on the old instance drain first, bounded by DrainTimeout; the
// id keeps its weight and sticky assignments.
func (m *Manager) HotSwap(ctx context.Context, id string, replacement mux.Backend) error {
	m.mu.Lock()
	old, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("backend %q not managed", id)
	}
	fresh := &managed{id: id, backend: replacement, weight: old.weight, healthy: true}
	m.backends[id] = fresh
	m.mu.Unlock()

	drainedInTime := m.drain(old)
	old.backend.Shutdown(ctx)
	m.bus.Publish(events.Event{
		Type:      events.BackendHotSwapped,
		BackendID: id,
		Fields:    map[string]any{"drainedInTime": drainedInTime, "newType": replacement.Type()},
	})
	m.logger.Info("backend hot-swapped", "id", id, "newType", replacement.Type(), "drainedInTime", drainedInTime)
	return nil
}

// HotSwapFromFactory builds a replacement of the same type through f and
// swaps it in under id, preserving the weight and sticky assignments.
func (m *Manager) HotSwapFromFactory(ctx context.Context, id string, f *factory.Factory, cfg mux.Config) error {
	m.mu.Lock()
	old, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("backend %q not managed", id)
	}
	typ := old.backend.Type()
	m.mu.Unlock()

	replacement, err := f.Create(ctx, factory.Options{Type: typ, Config: cfg})
	if err != nil {
		return fmt.Errorf("hot-swap replacement for %q: %w", id, err)
	}
	return m.HotSwap(ctx, id, replacement)
}

// drain stops new work on mb and waits for in-flight operations, up to
// DrainTimeout. It reports whether the drain completed in time.
func (m *Manager) drain(mb *managed) bool {
	mb.mu.Lock()
	mb.draining = true
	if mb.inflight == 0 {
		mb.mu.Unlock()
		return true
	}
	done := make(chan struct{})
	mb.drained = done
	mb.mu.Unlock()

	select {
	case <-done:
		return true
	case <-time.After(m.cfg.DrainTimeout):
		m.logger.Warn("drain timeout, abandoning in-flight operations", "id", mb.id)
		return false
	}
}

// selectBackend applies the configured strategy over healthy, non-draining
// candidates.
func (m *Manager) selectBackend(ec mux.ExecutionContext) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, mux.ErrConnectionClosed
	}

	if m.cfg.Sticky && ec.UserID != "" {
		if id, ok := m.sticky[ec.UserID]; ok {
			if mb, live := m.backends[id]; live && m.eligibleLocked(mb) {
				return mb, nil
			}
			delete(m.sticky, ec.UserID)
		}
	}

	var candidates []*managed
	for _, id := range m.order {
		if mb := m.backends[id]; mb != nil && m.eligibleLocked(mb) {
			candidates = append(candidates, mb)
		}
	}
	if len(candidates) == 0 {
		return nil, mux.ErrNoHealthyBackend
	}

	chosen := m.applyStrategyLocked(candidates, ec)
	if m.cfg.Sticky && ec.UserID != "" {
		m.sticky[ec.UserID] = chosen.id
	}
	return chosen, nil
}

func (m *Manager) eligibleLocked(mb *managed) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.healthy && !mb.draining
}

func (m *Manager) applyStrategyLocked(candidates []*managed, ec mux.ExecutionContext) *managed {
	switch m.cfg.Strategy {
	case StrategyRoundRobin:
		sort.SliceStable(candidates, func(i, j int) bool {
			candidates[i].mu.Lock()
			ti := candidates[i].lastUsed
			candidates[i].mu.Unlock()
			candidates[j].mu.Lock()
			tj := candidates[j].lastUsed
			candidates[j].mu.Unlock()
			return ti.Before(tj)
		})
		return candidates[0]
	case StrategyLeastConnections:
		best := candidates[0]
		best.mu.Lock()
		bestLoad := best.inflight
		best.mu.Unlock()
		for _, c := range candidates[1:] {
			c.mu.Lock()
			load := c.inflight
			c.mu.Unlock()
			if load < bestLoad {
				best, bestLoad = c, load
			}
		}
		return best
	case StrategyPerformance:
		best := candidates[0]
		best.mu.Lock()
		bestScore := best.performanceScoreLocked()
		best.mu.Unlock()
		for _, c := range candidates[1:] {
			c.mu.Lock()
			score := c.performanceScoreLocked()
			c.mu.Unlock()
			if score > bestScore {
				best, bestScore = c, score
			}
		}
		return best
	case StrategyHealth:
		best := candidates[0]
		best.mu.Lock()
		bestScore := best.healthScoreLocked()
		best.mu.Unlock()
		for _, c := range candidates[1:] {
			c.mu.Lock()
			score := c.healthScoreLocked()
			c.mu.Unlock()
			if score > bestScore {
				best, bestScore = c, score
			}
		}
		return best
	case StrategyWeightedRandom:
		// Deterministic for a given user when sticky hashing applies.
		total := 0
		for _, c := range candidates {
			total += c.weight
		}
		var pick int
		if ec.UserID != "" {
			h := fnv.New32a()
			h.Write([]byte(ec.UserID))
			pick = int(h.Sum32()) % total
		} else {
			pick = m.rng.Intn(total)
		}
		for _, c := range candidates {
			if pick < c.weight {
				return c
			}
			pick -= c.weight
		}
		return candidates[len(candidates)-1]
	default: // primary-fallback
		return candidates[0]
	}
}

// ExecuteWith routes one typed operation through the manager with retry and
// failover. Each attempt may land on a different backend; a backend whose
// rolling error rate crosses the configured threshold is marked unhealthy
// for the health loop to recover.
func ExecuteWith[T any](ctx context.Context, m *Manager, ec mux.ExecutionContext, op func(context.Context, mux.Backend) mux.Result[T]) mux.Result[T] {
	var last mux.Result[T]
	// MaxRetries is the total attempt budget, not the number of re-tries.
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.cfg.RetryDelay):
			case <-ctx.Done():
				return mux.FailErr[T](ctx.Err())
			}
		}
		mb, err := m.selectBackend(ec)
		if err != nil {
			return mux.FailErr[T](err)
		}
		if !mb.begin() {
			continue
		}
		started := time.Now()
		res := op(ctx, mb.backend)
		// Missing or duplicate sessions are caller outcomes, not backend
		// faults; retrying them elsewhere cannot change the answer.
		terminal := !res.OK && (strings.Contains(res.Err, mux.ErrSessionNotFound.Error()) ||
			strings.Contains(res.Err, mux.ErrSessionExists.Error()))
		mb.end(res.OK || terminal, time.Since(started))
		if res.OK || terminal {
			return res
		}
		last = res
		m.noteFailure(mb, res.Err)
		m.logger.Warn("operation failed, retrying", "backend", mb.id, "attempt", attempt+1, "err", res.Err)
	}
	return last
}

// noteFailure marks a backend unhealthy once its error rate crosses the
// threshold so selection stops routing to it.
func (m *Manager) noteFailure(mb *managed, errMsg string) {
	mb.mu.Lock()
	rate := mb.errorRateLocked()
	crossed := rate >= m.cfg.UnhealthyErrorRate && mb.healthy
	if crossed {
		mb.healthy = false
	}
	mb.mu.Unlock()
	if crossed {
		m.bus.Publish(events.Event{
			Type:      events.BackendMarkedUnhealthy,
			BackendID: mb.id,
			Err:       errMsg,
			Fields:    map[string]any{"errorRate": rate},
		})
		m.logger.Warn("backend marked unhealthy", "id", mb.id, "errorRate", rate)
	}
}

// Convenience wrappers over ExecuteWith for the common operations.

func (m *Manager) CreateSession(ctx context.Context, name string, ec mux.ExecutionContext) mux.Result[*mux.Session] {
	return ExecuteWith(ctx, m, ec, func(ctx context.Context, b mux.Backend) mux.Result[*mux.Session] {
		return b.CreateSession(ctx, name, ec)
	})
}

func (m *Manager) DestroySession(ctx context.Context, id string, ec mux.ExecutionContext) mux.Result[mux.Unit] {
	return ExecuteWith(ctx, m, ec, func(ctx context.Context, b mux.Backend) mux.Result[mux.Unit] {
		return b.DestroySession(ctx, id, ec)
	})
}

func (m *Manager) ListSessions(ctx context.Context, ec mux.ExecutionContext) mux.Result[[]*mux.Session] {
	return ExecuteWith(ctx, m, ec, func(ctx context.Context, b mux.Backend) mux.Result[[]*mux.Session] {
		return b.ListSessions(ctx, ec)
	})
}

func (m *Manager) ExecuteCommand(ctx context.Context, target mux.Target, command string, ec mux.ExecutionContext) mux.Result[*mux.CommandExecution] {
	return ExecuteWith(ctx, m, ec, func(ctx context.Context, b mux.Backend) mux.Result[*mux.CommandExecution] {
		return b.ExecuteCommand(ctx, target, command, ec)
	})
}

func (m *Manager) ExecuteBatch(ctx context.Context, target mux.Target, commands []string, ec mux.ExecutionContext) mux.Result[[]*mux.CommandExecution] {
	return ExecuteWith(ctx, m, ec, func(ctx context.Context, b mux.Backend) mux.Result[[]*mux.CommandExecution] {
		return b.ExecuteBatch(ctx, target, commands, ec)
	})
}

func (m *Manager) CaptureOutput(ctx context.Context, target mux.Target, lines int, ec mux.ExecutionContext) mux.Result[string] {
	return ExecuteWith(ctx, m, ec, func(ctx context.Context, b mux.Backend) mux.Result[string] {
		return b.CaptureOutput(ctx, target, lines, ec)
	})
}

// Start launches the health loop; it stops when ctx is cancelled or Close
// runs.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	go m.healthLoop(ctx)
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// checkAll probes every managed backend once and reconciles routing health
// with probe health.
func (m *Manager) checkAll(ctx context.Context) {
	m.mu.Lock()
	backends := make([]*managed, 0, len(m.backends))
	for _, mb := range m.backends {
		backends = append(backends, mb)
	}
	m.mu.Unlock()

	for _, mb := range backends {
		res := mb.backend.PerformHealthCheck(ctx)
		healthy := res.OK && res.Data.Healthy
		mb.mu.Lock()
		was := mb.healthy
		mb.healthy = healthy
		mb.mu.Unlock()
		if healthy && !was {
			m.logger.Info("backend recovered, routing restored", "id", mb.id)
		}
		if healthy && res.Data.Latency > m.cfg.MaxLatency {
			m.bus.Publish(events.Event{
				Type:      events.PerformanceWarning,
				BackendID: mb.id,
				Latency:   res.Data.Latency,
			})
			m.logger.Warn("health probe latency above threshold", "id", mb.id, "latency", res.Data.Latency)
		}
	}
}

// Metrics snapshots every managed backend.
func (m *Manager) Metrics() []BackendMetrics {
	m.mu.Lock()
	backends := make([]*managed, 0, len(m.backends))
	for _, id := range m.order {
		if mb := m.backends[id]; mb != nil {
			backends = append(backends, mb)
		}
	}
	m.mu.Unlock()

	out := make([]BackendMetrics, 0, len(backends))
	for _, mb := range backends {
		mb.mu.Lock()
		out = append(out, BackendMetrics{
			ID:         mb.id,
			Type:       mb.backend.Type(),
			Weight:     mb.weight,
			Healthy:    mb.healthy,
			Draining:   mb.draining,
			InFlight:   mb.inflight,
			Calls:      mb.calls,
			Failures:   mb.failures,
			ErrorRate:  mb.errorRateLocked(),
			AvgLatency: mb.avgLatencyLocked(),
			LastUsed:   mb.lastUsed,
		})
		mb.mu.Unlock()
	}
	return out
}

// Healthy reports whether at least one backend is routable.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mb := range m.backends {
		if m.eligibleLocked(mb) {
			return true
		}
	}
	return false
}

// Close stops supervision, drains every backend, and shuts them down.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	backends := make([]*managed, 0, len(m.backends))
	for _, mb := range m.backends {
		backends = append(backends, mb)
	}
	m.backends = make(map[string]*managed)
	m.order = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	for _, mb := range backends {
		m.drain(mb)
		mb.backend.Shutdown(ctx)
	}
	m.logger.Info("manager closed", "backends", len(backends))
}
