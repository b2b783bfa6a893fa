// Package batch coalesces rapid sequential commands into pinned-connection
// batch executions, adaptively switching between immediate and batched
// dispatch based on observed latency.
package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
)

// Executor runs commands for the batcher; *pool.Pool satisfies it.
type Executor interface {
	ExecuteCommand(ctx context.Context, command string) (string, error)
	ExecuteBatchPinned(ctx context.Context, commands []string) ([]string, error)
}

// Config tunes the coalescing policy.
type Config struct {
	MaxBatchSize         int           `yaml:"maxBatchSize"`
	MaxBatchWait         time.Duration `yaml:"-"`
	MaxConcurrentBatches int           `yaml:"maxConcurrentBatches"`
	// Adaptive forces batching whenever the rolling average latency
	// exceeds PerformanceThreshold, and turns it back off when latency
	// recovers.
	Adaptive             bool          `yaml:"adaptive"`
	PerformanceThreshold time.Duration `yaml:"-"`
	LatencyWindow        int           `yaml:"latencyWindow"`
}

func (c *Config) setDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 16
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = 10 * time.Millisecond
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.PerformanceThreshold <= 0 {
		c.PerformanceThreshold = 15 * time.Millisecond
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 20
	}
}

// Stats snapshots batcher counters.
type Stats struct {
	Batched         uint64
	Immediate       uint64
	Dispatched      uint64
	AvgLatency      time.Duration
	BatchingEnabled bool
}

type outcome struct {
	line string
	err  error
}

type queued struct {
	command     string
	ch          chan outcome
	submittedAt time.Time
}

var errClosed = errors.New("batcher closed")

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Batcher owns queued commands until they dispatch; results map back to
// callers in submission order.
type Batcher struct {
	cfg       Config
	exec      Executor
	backendID string
	logger    *slog.Logger
	bus       *events.Bus

	mu              sync.Mutex
	queue           []*queued
	timer           *time.Timer
	active          int
	latencies       []time.Duration
	batchingEnabled bool
	closed          bool

	batched    uint64
	immediate  uint64
	dispatched uint64

	wg sync.WaitGroup
}

// New builds a batcher over exec. backendID tags emitted events.
func New(cfg Config, exec Executor, backendID string, logger *slog.Logger, bus *events.Bus) *Batcher {
	cfg.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Batcher{
		cfg:       cfg,
		exec:      exec,
		backendID: backendID,
		logger:    logger,
		bus:       bus,
	}
}

// Do submits one command; it either dispatches immediately or joins the
// pending batch, and returns that command's response line.
func (b *Batcher) Do(ctx context.Context, command string) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errClosed
	}
	if !b.shouldBatchLocked() {
		b.active++
		b.immediate++
		b.mu.Unlock()
		started := time.Now()
		line, err := b.exec.ExecuteCommand(ctx, command)
		b.recordLatency(time.Since(started))
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
		return line, err
	}

	q := &queued{command: command, ch: make(chan outcome, 1), submittedAt: time.Now()}
	b.queue = append(b.queue, q)
	if len(b.queue) >= b.cfg.MaxBatchSize {
		b.dispatchLocked()
	} else if len(b.queue) == 1 {
		b.timer = time.AfterFunc(b.cfg.MaxBatchWait, func() {
			b.mu.Lock()
			b.dispatchLocked()
			b.mu.Unlock()
		})
	}
	b.mu.Unlock()

	select {
	case out := <-q.ch:
		return out.line, out.err
	case <-ctx.Done():
		if b.removeQueued(q) {
			return "", ctx.Err()
		}
		// Already dispatching; the result is imminent.
		out := <-q.ch
		return out.line, out.err
	}
}

// shouldBatchLocked implements the decision policy: join an existing queue,
// honor the adaptive flag, and queue when the concurrent budget is spent.
func (b *Batcher) shouldBatchLocked() bool {
	if len(b.queue) > 0 {
		return true
	}
	if b.cfg.Adaptive {
		avg := b.avgLatencyLocked()
		enabled := avg > b.cfg.PerformanceThreshold
		if len(b.latencies) > 0 && enabled != b.batchingEnabled {
			b.batchingEnabled = enabled
			b.logger.Info("batch mode changed", "backend", b.backendID, "batching", enabled, "avgLatency", avg)
			b.bus.Publish(events.Event{
				Type:      events.BatchModeChanged,
				BackendID: b.backendID,
				Latency:   avg,
				Fields:    map[string]any{"batching": enabled},
			})
		}
		if b.batchingEnabled {
			return true
		}
	}
	return b.active >= b.cfg.MaxConcurrentBatches
}

func (b *Batcher) removeQueued(q *queued) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cand := range b.queue {
		if cand == q {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// dispatchLocked launches the pending batch. Caller holds b.mu.
func (b *Batcher) dispatchLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}
	batch := b.queue
	b.queue = nil
	b.active++
	b.dispatched++
	b.batched += uint64(len(batch))
	b.wg.Add(1)
	go b.runBatch(batch)
}

func (b *Batcher) runBatch(batch []*queued) {
	defer b.wg.Done()
	commands := make([]string, len(batch))
	for i, q := range batch {
		commands[i] = q.command
	}
	started := time.Now()
	results, err := b.exec.ExecuteBatchPinned(context.Background(), commands)
	elapsed := time.Since(started)

	for i, q := range batch {
		if i < len(results) {
			q.ch <- outcome{line: results[i]}
			continue
		}
		failErr := err
		if failErr == nil {
			failErr = mux.ErrBatchPartialFailure
		}
		q.ch <- outcome{err: failErr}
	}
	for _, q := range batch {
		b.recordLatency(time.Since(q.submittedAt))
	}

	b.mu.Lock()
	b.active--
	b.mu.Unlock()

	evt := events.Event{
		Type:      events.BatchCompleted,
		BackendID: b.backendID,
		Latency:   elapsed,
		Fields:    map[string]any{"size": len(batch)},
	}
	if err != nil {
		evt.Type = events.BatchFailed
		evt.Err = err.Error()
		b.logger.Warn("batch failed", "backend", b.backendID, "size", len(batch), "err", err)
	}
	b.bus.Publish(evt)
}

func (b *Batcher) recordLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latencies = append(b.latencies, d)
	if len(b.latencies) > b.cfg.LatencyWindow {
		b.latencies = b.latencies[len(b.latencies)-b.cfg.LatencyWindow:]
	}
}

func (b *Batcher) avgLatencyLocked() time.Duration {
	if len(b.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range b.latencies {
		total += d
	}
	return total / time.Duration(len(b.latencies))
}

// Flush forces any pending partial batch to execute immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.dispatchLocked()
	b.mu.Unlock()
}

// BatchingEnabled reports the adaptive flag.
func (b *Batcher) BatchingEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchingEnabled
}

// Stats snapshots counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Batched:         b.batched,
		Immediate:       b.immediate,
		Dispatched:      b.dispatched,
		AvgLatency:      b.avgLatencyLocked(),
		BatchingEnabled: b.batchingEnabled,
	}
}

// Close flushes pending work and waits for in-flight batches.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.dispatchLocked()
	b.mu.Unlock()
	b.wg.Wait()
}
