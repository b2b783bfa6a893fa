// Package pool maintains a bounded set of persistent connections to an
// external line-oriented control process, eliminating per-command spawn
// cost. Acquisition is least-recently-used; every connection carries at most
// one in-flight command.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/muxkit/internal/mux"
)

// Config sizes and times the pool.
type Config struct {
	// Command plus Args start one control process per connection.
	Command            string        `yaml:"command"`
	Args               []string      `yaml:"args"`
	MinConnections     int           `yaml:"minConnections"`
	MaxConnections     int           `yaml:"maxConnections"`
	MaxIdleTime        time.Duration `yaml:"-"`
	AcquireTimeout     time.Duration `yaml:"-"`
	CommandTimeout     time.Duration `yaml:"-"`
	HealthPingInterval time.Duration `yaml:"-"`
	// PingCommand is sent to idle connections to verify liveness; the
	// control process must answer it with one line.
	PingCommand string `yaml:"pingCommand"`
}

func (c *Config) setDefaults() {
	if c.Command == "" {
		c.Command = "cat"
	}
	if c.MinConnections <= 0 {
		c.MinConnections = 1
	}
	if c.MaxConnections < c.MinConnections {
		c.MaxConnections = c.MinConnections
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = time.Minute
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.HealthPingInterval <= 0 {
		c.HealthPingInterval = 15 * time.Second
	}
	if c.PingCommand == "" {
		c.PingCommand = "ping"
	}
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Open     int
	Busy     int
	Created  uint64
	Evicted  uint64
	Replaced uint64
	TimedOut uint64
	Executed uint64
	Orphaned uint64
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Pool owns its connections exclusively; callers only see command results.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*conn
	creating int
	closed   bool

	created  uint64
	evicted  uint64
	replaced uint64
	timedOut uint64
	executed uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts MinConnections control processes and the maintenance loop.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*conn),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.MinConnections; i++ {
		c, err := p.spawn()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("%w: %v", mux.ErrInitializationFailed, err)
		}
		p.mu.Lock()
		p.conns[c.id] = c
		p.mu.Unlock()
	}
	p.wg.Add(1)
	go p.maintain()
	return p, nil
}

func (p *Pool) spawn() (*conn, error) {
	c, err := startConn(p.cfg.Command, p.cfg.Args, p.logger, p.replaceExited)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	p.logger.Debug("connection started", "conn", c.id, "command", p.cfg.Command)
	return c, nil
}

// replaceExited runs when a control process dies underneath us; the pool
// restores the minimum population.
func (p *Pool) replaceExited(dead *conn) {
	p.mu.Lock()
	delete(p.conns, dead.id)
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.replaced++
	needed := p.cfg.MinConnections - len(p.conns) - p.creating
	if needed > 0 {
		p.creating++
	}
	p.mu.Unlock()
	if needed <= 0 {
		return
	}
	p.logger.Warn("control process exited unexpectedly, replacing", "conn", dead.id)
	c, err := p.spawn()
	p.mu.Lock()
	p.creating--
	if err == nil {
		if p.closed {
			p.mu.Unlock()
			c.close()
			return
		}
		p.conns[c.id] = c
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("replacement connection failed", "err", err)
	}
}

// acquire returns a held connection, creating one when under the cap and
// otherwise retrying with a short sleep until AcquireTimeout.
func (p *Pool) acquire(ctx context.Context) (*conn, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, mux.ErrConnectionClosed
		}
		var best *conn
		var bestIdle time.Time
		for _, c := range p.conns {
			if !c.isIdleHealthy() {
				continue
			}
			if idle := c.idleSince(); best == nil || idle.Before(bestIdle) {
				best, bestIdle = c, idle
			}
		}
		if best != nil && best.tryAcquire() {
			p.mu.Unlock()
			return best, nil
		}
		if len(p.conns)+p.creating < p.cfg.MaxConnections {
			// Reserve the slot before releasing the lock so concurrent
			// acquirers cannot overshoot MaxConnections.
			p.creating++
			p.mu.Unlock()
			c, err := p.spawn()
			p.mu.Lock()
			p.creating--
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				c.close()
				return nil, mux.ErrConnectionClosed
			}
			p.conns[c.id] = c
			p.mu.Unlock()
			if c.tryAcquire() {
				return c, nil
			}
			continue
		}
		p.mu.Unlock()

		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		if time.Now().After(deadline) {
			p.mu.Lock()
			p.timedOut++
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: pool acquire timed out after %s", mux.ErrCommandTimeout, p.cfg.AcquireTimeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ExecuteCommand runs one command on a pooled connection and returns its
// response line.
func (p *Pool) ExecuteCommand(ctx context.Context, command string) (string, error) {
	c, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer c.release()
	line, err := c.send(ctx, command, p.cfg.CommandTimeout)
	p.mu.Lock()
	p.executed++
	p.mu.Unlock()
	if err != nil {
		p.retireIfUnhealthy(c)
	}
	return line, err
}

// retireIfUnhealthy removes a connection that went bad mid-command so it is
// never selected again; the exit path restores the minimum population.
func (p *Pool) retireIfUnhealthy(c *conn) {
	c.mu.Lock()
	bad := !c.healthy || c.closed
	c.mu.Unlock()
	if !bad {
		return
	}
	p.mu.Lock()
	_, present := p.conns[c.id]
	delete(p.conns, c.id)
	p.mu.Unlock()
	if present {
		go func() {
			c.close()
			p.replaceExited(c)
		}()
	}
}

// ExecuteBatchPinned runs commands sequentially over one pinned connection,
// returning results in submission order. A mid-batch failure returns the
// partial results with the error.
func (p *Pool) ExecuteBatchPinned(ctx context.Context, commands []string) ([]string, error) {
	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release()
	out := make([]string, 0, len(commands))
	for i, command := range commands {
		line, err := c.send(ctx, command, p.cfg.CommandTimeout)
		if err != nil {
			p.retireIfUnhealthy(c)
			return out, fmt.Errorf("%w: command %d/%d: %v", mux.ErrBatchPartialFailure, i+1, len(commands), err)
		}
		out = append(out, line)
		p.mu.Lock()
		p.executed++
		p.mu.Unlock()
	}
	return out, nil
}

// Ping verifies liveness of one idle connection end to end.
func (p *Pool) Ping(ctx context.Context) error {
	_, err := p.ExecuteCommand(ctx, p.cfg.PingCommand)
	return err
}

func (p *Pool) maintain() {
	defer p.wg.Done()
	idleTick := time.NewTicker(p.cfg.MaxIdleTime / 2)
	pingTick := time.NewTicker(p.cfg.HealthPingInterval)
	defer idleTick.Stop()
	defer pingTick.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-idleTick.C:
			p.evictIdle()
		case <-pingTick.C:
			p.pingIdle()
		}
	}
}

// evictIdle closes connections idle beyond MaxIdleTime down to the minimum.
func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.MaxIdleTime)
	var victims []*conn
	p.mu.Lock()
	for _, c := range p.conns {
		// Victims are removed from p.conns as they are chosen, so the map
		// length alone tracks the surviving population.
		if len(p.conns) <= p.cfg.MinConnections {
			break
		}
		if c.isIdleHealthy() && c.idleSince().Before(cutoff) && c.tryAcquire() {
			victims = append(victims, c)
			delete(p.conns, c.id)
			p.evicted++
		}
	}
	p.mu.Unlock()
	for _, c := range victims {
		p.logger.Debug("evicting idle connection", "conn", c.id)
		c.close()
	}
}

// pingIdle probes idle connections; failures are retired and replaced up to
// the minimum by the exit handler.
func (p *Pool) pingIdle() {
	p.mu.Lock()
	candidates := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.tryAcquire() {
			candidates = append(candidates, c)
		}
	}
	p.mu.Unlock()
	for _, c := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := c.send(ctx, p.cfg.PingCommand, time.Second)
		cancel()
		if err != nil {
			p.logger.Warn("health ping failed, retiring connection", "conn", c.id, "err", err)
			c.fail(err)
			p.mu.Lock()
			delete(p.conns, c.id)
			p.mu.Unlock()
			c.close()
			p.replaceExited(c)
			continue
		}
		c.release()
	}
}

// Size reports live connections plus in-progress creations; it never
// exceeds MaxConnections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.creating
}

// Stats snapshots pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Open:     len(p.conns),
		Created:  p.created,
		Evicted:  p.evicted,
		Replaced: p.replaced,
		TimedOut: p.timedOut,
		Executed: p.executed,
	}
	for _, c := range p.conns {
		c.mu.Lock()
		if c.busy {
			st.Busy++
		}
		st.Orphaned += c.orphaned
		c.mu.Unlock()
	}
	return st
}

// Close terminates every control process. In-flight commands are rejected
// with a closed-connection error.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	close(p.done)
	for _, c := range conns {
		c.close()
	}
	p.wg.Wait()
}
