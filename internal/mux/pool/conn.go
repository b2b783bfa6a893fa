package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/muxkit/internal/mux"
)

const maxLineBytes = 1 << 20

type response struct {
	line string
	err  error
}

type pending struct {
	id          string
	ch          chan response
	submittedAt time.Time
	timer       *time.Timer
}

// conn is one persistent control process. The pool guarantees at most one
// caller holds a conn at a time (busy flag), so the pending queue holds at
// most one truly in-flight command; oldest-pending resolution is then exact.
type conn struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	logger *slog.Logger
	onExit func(*conn)

	mu       sync.Mutex
	pending  []*pending
	busy     bool
	healthy  bool
	closed   bool
	detached bool
	lastUsed time.Time
	useCount uint64

	createdAt time.Time
	exited    chan struct{}
	orphaned  uint64
}

func startConn(command string, args []string, logger *slog.Logger, onExit func(*conn)) (*conn, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start control process: %w", err)
	}

	c := &conn{
		id:        uuid.NewString(),
		cmd:       cmd,
		stdin:     stdin,
		logger:    logger,
		onExit:    onExit,
		healthy:   true,
		lastUsed:  time.Now(),
		createdAt: time.Now(),
		exited:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		c.handleExit()
	}()
	return c, nil
}

func (c *conn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		c.resolveOldest(scanner.Text())
	}
}

// resolveOldest completes the oldest pending command with the arriving line.
func (c *conn) resolveOldest(line string) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.orphaned++
		c.mu.Unlock()
		c.logger.Debug("orphan response on connection", "conn", c.id, "line", line)
		return
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- response{line: line}
}

// send writes one command and waits for its response line. The caller must
// hold the connection (busy) for the duration.
func (c *conn) send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", mux.ErrConnectionClosed
	}
	if !c.healthy {
		c.mu.Unlock()
		return "", mux.ErrConnectionUnhealthy
	}
	p := &pending{
		id:          uuid.NewString(),
		ch:          make(chan response, 1),
		submittedAt: time.Now(),
	}
	// The timer must exist before p is visible to the read loop; resolveOldest
	// reads p.timer as soon as the entry is published.
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			if c.remove(p) {
				p.ch <- response{err: mux.ErrCommandTimeout}
				// The command is already written and cannot be aborted; the
				// response would arrive for a future caller, so retire the
				// connection instead of reusing it.
				c.fail(mux.ErrCommandTimeout)
			}
		})
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		if c.remove(p) && p.timer != nil {
			p.timer.Stop()
		}
		c.fail(fmt.Errorf("write: %w", err))
		return "", fmt.Errorf("%w: %v", mux.ErrConnectionUnhealthy, err)
	}

	select {
	case resp := <-p.ch:
		return resp.line, resp.err
	case <-ctx.Done():
		if c.remove(p) {
			if p.timer != nil {
				p.timer.Stop()
			}
			c.fail(ctx.Err())
		}
		return "", ctx.Err()
	}
}

// remove takes p out of the pending queue; false means it was already
// resolved or rejected.
func (c *conn) remove(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.pending {
		if cand == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// fail marks the connection unhealthy and rejects everything still pending.
func (c *conn) fail(cause error) {
	c.mu.Lock()
	if !c.healthy {
		c.mu.Unlock()
		return
	}
	c.healthy = false
	rejected := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range rejected {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- response{err: fmt.Errorf("%w: %v", mux.ErrConnectionUnhealthy, cause)}
	}
}

func (c *conn) handleExit() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.healthy = false
	detached := c.detached
	rejected := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range rejected {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- response{err: mux.ErrConnectionClosed}
	}
	close(c.exited)
	if !detached && c.onExit != nil {
		c.onExit(c)
	}
}

// detach prevents the exit handler from triggering pool replacement; used
// for pool-initiated closes.
func (c *conn) detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

func (c *conn) close() {
	c.detach()
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	select {
	case <-c.exited:
	case <-time.After(2 * time.Second):
		c.logger.Warn("control process did not exit after kill", "conn", c.id)
	}
}

// tryAcquire claims the connection for one caller. The busy flag is what
// enforces the single-in-flight discipline.
func (c *conn) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy || c.busy || c.closed {
		return false
	}
	c.busy = true
	c.useCount++
	c.lastUsed = time.Now()
	return true
}

func (c *conn) release() {
	c.mu.Lock()
	c.busy = false
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *conn) isIdleHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && !c.busy && !c.closed
}

func (c *conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}
