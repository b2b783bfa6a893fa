package pipemux

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/antonkrylov/muxkit/internal/mux"
)

// ptyPane hosts one interactive process on a pseudo-terminal. Output lines
// feed the pane's capture ring and any continuous-capture subscribers.
type ptyPane struct {
	cmd    *exec.Cmd
	f      *os.File
	cancel context.CancelFunc

	endOnce     sync.Once
	cleanupOnce sync.Once
	closed      chan struct{}
}

// startPTYPane launches command under a pty sized cols x rows and streams
// its output into sink.
func startPTYPane(command string, shell string, cols, rows int, sink func(line string)) (*ptyPane, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, shell, "-c", command)

	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if cols > 0 {
		ws.Cols = uint16(cols)
	}
	if rows > 0 {
		ws.Rows = uint16(rows)
	}

	f, err := startPTY(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms/Go versions reject Setctty; fall back to a pty
		// without controlling terminal, which is sufficient for line I/O.
		cmd = exec.CommandContext(procCtx, shell, "-c", command)
		f, err = startPTY(cmd, ws, false)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	p := &ptyPane{cmd: cmd, f: f, cancel: cancel, closed: make(chan struct{})}
	go func() {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			sink(scanner.Text())
		}
	}()
	go func() {
		_ = cmd.Wait()
		p.endOnce.Do(func() {
			cancel()
			close(p.closed)
		})
		// Keep the pty open briefly after exit so the reader can drain
		// output of short-lived commands.
		time.AfterFunc(2*time.Second, p.release)
	}()
	return p, nil
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

func (p *ptyPane) write(data string) error {
	_, err := p.f.WriteString(data)
	return err
}

func (p *ptyPane) resize(cols, rows int) error {
	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if cols > 0 {
		ws.Cols = uint16(cols)
	}
	if rows > 0 {
		ws.Rows = uint16(rows)
	}
	return pty.Setsize(p.f, ws)
}

func (p *ptyPane) close() {
	p.endOnce.Do(func() {
		p.cancel()
		close(p.closed)
	})
	p.release()
}

func (p *ptyPane) release() {
	p.cleanupOnce.Do(func() { _ = p.f.Close() })
}

// Extension handles the pipemux-specific operations. Unknown operations are
// rejected; the set is closed.
func (b *Backend) Extension(ctx context.Context, op mux.ExtensionOp, ec mux.ExecutionContext) mux.Result[any] {
	if !b.Initialized() {
		return mux.FailErr[any](mux.ErrNotInitialized)
	}
	switch typed := op.(type) {
	case mux.SendKeysOp:
		return b.sendKeys(typed)
	case mux.ResizePaneOp:
		return b.resizePane(typed)
	case mux.SplitPaneOp:
		return b.splitPane(typed)
	case mux.SelectLayoutOp:
		return b.selectLayout(typed)
	default:
		return mux.FailErr[any](mux.ErrExtensionUnsupported)
	}
}

// sendKeys writes raw input without waiting for output. It needs a pane with
// an attached pty process.
func (b *Backend) sendKeys(op mux.SendKeysOp) mux.Result[any] {
	ps, err := b.resolvePane(op.Target)
	if err != nil {
		return mux.FailErr[any](err)
	}
	if ps.pty == nil {
		return mux.Failf[any]("%s: pane has no interactive process", mux.ErrExtensionUnsupported)
	}
	keys := op.Keys
	if !op.Literal && !strings.HasSuffix(keys, "\n") {
		keys += "\n"
	}
	if err := ps.pty.write(keys); err != nil {
		return mux.FailErr[any](err)
	}
	return mux.Ok[any](len(keys))
}

func (b *Backend) resizePane(op mux.ResizePaneOp) mux.Result[any] {
	ps, err := b.resolvePane(op.Target)
	if err != nil {
		return mux.FailErr[any](err)
	}
	if ps.pty != nil {
		if err := ps.pty.resize(op.Cols, op.Rows); err != nil {
			return mux.FailErr[any](err)
		}
	}
	b.mu.Lock()
	ps.pane.Cols = op.Cols
	ps.pane.Rows = op.Rows
	b.mu.Unlock()
	return mux.Ok[any](mux.Unit{})
}

// splitPane adds a pane to the target's window. With a command it starts an
// interactive pty process in the new pane.
func (b *Backend) splitPane(op mux.SplitPaneOp) mux.Result[any] {
	cfg := b.Config()
	ring, err := mux.NewCaptureRing(cfg.CaptureBufferSize)
	if err != nil {
		return mux.FailErr[any](err)
	}
	pane := &mux.Pane{ID: uuid.NewString(), Cols: 120, Rows: 30}
	ps := &paneState{pane: pane, ring: ring}

	b.mu.Lock()
	sess, ok := b.sessions[op.Target.SessionID]
	if !ok {
		b.mu.Unlock()
		ring.Close()
		return mux.FailErr[any](mux.ErrSessionNotFound)
	}
	var win *mux.Window
	for _, w := range sess.meta.Windows {
		if op.Target.WindowID == "" || w.ID == op.Target.WindowID {
			win = w
			break
		}
	}
	if win == nil {
		b.mu.Unlock()
		ring.Close()
		return mux.Failf[any]("window %s not found in session %s", op.Target.WindowID, op.Target.SessionID)
	}
	pane.Index = len(win.Panes)
	win.Panes = append(win.Panes, pane)
	if op.Vertical {
		win.Layout = "even-vertical"
	}
	sess.panes[pane.ID] = ps
	b.mu.Unlock()

	if op.Command != "" {
		target := mux.Target{SessionID: op.Target.SessionID, WindowID: win.ID, PaneID: pane.ID}
		proc, err := startPTYPane(op.Command, cfg.DefaultShell, pane.Cols, pane.Rows, func(line string) {
			ring.Append(line)
			b.notifyCaptures(target, line)
		})
		if err != nil {
			return mux.FailErr[any](err)
		}
		b.mu.Lock()
		ps.pty = proc
		b.mu.Unlock()
	}
	b.cache.InvalidateSession(op.Target.SessionID)
	b.Logger().Info("pane split", "session", op.Target.SessionID, "pane", pane.ID, "command", op.Command)
	return mux.Ok[any](pane.ID)
}

func (b *Backend) selectLayout(op mux.SelectLayoutOp) mux.Result[any] {
	b.mu.Lock()
	sess, ok := b.sessions[op.SessionID]
	if !ok {
		b.mu.Unlock()
		return mux.FailErr[any](mux.ErrSessionNotFound)
	}
	applied := false
	for _, w := range sess.meta.Windows {
		if op.WindowID == "" || w.ID == op.WindowID {
			w.Layout = op.Layout
			applied = true
			break
		}
	}
	b.mu.Unlock()
	if !applied {
		return mux.Failf[any]("window %s not found in session %s", op.WindowID, op.SessionID)
	}
	b.cache.InvalidateSession(op.SessionID)
	return mux.Ok[any](mux.Unit{})
}
