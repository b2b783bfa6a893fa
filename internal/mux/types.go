package mux

import (
	"time"
)

// Session is a terminal-multiplexer session owned by a single backend
// instance. Callers treat it as a snapshot; mutation happens only through
// backend operations.
type Session struct {
	ID        string
	Name      string
	Windows   []*Window
	CreatedAt time.Time
	LastUsed  time.Time
}

// Clone deep-copies the session so callers hold a stable snapshot while the
// backend keeps mutating its live record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Windows = make([]*Window, len(s.Windows))
	for i, w := range s.Windows {
		cw := *w
		cw.Panes = make([]*Pane, len(w.Panes))
		for j, p := range w.Panes {
			cp := *p
			cw.Panes[j] = &cp
		}
		out.Windows[i] = &cw
	}
	return &out
}

// Window groups panes inside a session.
type Window struct {
	ID     string
	Name   string
	Index  int
	Layout string
	Panes  []*Pane
}

// Pane is the unit commands execute against.
type Pane struct {
	ID     string
	Index  int
	Title  string
	Active bool
	Cols   int
	Rows   int
}

// Target addresses a pane within the session hierarchy. WindowID and PaneID
// may be empty, in which case the backend picks the active window/pane.
type Target struct {
	SessionID string
	WindowID  string
	PaneID    string
}

// CommandExecution is the immutable record of one executed command.
type CommandExecution struct {
	ID          string
	Command     string
	Output      string
	ExitCode    int
	StartedAt   time.Time
	CompletedAt time.Time
}

// CaptureFunc receives continuous-capture output lines.
type CaptureFunc func(target Target, line string)

// Capability names a static backend feature used by factory capability
// checks.
type Capability string

const (
	CapContinuousCapture Capability = "continuous-capture"
	CapBatchExecution    Capability = "batch-execution"
	CapSessionRecovery   Capability = "session-recovery"
)

// Capabilities are fixed at registration time and never change for a
// backend type.
type Capabilities struct {
	ContinuousCapture     bool
	BatchExecution        bool
	SessionRecovery       bool
	MaxConcurrentSessions int
	MaxConcurrentCommands int
}

// Has reports whether the named capability is present.
func (c Capabilities) Has(cap Capability) bool {
	switch cap {
	case CapContinuousCapture:
		return c.ContinuousCapture
	case CapBatchExecution:
		return c.BatchExecution
	case CapSessionRecovery:
		return c.SessionRecovery
	default:
		return false
	}
}

// Health is the snapshot recomputed on every health-check tick.
type Health struct {
	Healthy             bool
	Latency             time.Duration
	ErrorRate           float64
	ConsecutiveFailures int
	LastCheck           time.Time
}

// ConnectivityReport is produced by TestConnectivity.
type ConnectivityReport struct {
	Reachable bool
	Latency   time.Duration
	SessionID string
	Output    string
	CheckedAt time.Time
}

// Config is the backend configuration threaded through Initialize and
// ReloadConfig.
type Config struct {
	SocketPath          string            `yaml:"socketPath"`
	DefaultShell        string            `yaml:"defaultShell"`
	CaptureBufferSize   int               `yaml:"captureBufferSize"`
	CommandTimeout      time.Duration     `yaml:"-"`
	PerformanceMode     bool              `yaml:"performanceMode"`
	MaxRetries          int               `yaml:"maxRetries"`
	HealthCheckInterval time.Duration     `yaml:"-"`
	BackendSpecific     map[string]string `yaml:"backendSpecific"`

	// Pool, Batch, and Cache carry the execution-layer tuning through
	// Initialize so a backend can size its internals from the loaded file.
	Pool  PoolSettings  `yaml:"-"`
	Batch BatchSettings `yaml:"-"`
	Cache CacheSettings `yaml:"-"`
}

// PoolSettings sizes the backend's connection pool.
type PoolSettings struct {
	Command            string
	Args               []string
	PingCommand        string
	MinConnections     int
	MaxConnections     int
	MaxIdleTime        time.Duration
	AcquireTimeout     time.Duration
	CommandTimeout     time.Duration
	HealthPingInterval time.Duration
}

// BatchSettings tunes the command batcher.
type BatchSettings struct {
	MaxBatchSize         int
	MaxBatchWait         time.Duration
	MaxConcurrentBatches int
	Adaptive             bool
	PerformanceThreshold time.Duration
	LatencyWindow        int
}

// CacheSettings tunes the session metadata cache.
type CacheSettings struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// Specific returns a backend-specific setting with a fallback.
func (c Config) Specific(key, fallback string) string {
	if v, ok := c.BackendSpecific[key]; ok && v != "" {
		return v
	}
	return fallback
}

// ExecutionContext travels with every call for observability and sticky
// A/B assignment. It is never mutated by the execution layer.
type ExecutionContext struct {
	SessionID string
	ClientIP  string
	UserID    string
	RequestID string
	Metadata  map[string]string
}
