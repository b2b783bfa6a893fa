package events

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Type identifies a category of event emitted by the execution layer.
type Type string

const (
	HealthCheck            Type = "health-check"
	HealthDegraded         Type = "health-degraded"
	HealthRecovered        Type = "health-recovered"
	SessionCreated         Type = "session-created"
	SessionDestroyed       Type = "session-destroyed"
	SessionError           Type = "session-error"
	CommandExecuted        Type = "command-executed"
	CommandFailed          Type = "command-failed"
	BatchCompleted         Type = "batch-completed"
	BatchFailed            Type = "batch-failed"
	BatchModeChanged       Type = "batch-mode-changed"
	PerformanceWarning     Type = "performance-warning"
	PerformanceCritical    Type = "performance-critical"
	BackendReady           Type = "backend-ready"
	BackendError           Type = "backend-error"
	BackendShutdown        Type = "backend-shutdown"
	ConfigReloaded         Type = "config-reloaded"
	BackendHotSwapped      Type = "backend-hot-swapped"
	BackendMarkedUnhealthy Type = "backend-marked-unhealthy"
)

// Event is the value delivered to subscribers. External collaborators
// (logging, metrics, alerting) consume these; the core never depends on who
// is listening.
type Event struct {
	Type      Type           `json:"type"`
	BackendID string         `json:"backendId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Err       string         `json:"err,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Mirror receives every published event, typically to forward it to an
// external system. Publish must not block for long; errors are logged and
// dropped.
type Mirror interface {
	Publish(Event) error
	Close()
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool // nil means all types
}

// Bus fans events out to channel subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.Mutex
	subs    map[int64]*subscriber
	nextID  int64
	dropped uint64
	closed  bool

	mirror Mirror
	logger *slog.Logger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// NewBus creates an event bus. A nil logger discards log output.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = discardLogger
	}
	return &Bus{
		subs:   make(map[int64]*subscriber),
		logger: logger,
	}
}

// AttachMirror forwards every subsequent event to m in addition to local
// subscribers. Only one mirror may be attached.
func (b *Bus) AttachMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe registers a consumer for the given event types; with no types it
// receives everything. The returned id releases the subscription.
func (b *Bus) Subscribe(types ...Type) (int64, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{ch: make(chan Event, 128)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers evt to matching subscribers and the mirror, stamping
// Event.At if unset.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped++
		}
	}
	mirror := b.mirror
	b.mu.Unlock()

	if mirror != nil {
		if err := mirror.Publish(evt); err != nil {
			b.logger.Error("event mirror publish", "type", evt.Type, "err", err)
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels and the mirror. Publish becomes a
// no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*subscriber)
	mirror := b.mirror
	b.mirror = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	if mirror != nil {
		mirror.Close()
	}
}
