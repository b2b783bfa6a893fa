package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions configures the optional JetStream event mirror.
type NATSOptions struct {
	URL      string
	User     string
	Password string
	// Prefix is the subject prefix; events publish to
	// <prefix>.events.<backendID>.<type>.
	Prefix string
	// Stream is the JetStream stream name holding the event subjects.
	Stream   string
	MaxBytes int64
}

func (o *NATSOptions) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "muxkit"
	}
	if o.Stream == "" {
		o.Stream = "MUXKIT_EVENTS"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 64 * 1024 * 1024
	}
}

type natsMirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *NATSOptions
	logger *slog.Logger
}

// NewNATSMirror connects to NATS and ensures the event stream exists. The
// returned Mirror is safe for concurrent use.
func NewNATSMirror(opts *NATSOptions, logger *slog.Logger) (Mirror, error) {
	if opts == nil {
		return nil, fmt.Errorf("nats options are required")
	}
	cfg := *opts
	cfg.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("muxkit-events")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &natsMirror{conn: conn, js: js, opts: &cfg, logger: logger}
	if err := m.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func (m *natsMirror) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       m.opts.Stream,
		Subjects:   []string{m.opts.Prefix + ".events.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: 2 * time.Minute,
	}
	if _, err := m.js.StreamInfo(cfg.Name); err != nil {
		if err == nats.ErrStreamNotFound {
			_, addErr := m.js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg)
	return err
}

func (m *natsMirror) Publish(evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = m.js.Publish(m.subject(evt), payload)
	return err
}

func (m *natsMirror) subject(evt Event) string {
	backend := sanitizeToken(evt.BackendID)
	return fmt.Sprintf("%s.events.%s.%s", m.opts.Prefix, backend, sanitizeToken(string(evt.Type)))
}

func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func (m *natsMirror) Close() {
	if m.conn != nil {
		m.conn.Drain()
		m.conn.Close()
	}
}
