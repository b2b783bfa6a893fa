// Package config loads the muxkit configuration file and environment
// overrides, and converts the file sections into the component configs the
// execution layer consumes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
	"github.com/antonkrylov/muxkit/internal/mux/manager"
)

// Duration wraps time.Duration so YAML files can say "10ms" and environment
// overrides can do the same.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the canonical duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}
	d.Duration = parsed
	return nil
}

// File is the full on-disk configuration surface.
type File struct {
	Backend BackendSection `yaml:"backend"`
	Pool    PoolSection    `yaml:"pool"`
	Batch   BatchSection   `yaml:"batch"`
	Cache   CacheSection   `yaml:"cache"`
	Manager ManagerSection `yaml:"manager"`
	Events  EventsSection  `yaml:"events"`
}

// BackendSection selects and configures the backend itself.
type BackendSection struct {
	Type                string            `yaml:"type" envconfig:"BACKEND_TYPE"`
	Fallbacks           []string          `yaml:"fallbacks" envconfig:"BACKEND_FALLBACKS"`
	DefaultShell        string            `yaml:"defaultShell" envconfig:"DEFAULT_SHELL"`
	SocketPath          string            `yaml:"socketPath" envconfig:"SOCKET_PATH"`
	CaptureBufferSize   int               `yaml:"captureBufferSize" envconfig:"CAPTURE_BUFFER_SIZE"`
	CommandTimeout      Duration          `yaml:"commandTimeout" envconfig:"COMMAND_TIMEOUT"`
	PerformanceMode     bool              `yaml:"performanceMode" envconfig:"PERFORMANCE_MODE"`
	MaxRetries          int               `yaml:"maxRetries" envconfig:"BACKEND_MAX_RETRIES"`
	HealthCheckInterval Duration          `yaml:"healthCheckInterval" envconfig:"BACKEND_HEALTH_INTERVAL"`
	Specific            map[string]string `yaml:"specific" ignored:"true"`
}

type PoolSection struct {
	Command            string   `yaml:"command" envconfig:"POOL_COMMAND"`
	Args               []string `yaml:"args" ignored:"true"`
	MinConnections     int      `yaml:"minConnections" envconfig:"POOL_MIN"`
	MaxConnections     int      `yaml:"maxConnections" envconfig:"POOL_MAX"`
	MaxIdleTime        Duration `yaml:"maxIdleTime" envconfig:"POOL_MAX_IDLE"`
	AcquireTimeout     Duration `yaml:"acquireTimeout" envconfig:"POOL_ACQUIRE_TIMEOUT"`
	CommandTimeout     Duration `yaml:"commandTimeout" envconfig:"POOL_COMMAND_TIMEOUT"`
	HealthPingInterval Duration `yaml:"healthPingInterval" envconfig:"POOL_PING_INTERVAL"`
	PingCommand        string   `yaml:"pingCommand" envconfig:"POOL_PING_COMMAND"`
}

type BatchSection struct {
	MaxBatchSize         int      `yaml:"maxBatchSize" envconfig:"BATCH_MAX_SIZE"`
	MaxBatchWait         Duration `yaml:"maxBatchWait" envconfig:"BATCH_MAX_WAIT"`
	MaxConcurrentBatches int      `yaml:"maxConcurrentBatches" envconfig:"BATCH_MAX_CONCURRENT"`
	Adaptive             bool     `yaml:"adaptive" envconfig:"BATCH_ADAPTIVE"`
	PerformanceThreshold Duration `yaml:"performanceThreshold" envconfig:"BATCH_PERF_THRESHOLD"`
	LatencyWindow        int      `yaml:"latencyWindow" envconfig:"BATCH_LATENCY_WINDOW"`
}

type CacheSection struct {
	TTL             Duration `yaml:"ttl" envconfig:"CACHE_TTL"`
	MaxEntries      int      `yaml:"maxEntries" envconfig:"CACHE_MAX_ENTRIES"`
	CleanupInterval Duration `yaml:"cleanupInterval" envconfig:"CACHE_CLEANUP_INTERVAL"`
}

type ManagerSection struct {
	Strategy            string   `yaml:"strategy" envconfig:"MANAGER_STRATEGY"`
	MaxRetries          int      `yaml:"maxRetries" envconfig:"MANAGER_MAX_RETRIES"`
	Sticky              bool     `yaml:"sticky" envconfig:"MANAGER_STICKY"`
	RetryDelay          Duration `yaml:"retryDelay" envconfig:"MANAGER_RETRY_DELAY"`
	HealthCheckInterval Duration `yaml:"healthCheckInterval" envconfig:"MANAGER_HEALTH_INTERVAL"`
	MaxLatency          Duration `yaml:"maxLatency" envconfig:"MANAGER_MAX_LATENCY"`
	DrainTimeout        Duration `yaml:"drainTimeout" envconfig:"MANAGER_DRAIN_TIMEOUT"`
	UnhealthyErrorRate  float64  `yaml:"unhealthyErrorRate" envconfig:"MANAGER_UNHEALTHY_RATE"`
}

// EventsSection configures the optional NATS mirror; with an empty URL the
// bus stays in-process only.
type EventsSection struct {
	NATSURL  string `yaml:"natsUrl" envconfig:"NATS_URL"`
	NATSUser string `yaml:"natsUser" envconfig:"NATS_USER"`
	NATSPass string `yaml:"natsPassword" envconfig:"NATS_PASSWORD"`
	Prefix   string `yaml:"prefix" envconfig:"NATS_PREFIX"`
	Stream   string `yaml:"stream" envconfig:"NATS_STREAM"`
	MaxBytes int64  `yaml:"maxBytes" envconfig:"NATS_MAX_BYTES"`
}

// Default returns the configuration used when no file exists.
func Default() *File {
	return &File{
		Backend: BackendSection{
			Type:                "pipemux",
			DefaultShell:        "/bin/sh",
			CaptureBufferSize:   64 * 1024,
			CommandTimeout:      Duration{5 * time.Second},
			MaxRetries:          3,
			HealthCheckInterval: Duration{10 * time.Second},
		},
		Pool: PoolSection{
			MinConnections:     1,
			MaxConnections:     4,
			MaxIdleTime:        Duration{time.Minute},
			AcquireTimeout:     Duration{5 * time.Second},
			CommandTimeout:     Duration{5 * time.Second},
			HealthPingInterval: Duration{15 * time.Second},
		},
		Batch: BatchSection{
			MaxBatchSize:         16,
			MaxBatchWait:         Duration{10 * time.Millisecond},
			MaxConcurrentBatches: 4,
			Adaptive:             true,
			PerformanceThreshold: Duration{15 * time.Millisecond},
			LatencyWindow:        20,
		},
		Cache: CacheSection{
			TTL:             Duration{30 * time.Second},
			MaxEntries:      1024,
			CleanupInterval: Duration{10 * time.Second},
		},
		Manager: ManagerSection{
			Strategy:            string(manager.StrategyPrimaryFallback),
			MaxRetries:          3,
			RetryDelay:          Duration{50 * time.Millisecond},
			HealthCheckInterval: Duration{10 * time.Second},
			MaxLatency:          Duration{500 * time.Millisecond},
			DrainTimeout:        Duration{5 * time.Second},
			UnhealthyErrorRate:  0.5,
		},
	}
}

// Load reads the file at path and applies MUXKIT_* environment overrides on
// top. A missing file yields the defaults; an empty path skips the file
// entirely.
func Load(path string) (*File, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		expanded, err := expandPath(trimmed)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(expanded)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults plus env only.
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := envconfig.Process("muxkit", cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (f *File) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}

// MuxConfig converts the backend, pool, batch, and cache sections into the
// contract Config a backend receives at Initialize.
func (f *File) MuxConfig() mux.Config {
	specific := make(map[string]string, len(f.Backend.Specific)+2)
	for k, v := range f.Backend.Specific {
		specific[k] = v
	}
	if f.Pool.Command != "" {
		specific["control.command"] = f.Pool.Command
	}
	if len(f.Pool.Args) > 0 {
		specific["control.args"] = strings.Join(f.Pool.Args, " ")
	}
	if f.Pool.MinConnections > 0 {
		specific["pool.min"] = fmt.Sprint(f.Pool.MinConnections)
	}
	if f.Pool.MaxConnections > 0 {
		specific["pool.max"] = fmt.Sprint(f.Pool.MaxConnections)
	}
	return mux.Config{
		SocketPath:          f.Backend.SocketPath,
		DefaultShell:        f.Backend.DefaultShell,
		CaptureBufferSize:   f.Backend.CaptureBufferSize,
		CommandTimeout:      f.Backend.CommandTimeout.Duration,
		PerformanceMode:     f.Backend.PerformanceMode,
		MaxRetries:          f.Backend.MaxRetries,
		HealthCheckInterval: f.Backend.HealthCheckInterval.Duration,
		BackendSpecific:     specific,
		Pool: mux.PoolSettings{
			Command:            f.Pool.Command,
			Args:               f.Pool.Args,
			PingCommand:        f.Pool.PingCommand,
			MinConnections:     f.Pool.MinConnections,
			MaxConnections:     f.Pool.MaxConnections,
			MaxIdleTime:        f.Pool.MaxIdleTime.Duration,
			AcquireTimeout:     f.Pool.AcquireTimeout.Duration,
			CommandTimeout:     f.Pool.CommandTimeout.Duration,
			HealthPingInterval: f.Pool.HealthPingInterval.Duration,
		},
		Batch: mux.BatchSettings{
			MaxBatchSize:         f.Batch.MaxBatchSize,
			MaxBatchWait:         f.Batch.MaxBatchWait.Duration,
			MaxConcurrentBatches: f.Batch.MaxConcurrentBatches,
			Adaptive:             f.Batch.Adaptive,
			PerformanceThreshold: f.Batch.PerformanceThreshold.Duration,
			LatencyWindow:        f.Batch.LatencyWindow,
		},
		Cache: mux.CacheSettings{
			TTL:             f.Cache.TTL.Duration,
			MaxEntries:      f.Cache.MaxEntries,
			CleanupInterval: f.Cache.CleanupInterval.Duration,
		},
	}
}

// ManagerConfig converts the manager section.
func (f *File) ManagerConfig() manager.Config {
	return manager.Config{
		Strategy:            manager.Strategy(f.Manager.Strategy),
		MaxRetries:          f.Manager.MaxRetries,
		Sticky:              f.Manager.Sticky,
		RetryDelay:          f.Manager.RetryDelay.Duration,
		HealthCheckInterval: f.Manager.HealthCheckInterval.Duration,
		MaxLatency:          f.Manager.MaxLatency.Duration,
		DrainTimeout:        f.Manager.DrainTimeout.Duration,
		UnhealthyErrorRate:  f.Manager.UnhealthyErrorRate,
	}
}

// NATSOptions converts the events section; nil means no mirror.
func (f *File) NATSOptions() *events.NATSOptions {
	if f.Events.NATSURL == "" {
		return nil
	}
	return &events.NATSOptions{
		URL:      f.Events.NATSURL,
		User:     f.Events.NATSUser,
		Password: f.Events.NATSPass,
		Prefix:   f.Events.Prefix,
		Stream:   f.Events.Stream,
		MaxBytes: f.Events.MaxBytes,
	}
}
