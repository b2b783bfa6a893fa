package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antonkrylov/muxkit/internal/mux/manager"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Type != "pipemux" {
		t.Fatalf("backend type = %q", cfg.Backend.Type)
	}
	if cfg.Batch.MaxBatchWait.Duration != 10*time.Millisecond {
		t.Fatalf("maxBatchWait = %s", cfg.Batch.MaxBatchWait)
	}
	if cfg.Manager.Strategy != string(manager.StrategyPrimaryFallback) {
		t.Fatalf("strategy = %q", cfg.Manager.Strategy)
	}
}

func TestLoadParsesDurationsAndSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muxkit.yaml")
	raw := `
backend:
  type: pipemux
  performanceMode: true
  commandTimeout: 2s
pool:
  command: cat
  minConnections: 2
  maxConnections: 8
batch:
  maxBatchWait: 25ms
  performanceThreshold: 40ms
manager:
  strategy: least-connections
  drainTimeout: 1s
cache:
  ttl: 5s
events:
  natsUrl: nats://localhost:4222
  stream: EVENTS
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Backend.PerformanceMode {
		t.Fatalf("performanceMode not set")
	}
	if got := cfg.ManagerConfig(); got.Strategy != manager.StrategyLeastConnections || got.DrainTimeout != time.Second {
		t.Fatalf("manager config = %+v", got)
	}
	opts := cfg.NATSOptions()
	if opts == nil || opts.URL != "nats://localhost:4222" || opts.Stream != "EVENTS" {
		t.Fatalf("nats options = %+v", opts)
	}

	mc := cfg.MuxConfig()
	if mc.CommandTimeout != 2*time.Second {
		t.Fatalf("command timeout = %s", mc.CommandTimeout)
	}
	if mc.BackendSpecific["control.command"] != "cat" || mc.BackendSpecific["pool.max"] != "8" {
		t.Fatalf("backend specific = %v", mc.BackendSpecific)
	}
	if mc.Pool.MinConnections != 2 || mc.Pool.MaxConnections != 8 || mc.Pool.Command != "cat" {
		t.Fatalf("pool settings = %+v", mc.Pool)
	}
	if mc.Batch.MaxBatchWait != 25*time.Millisecond || mc.Batch.PerformanceThreshold != 40*time.Millisecond {
		t.Fatalf("batch settings = %+v", mc.Batch)
	}
	if mc.Cache.TTL != 5*time.Second {
		t.Fatalf("cache ttl = %s", mc.Cache.TTL)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muxkit.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  maxConnections: 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MUXKIT_POOL_MAX", "16")
	t.Setenv("MUXKIT_BATCH_MAX_WAIT", "99ms")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.MaxConnections != 16 {
		t.Fatalf("maxConnections = %d, want env override", cfg.Pool.MaxConnections)
	}
	if cfg.Batch.MaxBatchWait.Duration != 99*time.Millisecond {
		t.Fatalf("maxBatchWait = %s", cfg.Batch.MaxBatchWait)
	}
}

func TestNoMirrorWithoutURL(t *testing.T) {
	if opts := Default().NATSOptions(); opts != nil {
		t.Fatalf("expected nil mirror options, got %+v", opts)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "muxkit.yaml")
	cfg := Default()
	cfg.Pool.Command = "cat"
	cfg.Batch.MaxBatchWait = Duration{42 * time.Millisecond}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Pool.Command != "cat" || loaded.Batch.MaxBatchWait.Duration != 42*time.Millisecond {
		t.Fatalf("round trip lost values: %+v", loaded.Pool)
	}
}
