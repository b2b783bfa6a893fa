// Package factory constructs backends from registered types, with fallback
// chains, capability requirements, and optional creation-time health
// validation. A Factory instance owns its registry; there is no package
// state, so tests and embedders compose factories freely.
package factory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
)

// Constructor builds an uninitialized backend instance.
type Constructor func(logger *slog.Logger, bus *events.Bus) (mux.Backend, error)

// Registration describes one backend type.
type Registration struct {
	Type         string
	New          Constructor
	Capabilities mux.Capabilities
	// Priority orders fallback candidates; higher wins.
	Priority int
	// Platforms restricts the type to specific GOOS values. Empty means any.
	Platforms []string
}

func (r Registration) supportsPlatform(goos string) bool {
	if len(r.Platforms) == 0 {
		return true
	}
	for _, p := range r.Platforms {
		if p == goos {
			return true
		}
	}
	return false
}

// Options steer one Create call.
type Options struct {
	// Type is the preferred backend type; empty selects the factory default.
	Type string
	// Fallbacks are tried in order when the preferred type fails.
	Fallbacks []string
	// Require rejects backends missing any listed capability.
	Require []mux.Capability
	// ValidateHealth runs a health check after initialization. A failing
	// check logs a warning but does not fail creation; transient faults at
	// startup should not prevent a backend from coming up.
	ValidateHealth bool
	Config         mux.Config
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Factory is safe for concurrent use.
type Factory struct {
	logger *slog.Logger
	bus    *events.Bus
	goos   string

	mu          sync.Mutex
	types       map[string]Registration
	defaultType string
}

// New builds an empty factory.
func New(logger *slog.Logger, bus *events.Bus) *Factory {
	if logger == nil {
		logger = discardLogger
	}
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Factory{
		logger: logger,
		bus:    bus,
		goos:   runtime.GOOS,
		types:  make(map[string]Registration),
	}
}

// Register adds a backend type. Re-registering a type is a programming error
// and is rejected.
func (f *Factory) Register(reg Registration) error {
	if reg.Type == "" || reg.New == nil {
		return fmt.Errorf("registration needs a type and a constructor")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.types[reg.Type]; exists {
		return fmt.Errorf("backend type %q already registered", reg.Type)
	}
	f.types[reg.Type] = reg
	if f.defaultType == "" {
		f.defaultType = reg.Type
	}
	f.logger.Debug("backend type registered", "type", reg.Type, "priority", reg.Priority)
	return nil
}

// SetDefault changes the type used when Options.Type is empty.
func (f *Factory) SetDefault(typ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.types[typ]; !ok {
		return fmt.Errorf("backend type %q not registered", typ)
	}
	f.defaultType = typ
	return nil
}

// Default returns the current default type, or empty when nothing is
// registered.
func (f *Factory) Default() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaultType
}

// Types lists registered types ordered by descending priority.
func (f *Factory) Types() []string {
	f.mu.Lock()
	regs := make([]Registration, 0, len(f.types))
	for _, r := range f.types {
		regs = append(regs, r)
	}
	f.mu.Unlock()
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority > regs[j].Priority
		}
		return regs[i].Type < regs[j].Type
	})
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.Type
	}
	return out
}

// Capabilities reports the registered capabilities of a type without
// constructing it.
func (f *Factory) Capabilities(typ string) (mux.Capabilities, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.types[typ]
	return reg.Capabilities, ok
}

// Create builds and initializes a backend, walking the preferred type and
// then the fallback chain. The first candidate that initializes and meets
// the capability requirements wins.
func (f *Factory) Create(ctx context.Context, opts Options) (mux.Backend, error) {
	candidates := f.candidateChain(opts)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no backend types registered", mux.ErrInitializationFailed)
	}
	var lastErr error
	for _, typ := range candidates {
		b, err := f.createOne(ctx, typ, opts)
		if err == nil {
			return b, nil
		}
		lastErr = err
		f.logger.Warn("backend creation failed, trying fallback", "type", typ, "err", err)
	}
	return nil, lastErr
}

func (f *Factory) candidateChain(opts Options) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	preferred := opts.Type
	if preferred == "" {
		preferred = f.defaultType
	}
	seen := make(map[string]bool)
	var chain []string
	for _, typ := range append([]string{preferred}, opts.Fallbacks...) {
		if typ == "" || seen[typ] {
			continue
		}
		seen[typ] = true
		chain = append(chain, typ)
	}
	return chain
}

func (f *Factory) createOne(ctx context.Context, typ string, opts Options) (mux.Backend, error) {
	f.mu.Lock()
	reg, ok := f.types[typ]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend type %q not registered", typ)
	}
	if !reg.supportsPlatform(f.goos) {
		return nil, fmt.Errorf("%w: type %q does not support %s", mux.ErrPlatformUnsupported, typ, f.goos)
	}
	for _, cap := range opts.Require {
		if !reg.Capabilities.Has(cap) {
			return nil, fmt.Errorf("%w: type %q lacks %s", mux.ErrCapabilityMismatch, typ, cap)
		}
	}

	b, err := reg.New(f.logger, f.bus)
	if err != nil {
		return nil, fmt.Errorf("construct %q: %w", typ, err)
	}
	if res := b.Initialize(ctx, opts.Config); !res.OK {
		b.Shutdown(ctx)
		return nil, fmt.Errorf("%w: %s: %s", mux.ErrInitializationFailed, typ, res.Err)
	}
	// The registration promised these capabilities; verify the instance
	// actually delivers them before handing it out.
	for _, cap := range opts.Require {
		if !b.Capabilities().Has(cap) {
			b.Shutdown(ctx)
			return nil, fmt.Errorf("%w: instance of %q lacks %s", mux.ErrCapabilityMismatch, typ, cap)
		}
	}
	if opts.ValidateHealth {
		if res := b.PerformHealthCheck(ctx); !res.OK || !res.Data.Healthy {
			f.logger.Warn("backend unhealthy at creation", "type", typ, "backend", b.Type(), "err", res.Err)
		}
	}
	f.bus.Publish(events.Event{Type: events.BackendReady, BackendID: typ})
	f.logger.Info("backend created", "type", typ)
	return b, nil
}

// TestAvailability probes whether a type can actually serve: construct,
// initialize, health-check, tear down. It never leaves an instance running.
func (f *Factory) TestAvailability(ctx context.Context, typ string, cfg mux.Config) error {
	started := time.Now()
	b, err := f.createOne(ctx, typ, Options{Type: typ, Config: cfg})
	if err != nil {
		return err
	}
	defer b.Shutdown(ctx)
	res := b.PerformHealthCheck(ctx)
	if !res.OK {
		return fmt.Errorf("availability check for %q: %s", typ, res.Err)
	}
	if !res.Data.Healthy {
		return fmt.Errorf("%w: %q failed its availability probe", mux.ErrConnectionUnhealthy, typ)
	}
	f.logger.Debug("availability verified", "type", typ, "elapsed", time.Since(started))
	return nil
}

// EnsembleMember names one backend in a multi-backend ensemble.
type EnsembleMember struct {
	Type   string
	Weight int
	Config mux.Config
}

// Ensemble is the result of CreateEnsemble; Warnings carries the members
// that failed to come up.
type Ensemble struct {
	Backends map[string]mux.Backend
	Weights  map[string]int
	Warnings []string
}

// CreateEnsemble builds several backends at once for weighted routing.
// Partial failure is tolerated: failed members become warnings as long as at
// least one member comes up.
func (f *Factory) CreateEnsemble(ctx context.Context, members []EnsembleMember) (*Ensemble, error) {
	ens := &Ensemble{
		Backends: make(map[string]mux.Backend),
		Weights:  make(map[string]int),
	}
	for _, m := range members {
		b, err := f.createOne(ctx, m.Type, Options{Type: m.Type, Config: m.Config})
		if err != nil {
			ens.Warnings = append(ens.Warnings, fmt.Sprintf("%s: %v", m.Type, err))
			continue
		}
		weight := m.Weight
		if weight <= 0 {
			weight = 1
		}
		ens.Backends[m.Type] = b
		ens.Weights[m.Type] = weight
	}
	if len(ens.Backends) == 0 {
		return nil, fmt.Errorf("%w: every ensemble member failed: %v", mux.ErrInitializationFailed, ens.Warnings)
	}
	for _, w := range ens.Warnings {
		f.logger.Warn("ensemble member unavailable", "member", w)
	}
	return ens, nil
}
