package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/muxkit/internal/config"
	"github.com/antonkrylov/muxkit/internal/events"
	"github.com/antonkrylov/muxkit/internal/mux"
	"github.com/antonkrylov/muxkit/internal/mux/factory"
	"github.com/antonkrylov/muxkit/internal/mux/manager"
	"github.com/antonkrylov/muxkit/internal/mux/pipemux"
)

type rootOptions struct {
	configPath  string
	backendType string
	verbose     bool

	cfg    *config.File
	logger *slog.Logger
	bus    *events.Bus
}

func (r *rootOptions) prepare() error {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	r.cfg = cfg

	level := slog.LevelInfo
	if r.verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	r.logger = slog.New(handler)

	r.bus = events.NewBus(r.logger)
	if opts := cfg.NATSOptions(); opts != nil {
		mirror, err := events.NewNATSMirror(opts, r.logger)
		if err != nil {
			r.logger.Warn("event mirror unavailable, continuing without it", "err", err)
		} else {
			r.bus.AttachMirror(mirror)
		}
	}
	return nil
}

// newBackend builds the configured backend through the factory.
func (r *rootOptions) newBackend(ctx context.Context) (mux.Backend, error) {
	f := factory.New(r.logger, r.bus)
	err := f.Register(factory.Registration{
		Type:         pipemux.Type,
		New:          func(logger *slog.Logger, bus *events.Bus) (mux.Backend, error) { return pipemux.New(logger, bus), nil },
		Capabilities: mux.Capabilities{ContinuousCapture: true, BatchExecution: true},
		Priority:     10,
	})
	if err != nil {
		return nil, err
	}
	typ := r.backendType
	if typ == "" {
		typ = r.cfg.Backend.Type
	}
	return f.Create(ctx, factory.Options{
		Type:           typ,
		Fallbacks:      r.cfg.Backend.Fallbacks,
		Config:         r.cfg.MuxConfig(),
		ValidateHealth: true,
	})
}

// newManager composes the factory-created backend behind a manager, so
// commands go through selection, retry, and health supervision rather than
// hitting the backend directly.
func (r *rootOptions) newManager(ctx context.Context) (*manager.Manager, error) {
	b, err := r.newBackend(ctx)
	if err != nil {
		return nil, err
	}
	m := manager.New(r.cfg.ManagerConfig(), r.logger, r.bus)
	if err := m.AddBackend(primaryBackendID, b, 1); err != nil {
		b.Shutdown(ctx)
		return nil, err
	}
	m.Start(ctx)
	return m, nil
}

// primaryBackendID is the manager id of the backend built from the config.
const primaryBackendID = "primary"

func (r *rootOptions) close() {
	if r.bus != nil {
		r.bus.Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "muxkit",
		Short: "Pooled, batched, cached execution layer for terminal backends",
	}
	defaultConfig := os.Getenv("MUXKIT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "~/.muxkit/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to muxkit config file")
	rootCmd.PersistentFlags().StringVar(&opts.backendType, "backend", "", "backend type (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, _ []string) {
		opts.close()
	}

	rootCmd.AddCommand(newSessionCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newHealthCmd(opts))
	rootCmd.AddCommand(newBenchCmd(opts))
	rootCmd.AddCommand(newStressCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// resultErr converts a failed Result into an error for cobra.
func resultErr[T any](res mux.Result[T]) error {
	if res.OK {
		return nil
	}
	return fmt.Errorf("%s", res.Err)
}
