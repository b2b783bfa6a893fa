// Package harness measures backend performance and hammers backends with
// concurrent workloads. It drives only the public contract, so any backend
// implementation can be benchmarked and stress-tested interchangeably.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/antonkrylov/muxkit/internal/mux"
)

// Surface is the slice of the backend contract the harness drives. Both a
// single backend and the manager satisfy it, so workloads run identically
// against one instance or the routed stack.
type Surface interface {
	CreateSession(ctx context.Context, name string, ec mux.ExecutionContext) mux.Result[*mux.Session]
	DestroySession(ctx context.Context, id string, ec mux.ExecutionContext) mux.Result[mux.Unit]
	ListSessions(ctx context.Context, ec mux.ExecutionContext) mux.Result[[]*mux.Session]
	ExecuteCommand(ctx context.Context, target mux.Target, command string, ec mux.ExecutionContext) mux.Result[*mux.CommandExecution]
	ExecuteBatch(ctx context.Context, target mux.Target, commands []string, ec mux.ExecutionContext) mux.Result[[]*mux.CommandExecution]
	CaptureOutput(ctx context.Context, target mux.Target, lines int, ec mux.ExecutionContext) mux.Result[string]
}

// Workload is one repeatable operation against a live session.
type Workload struct {
	Name string
	Run  func(ctx context.Context, s Surface, target mux.Target) error
}

// EchoWorkload measures single-command round-trips.
func EchoWorkload() Workload {
	return Workload{
		Name: "echo",
		Run: func(ctx context.Context, s Surface, target mux.Target) error {
			return s.ExecuteCommand(ctx, target, "echo bench", mux.ExecutionContext{}).Error()
		},
	}
}

// SessionListWorkload measures the cheap metadata read path.
func SessionListWorkload() Workload {
	return Workload{
		Name: "session-list",
		Run: func(ctx context.Context, s Surface, target mux.Target) error {
			return s.ListSessions(ctx, mux.ExecutionContext{}).Error()
		},
	}
}

// CaptureWorkload measures output retrieval.
func CaptureWorkload(lines int) Workload {
	return Workload{
		Name: "capture",
		Run: func(ctx context.Context, s Surface, target mux.Target) error {
			return s.CaptureOutput(ctx, target, lines, mux.ExecutionContext{}).Error()
		},
	}
}

// BatchWorkload measures batched execution of size commands.
func BatchWorkload(size int) Workload {
	return Workload{
		Name: fmt.Sprintf("batch-%d", size),
		Run: func(ctx context.Context, s Surface, target mux.Target) error {
			commands := make([]string, size)
			for i := range commands {
				commands[i] = fmt.Sprintf("echo batch-%d", i)
			}
			return s.ExecuteBatch(ctx, target, commands, mux.ExecutionContext{}).Error()
		},
	}
}

// Report summarizes one benchmark run.
type Report struct {
	Workload   string
	Iterations int
	Failures   int
	Total      time.Duration
	Mean       time.Duration
	Median     time.Duration
	P95        time.Duration
	P99        time.Duration
	StdDev     time.Duration
	Throughput float64 // operations per second
}

// Options sizes a benchmark run.
type Options struct {
	Iterations int
	Warmup     int
}

func (o *Options) setDefaults() {
	if o.Iterations <= 0 {
		o.Iterations = 100
	}
	if o.Warmup < 0 {
		o.Warmup = 0
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Benchmark runs workloads against one surface inside a dedicated session.
type Benchmark struct {
	surface Surface
	logger  *slog.Logger
}

// NewBenchmark wraps an initialized backend or manager.
func NewBenchmark(s Surface, logger *slog.Logger) *Benchmark {
	if logger == nil {
		logger = discardLogger
	}
	return &Benchmark{surface: s, logger: logger}
}

// Run executes the workload Iterations times after Warmup unmeasured passes.
// The throwaway session is destroyed afterwards.
func (bm *Benchmark) Run(ctx context.Context, w Workload, opts Options) (*Report, error) {
	opts.setDefaults()
	sess := bm.surface.CreateSession(ctx, fmt.Sprintf("bench-%s-%d", w.Name, time.Now().UnixNano()), mux.ExecutionContext{})
	if !sess.OK {
		return nil, fmt.Errorf("benchmark session: %s", sess.Err)
	}
	defer bm.surface.DestroySession(ctx, sess.Data.ID, mux.ExecutionContext{})
	target := mux.Target{SessionID: sess.Data.ID}

	for i := 0; i < opts.Warmup; i++ {
		_ = w.Run(ctx, bm.surface, target)
	}

	samples := make([]time.Duration, 0, opts.Iterations)
	failures := 0
	runStart := time.Now()
	for i := 0; i < opts.Iterations; i++ {
		started := time.Now()
		if err := w.Run(ctx, bm.surface, target); err != nil {
			failures++
			continue
		}
		samples = append(samples, time.Since(started))
	}
	total := time.Since(runStart)

	report := summarize(w.Name, samples, failures, total)
	bm.logger.Info("benchmark complete",
		"workload", w.Name,
		"iterations", report.Iterations,
		"mean", report.Mean,
		"p95", report.P95,
		"throughput", fmt.Sprintf("%.1f/s", report.Throughput),
	)
	return report, nil
}

func summarize(name string, samples []time.Duration, failures int, total time.Duration) *Report {
	report := &Report{
		Workload:   name,
		Iterations: len(samples) + failures,
		Failures:   failures,
		Total:      total,
	}
	if len(samples) == 0 {
		return report
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	report.Mean = sum / time.Duration(len(sorted))
	report.Median = percentile(sorted, 0.50)
	report.P95 = percentile(sorted, 0.95)
	report.P99 = percentile(sorted, 0.99)

	var variance float64
	mean := float64(report.Mean)
	for _, d := range sorted {
		diff := float64(d) - mean
		variance += diff * diff
	}
	report.StdDev = time.Duration(math.Sqrt(variance / float64(len(sorted))))
	if total > 0 {
		report.Throughput = float64(len(sorted)) / total.Seconds()
	}
	return report
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Comparison relates a candidate run to a baseline of the same workload.
type Comparison struct {
	Workload        string
	Baseline        *Report
	Candidate       *Report
	MeanSpeedup     float64
	P95Speedup      float64
	ThroughputRatio float64
}

// Compare computes speedups, typically baseline without performance mode
// against a candidate with it enabled. Values above 1 mean the candidate is
// faster.
func Compare(baseline, candidate *Report) *Comparison {
	c := &Comparison{Workload: baseline.Workload, Baseline: baseline, Candidate: candidate}
	if candidate.Mean > 0 {
		c.MeanSpeedup = float64(baseline.Mean) / float64(candidate.Mean)
	}
	if candidate.P95 > 0 {
		c.P95Speedup = float64(baseline.P95) / float64(candidate.P95)
	}
	if baseline.Throughput > 0 {
		c.ThroughputRatio = candidate.Throughput / baseline.Throughput
	}
	return c
}
