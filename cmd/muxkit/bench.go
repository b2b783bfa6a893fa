package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/muxkit/internal/harness"
)

func newBenchCmd(opts *rootOptions) *cobra.Command {
	var (
		iterations int
		warmup     int
		batchSize  int
		compare    bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			workloads := []harness.Workload{
				harness.EchoWorkload(),
				harness.SessionListWorkload(),
				harness.CaptureWorkload(50),
				harness.BatchWorkload(batchSize),
			}
			runOpts := harness.Options{Iterations: iterations, Warmup: warmup}

			if !compare {
				m, err := opts.newManager(ctx)
				if err != nil {
					return err
				}
				defer m.Close(ctx)
				bm := harness.NewBenchmark(m, opts.logger)
				w := newReportWriter()
				for _, wl := range workloads {
					report, err := bm.Run(ctx, wl, runOpts)
					if err != nil {
						return err
					}
					printReport(w, report)
				}
				return w.Flush()
			}

			// Baseline without performance mode, candidate with it.
			opts.cfg.Backend.PerformanceMode = false
			baseMgr, err := opts.newManager(ctx)
			if err != nil {
				return err
			}
			baseBench := harness.NewBenchmark(baseMgr, opts.logger)

			opts.cfg.Backend.PerformanceMode = true
			candMgr, err := opts.newManager(ctx)
			if err != nil {
				baseMgr.Close(ctx)
				return err
			}
			candBench := harness.NewBenchmark(candMgr, opts.logger)
			defer baseMgr.Close(ctx)
			defer candMgr.Close(ctx)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKLOAD\tBASE MEAN\tPERF MEAN\tSPEEDUP\tTHROUGHPUT RATIO")
			for _, wl := range workloads {
				baseline, err := baseBench.Run(ctx, wl, runOpts)
				if err != nil {
					return err
				}
				candidate, err := candBench.Run(ctx, wl, runOpts)
				if err != nil {
					return err
				}
				c := harness.Compare(baseline, candidate)
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2fx\t%.2fx\n",
					wl.Name, baseline.Mean, candidate.Mean, c.MeanSpeedup, c.ThroughputRatio)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 100, "measured iterations per workload")
	cmd.Flags().IntVar(&warmup, "warmup", 5, "unmeasured warmup iterations")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10, "commands per batch workload")
	cmd.Flags().BoolVar(&compare, "compare", false, "compare performance mode against baseline")
	return cmd
}

func newReportWriter() *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKLOAD\tITER\tFAIL\tMEAN\tMEDIAN\tP95\tP99\tSTDDEV\tTHROUGHPUT")
	return w
}

func printReport(w *tabwriter.Writer, r *harness.Report) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%.1f/s\n",
		r.Workload, r.Iterations, r.Failures, r.Mean, r.Median, r.P95, r.P99, r.StdDev, r.Throughput)
}
