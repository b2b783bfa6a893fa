package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/muxkit/internal/harness"
	"github.com/antonkrylov/muxkit/internal/mux"
)

func newStressCmd(opts *rootOptions) *cobra.Command {
	var (
		sessions  int
		workers   int
		perWorker int
		batches   int
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run the concurrency scenarios against the managed backend stack",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			m, err := opts.newManager(ctx)
			if err != nil {
				return err
			}
			defer m.Close(ctx)
			suite := harness.NewConcurrencySuite(m, opts.logger)
			replace := func(ctx context.Context) (mux.Backend, error) {
				return opts.newBackend(ctx)
			}

			var failed bool
			grown := harness.HeapGrowth(func() {
				for _, result := range []*harness.ConcurrencyResult{
					suite.UniqueSessionStorm(ctx, sessions),
					suite.CollidingSessionNames(ctx, sessions, "contested"),
					suite.CommandFlood(ctx, workers, perWorker),
					suite.OrderedBatches(ctx, batches, batchSize),
					harness.HotSwapUnderLoad(ctx, m, primaryBackendID, replace, workers, perWorker),
				} {
					fmt.Println(harness.FormatResult(result))
					if len(result.Errors) > 0 {
						failed = true
					}
				}
			})
			fmt.Printf("retained heap delta: %d bytes\n", grown)
			if failed {
				return fmt.Errorf("stress scenarios reported errors")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 100, "concurrent session creations")
	cmd.Flags().IntVar(&workers, "workers", 16, "command flood workers")
	cmd.Flags().IntVar(&perWorker, "per-worker", 50, "commands per flood worker")
	cmd.Flags().IntVar(&batches, "batches", 20, "concurrent ordered batches")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10, "commands per ordered batch")
	return cmd
}
