package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var connectivity bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe backend health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			b, err := opts.newBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Shutdown(ctx)

			res := b.PerformHealthCheck(ctx)
			if err := resultErr(res); err != nil {
				return err
			}
			h := res.Data
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "backend\t%s\n", b.Type())
			fmt.Fprintf(w, "healthy\t%t\n", h.Healthy)
			fmt.Fprintf(w, "latency\t%s\n", h.Latency)
			fmt.Fprintf(w, "errorRate\t%.2f\n", h.ErrorRate)
			fmt.Fprintf(w, "consecutiveFailures\t%d\n", h.ConsecutiveFailures)

			if connectivity {
				report := b.TestConnectivity(ctx)
				if err := resultErr(report); err != nil {
					return err
				}
				fmt.Fprintf(w, "reachable\t%t\n", report.Data.Reachable)
				fmt.Fprintf(w, "roundTrip\t%s\n", report.Data.Latency)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !h.Healthy {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&connectivity, "connectivity", false, "also run a full connectivity probe")
	return cmd
}
