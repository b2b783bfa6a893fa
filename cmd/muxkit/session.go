package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/muxkit/internal/mux"
)

func newSessionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage terminal sessions",
	}
	cmd.AddCommand(newSessionListCmd(opts))
	cmd.AddCommand(newSessionCreateCmd(opts))
	cmd.AddCommand(newSessionDestroyCmd(opts))
	return cmd
}

func newSessionListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions on the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			m, err := opts.newManager(ctx)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			res := m.ListSessions(ctx, mux.ExecutionContext{})
			if err := resultErr(res); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tWINDOWS\tCREATED")
			for _, s := range res.Data {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Name, len(s.Windows), s.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newSessionCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			m, err := opts.newManager(ctx)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			res := m.CreateSession(ctx, args[0], mux.ExecutionContext{})
			if err := resultErr(res); err != nil {
				return err
			}
			fmt.Println(res.Data.ID)
			return nil
		},
	}
}

func newSessionDestroyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <session-id>",
		Short: "Destroy a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			m, err := opts.newManager(ctx)
			if err != nil {
				return err
			}
			defer m.Close(ctx)
			return resultErr(m.DestroySession(ctx, args[0], mux.ExecutionContext{}))
		},
	}
}
