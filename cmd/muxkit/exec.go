package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/muxkit/internal/mux"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionName string
		batch       bool
		capture     int
	)
	cmd := &cobra.Command{
		Use:   "exec <command> [command...]",
		Short: "Run commands in a throwaway or named session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			m, err := opts.newManager(ctx)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			name := sessionName
			ephemeral := name == ""
			if ephemeral {
				name = "exec-ephemeral"
			}
			sess := m.CreateSession(ctx, name, mux.ExecutionContext{})
			if err := resultErr(sess); err != nil {
				return err
			}
			if ephemeral {
				defer m.DestroySession(ctx, sess.Data.ID, mux.ExecutionContext{})
			}
			target := mux.Target{SessionID: sess.Data.ID}

			if batch || len(args) > 1 {
				res := m.ExecuteBatch(ctx, target, args, mux.ExecutionContext{})
				if err := resultErr(res); err != nil {
					return err
				}
				for _, exec := range res.Data {
					fmt.Println(exec.Output)
				}
			} else {
				res := m.ExecuteCommand(ctx, target, args[0], mux.ExecutionContext{})
				if err := resultErr(res); err != nil {
					return err
				}
				fmt.Println(res.Data.Output)
			}

			if capture > 0 {
				out := m.CaptureOutput(ctx, target, capture, mux.ExecutionContext{})
				if err := resultErr(out); err != nil {
					return err
				}
				fmt.Printf("--- last %d lines ---\n%s\n", capture, out.Data)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionName, "session", "s", "", "run in a named session and keep it")
	cmd.Flags().BoolVar(&batch, "batch", false, "force batched execution")
	cmd.Flags().IntVar(&capture, "capture", 0, "print the last N captured lines afterwards")
	return cmd
}
