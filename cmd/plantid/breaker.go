package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newBreakerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect provider circuit breakers",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the circuit state of every provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATE\tFAILURES\tLAST FAILURE\tNEXT PROBE")
			for _, p := range a.providers {
				snap, err := a.breaker.State(context.Background(), p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					p, snap.Status, snap.ConsecutiveFailures, formatTime(snap.LastFailureAt), formatTime(snap.NextProbeAt))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(statusCmd)
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
