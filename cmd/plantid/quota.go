package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newQuotaCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect provider quotas",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show quota usage per provider and window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tWINDOW\tLIMIT\tUSED\tREMAINING\tRESETS")
			for _, p := range a.providers {
				statuses, err := a.tracker.Status(context.Background(), p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				for _, s := range statuses {
					resets := "-"
					if !s.ResetAt.IsZero() {
						resets = time.Until(s.ResetAt).Round(time.Second).String()
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
						p, s.Window.Label, s.Limit, s.Used, s.Remaining(), resets)
				}
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(statusCmd)
	return cmd
}
