package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/ledgersync/internal/payments"
)

func newRunsCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent reconciliation runs",
		Example: `  # Last five runs as JSON
  ledgerctl runs --limit 5 --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := a.stores.Payments.ListRuns(cmd.Context(), payments.ClampLimit(limit, 10), nil)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			return a.print(cmd.OutOrStdout(), runs, func(w io.Writer) {
				if len(runs) == 0 {
					fmt.Fprintln(w, "No reconciliation runs yet.")
					return
				}
				for i, run := range runs {
					if i > 0 {
						fmt.Fprintln(w)
					}
					printRun(w, run)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of runs to list (max 100)")

	return cmd
}
