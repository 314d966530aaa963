package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/ledgersync/internal/payments"
	"github.com/mbd888/ledgersync/internal/server"
)

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long: `Run one reconciliation pass synchronously against the configured stores
and bank ledger, then print the recorded run.

Exits non-zero when the run fails or another run holds the lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := server.NewEngine(a.cfg, a.stores.Payments, a.ledger, a.logger)
			res, err := engine.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("reconciliation run failed: %w", err)
			}

			return a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				printRun(w, res.Run)
				fmt.Fprintf(w, "  accounts:    %d\n", len(res.Accounts))
				if len(res.Unverified) > 0 {
					fmt.Fprintf(w, "  unverified:  %d (bank balance unavailable)\n", len(res.Unverified))
				}
				fmt.Fprintf(w, "  duration:    %s\n", res.Duration)
			})
		},
	}
}

func printRun(w io.Writer, run *payments.ReconciliationRun) {
	fmt.Fprintf(w, "run %s\n", run.RunID)
	fmt.Fprintf(w, "  created:     %s\n", run.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"))
	fmt.Fprintf(w, "  tx:          %d\n", run.TotalTx)
	fmt.Fprintf(w, "  mismatched:  %d\n", run.MismatchedTx)
	fmt.Fprintf(w, "  discrepancy: $%s\n", run.TotalDiscrepancyUSD.StringFixed(2))
	if run.Summary != nil {
		fmt.Fprintf(w, "  summary:     %s\n", *run.Summary)
	}
}
