package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/ledgersync/internal/demo"
)

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Replace the demo fixture payments",
		Long: `Delete the demo fixture payments and insert fresh copies with their
events. Other payments are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := demo.Seed(cmd.Context(), a.stores.Payments, a.stores.Stream, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d demo payments.\n", n)
			return nil
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the demo fixture payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := demo.Reset(cmd.Context(), a.stores.Payments)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d demo payments.\n", n)
			return nil
		},
	}
}

func newSimulateCmd(a *app) *cobra.Command {
	var interval time.Duration
	var count int

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Insert random demo payments",
		Long: `Insert one random payment per interval until interrupted. With --count the
given number of payments is inserted immediately instead.`,
		Example: `  # One payment every 5 seconds
  ledgerctl simulate --interval 5s

  # Insert 20 payments and exit
  ledgerctl simulate --count 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				interval = a.cfg.DemoInterval
			}
			sim := demo.NewSimulator(a.stores.Payments, a.stores.Stream, interval, a.logger)

			if count > 0 {
				for i := 0; i < count; i++ {
					p, err := sim.Insert(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %s\n", p.PaymentHash, p.Status, p.AmountString())
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "Simulating a payment every %s (Ctrl-C to stop)\n", interval)
			sim.Start(ctx)
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between payments (default DEMO_INTERVAL)")
	cmd.Flags().IntVar(&count, "count", 0, "Insert this many payments and exit")

	return cmd
}
