package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/config"
	"github.com/mbd888/ledgersync/internal/logging"
	"github.com/mbd888/ledgersync/internal/server"
)

// app carries what every subcommand needs. Fields left nil are filled from
// the environment before a subcommand runs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stores *server.Stores
	ledger bank.Ledger

	output  string
	verbose bool
	owned   bool
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "ledgersync operator tool",
		Long:          "ledgerctl runs reconciliation, inspects past runs and manages demo data against the ledgersync stores.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.output, "output", "text", "output format: json|text")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newReconcileCmd(a))
	rootCmd.AddCommand(newRunsCmd(a))
	rootCmd.AddCommand(newSeedCmd(a))
	rootCmd.AddCommand(newResetCmd(a))
	rootCmd.AddCommand(newSimulateCmd(a))

	return rootCmd
}

func (a *app) init(ctx context.Context) error {
	if a.output != "text" && a.output != "json" {
		return fmt.Errorf("unknown output format %q (want json or text)", a.output)
	}
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
	}
	if a.logger == nil {
		level := "info"
		if a.verbose {
			level = "debug"
		}
		a.logger = logging.NewWithWriter(os.Stderr, level, "text")
	}
	if a.stores == nil {
		stores, err := server.OpenStores(ctx, a.cfg, a.logger)
		if err != nil {
			return err
		}
		a.stores = stores
		a.owned = true
	}
	if a.ledger == nil {
		a.ledger = server.NewLedger(a.cfg)
	}
	return nil
}

func (a *app) close() error {
	if !a.owned || a.stores == nil {
		return nil
	}
	err := a.stores.Close()
	a.stores = nil
	a.owned = false
	return err
}

// print writes v as indented JSON in json mode, otherwise calls text.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
