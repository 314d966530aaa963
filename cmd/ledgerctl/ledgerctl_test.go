package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/config"
	"github.com/mbd888/ledgersync/internal/eventstore"
	"github.com/mbd888/ledgersync/internal/logging"
	"github.com/mbd888/ledgersync/internal/payments"
	"github.com/mbd888/ledgersync/internal/reconciliation"
	"github.com/mbd888/ledgersync/internal/server"
)

type zeroLedger struct{}

func (zeroLedger) Hold(context.Context, bank.HoldRequest) error { return nil }
func (zeroLedger) Balance(context.Context, string) (*big.Int, error) {
	return new(big.Int), nil
}

func newTestApp() *app {
	return &app{
		cfg: &config.Config{
			ReconLookback:           24 * time.Hour,
			ReconBalanceConcurrency: 2,
			DemoInterval:            time.Second,
		},
		logger: logging.Discard(),
		stores: &server.Stores{
			Payments: payments.NewMemoryStore(),
			Stream:   eventstore.NewMemoryStore(0),
		},
		ledger: zeroLedger{},
	}
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedAndReset(t *testing.T) {
	a := newTestApp()

	out, err := execute(t, a, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "Seeded 4 demo payments.")

	list, err := a.stores.Payments.ListPayments(context.Background(), payments.PaymentFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 4)

	out, err = execute(t, a, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 4 demo payments.")
}

func TestReconcile(t *testing.T) {
	a := newTestApp()
	_, err := execute(t, a, "seed")
	require.NoError(t, err)

	out, err := execute(t, a, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "run ")
	// Settled fixture flows touch three addresses and the bank holds nothing.
	assert.Contains(t, out, "mismatched:  3")
	assert.Contains(t, out, "accounts:    3")

	out, err = execute(t, a, "runs", "--output", "json")
	require.NoError(t, err)
	var runs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, float64(3), runs[0]["mismatchedTx"])
}

func TestReconcile_LockHeldFails(t *testing.T) {
	a := newTestApp()
	unlock, ok, err := a.stores.Payments.AcquireRunLock(context.Background(), reconciliation.LockName)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, err = execute(t, a, "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconciliation run failed")
}

func TestRuns_Empty(t *testing.T) {
	out, err := execute(t, newTestApp(), "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "No reconciliation runs yet.")
}

func TestSimulate_Count(t *testing.T) {
	a := newTestApp()

	out, err := execute(t, a, "simulate", "--count", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, bytes.Count([]byte(out), []byte("\n")))

	list, err := a.stores.Payments.ListPayments(context.Background(), payments.PaymentFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, p := range list {
		assert.Equal(t, payments.DefaultCurrency, p.Currency)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := execute(t, newTestApp(), "runs", "--output", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestClose_OnlyOwnedStores(t *testing.T) {
	a := newTestApp()
	require.NoError(t, a.close())
	assert.NotNil(t, a.stores, "injected stores must not be closed")

	a.owned = true
	require.NoError(t, a.close())
	assert.Nil(t, a.stores)
	assert.NoError(t, a.close())
}
