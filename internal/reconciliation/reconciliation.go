// Package reconciliation compares per-account on-chain flows against the
// bank ledger and records the outcome of every run.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/ledgersync/internal/amount"
	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/logging"
	"github.com/mbd888/ledgersync/internal/payments"
	"github.com/mbd888/ledgersync/internal/summary"
	"github.com/mbd888/ledgersync/internal/traces"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = errors.New("reconciliation: run already in progress")

const (
	// LockName is the run lock shared by every engine instance.
	LockName = "reconciliation"
	// TopAccounts is how many accounts are ranked for the summary.
	TopAccounts = 5
	// storedPlaces matches the precision of the persisted run total.
	storedPlaces = 6
)

// Config tunes the engine.
type Config struct {
	Lookback    time.Duration
	Concurrency int
	Rate        amount.Rate
}

// Engine runs reconciliation passes.
type Engine struct {
	store    payments.Store
	ledger   bank.Ledger
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newRunID func() string
}

// NewEngine creates an engine. Zero config values fall back to a 24h window
// and four concurrent balance fetches.
func NewEngine(store payments.Store, ledger bank.Ledger, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Engine{
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.With("component", "reconciliation"),
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// Result describes a completed run.
type Result struct {
	Run      *payments.ReconciliationRun `json:"run"`
	Accounts []*payments.Account         `json:"accounts"`
	// Unverified lists accounts whose bank balance could not be fetched and
	// was taken as zero.
	Unverified  []string             `json:"unverified"`
	TopAccounts []summary.TopAccount `json:"topAccounts"`
	Duration    time.Duration        `json:"-"`
}

// RunOnce performs one full reconciliation pass. Bank failures for single
// accounts are tolerated; any store failure aborts the run.
func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	unlock, ok, err := e.store.AcquireRunLock(ctx, LockName)
	if err != nil {
		runsTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		runsTotal.WithLabelValues(outcomeSkipped).Inc()
		return nil, ErrRunInProgress
	}
	defer unlock()

	start := e.now()
	runID := e.newRunID()
	ctx = logging.WithLogger(logging.WithRunID(ctx, runID), e.logger)
	ctx, span := traces.StartSpan(ctx, "reconciliation.run", traces.RunID(runID))
	defer span.End()

	res, err := e.run(ctx, runID, start)
	if err != nil {
		traces.RecordError(span, err)
		runsTotal.WithLabelValues(outcomeError).Inc()
		logging.L(ctx).Error("reconciliation run failed", "error", err)
		return nil, err
	}

	res.Duration = e.now().Sub(start)
	runDuration.Observe(res.Duration.Seconds())
	runsTotal.WithLabelValues(outcomeSuccess).Inc()
	mismatchedAccounts.Set(float64(res.Run.MismatchedTx))
	totalDiscrepancy.Set(res.Run.TotalDiscrepancyUSD.InexactFloat64())

	logging.L(ctx).Info("reconciliation run completed",
		"accounts", len(res.Accounts),
		"total_tx", res.Run.TotalTx,
		"mismatched", res.Run.MismatchedTx,
		"total_discrepancy", res.Run.TotalDiscrepancyUSD.String(),
		"unverified", len(res.Unverified),
		"duration", res.Duration,
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, runID string, start time.Time) (*Result, error) {
	since := start.Add(-e.cfg.Lookback)

	flows, err := e.store.ActiveAccountFlows(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load active accounts: %w", err)
	}

	bankBalances, unverified := e.fetchBalances(ctx, flows)

	accounts := make([]*payments.Account, len(flows))
	for i, f := range flows {
		onchain := new(big.Int)
		if f.NetFlow != nil {
			onchain.Set(f.NetFlow)
		}
		accounts[i] = &payments.Account{
			Address:        f.Address,
			BalanceOnchain: onchain,
			BalanceBank:    bankBalances[i],
			Discrepancy:    new(big.Int).Sub(onchain, bankBalances[i]),
			LastReconRunID: runID,
		}
	}

	if err := e.store.UpsertAccounts(ctx, runID, accounts); err != nil {
		return nil, fmt.Errorf("persist accounts: %w", err)
	}

	totalTx, err := e.store.CountPaymentsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count payments: %w", err)
	}
	mismatched, err := e.store.CountMismatchedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count mismatched accounts: %w", err)
	}

	absSum := new(big.Int)
	for _, a := range accounts {
		absSum.Add(absSum, amount.Abs(a.Discrepancy))
	}
	total := amount.Round(e.cfg.Rate.Convert(absSum), storedPlaces)

	run := &payments.ReconciliationRun{
		RunID:               runID,
		TotalTx:             totalTx,
		MismatchedTx:        mismatched,
		TotalDiscrepancyUSD: total,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	top := e.rank(accounts)
	text := summary.Generate(summary.Input{
		RunID:            runID,
		TotalTx:          totalTx,
		MismatchedTx:     mismatched,
		TotalDiscrepancy: total,
		TopAccounts:      top,
	})
	if err := e.store.AttachRunSummary(ctx, runID, text); err != nil {
		return nil, fmt.Errorf("attach summary: %w", err)
	}
	run.Summary = &text

	return &Result{
		Run:         run,
		Accounts:    accounts,
		Unverified:  unverified,
		TopAccounts: top,
	}, nil
}

// fetchBalances asks the bank for every address with bounded parallelism.
// A failed fetch counts as a zero balance.
func (e *Engine) fetchBalances(ctx context.Context, flows []payments.AccountFlow) ([]*big.Int, []string) {
	balances := make([]*big.Int, len(flows))
	var (
		mu         sync.Mutex
		unverified []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, f := range flows {
		g.Go(func() error {
			bal, err := e.ledger.Balance(gctx, f.Address)
			if err != nil || bal == nil {
				bankFetchFailures.Inc()
				logging.L(ctx).Warn("bank balance unavailable, assuming zero",
					"address", f.Address, "error", err)
				mu.Lock()
				unverified = append(unverified, f.Address)
				mu.Unlock()
				bal = new(big.Int)
			}
			balances[i] = bal
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(unverified)
	return balances, unverified
}

// rank orders accounts by signed discrepancy, largest first, and converts
// the leading entries into the display currency.
func (e *Engine) rank(accounts []*payments.Account) []summary.TopAccount {
	sorted := make([]*payments.Account, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Discrepancy.Cmp(sorted[j].Discrepancy); c != 0 {
			return c > 0
		}
		return sorted[i].Address < sorted[j].Address
	})

	n := min(len(sorted), TopAccounts)
	top := make([]summary.TopAccount, 0, n)
	for _, a := range sorted[:n] {
		top = append(top, summary.TopAccount{
			Address:     a.Address,
			Discrepancy: e.display(a.Discrepancy),
		})
	}
	return top
}

func (e *Engine) display(v *big.Int) decimal.Decimal {
	return amount.Round(e.cfg.Rate.Convert(v), storedPlaces)
}
