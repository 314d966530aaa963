package reconciliation

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ledgersync/internal/amount"
	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/logging"
	"github.com/mbd888/ledgersync/internal/payments"
)

const (
	alice = "0xaaaa000000000000000000000000000000000001"
	bob   = "0xbbbb000000000000000000000000000000000002"
	carol = "0xcccc000000000000000000000000000000000003"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	failing  map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]*big.Int{}, failing: map[string]bool{}}
}

func (f *fakeLedger) set(addr string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = big.NewInt(v)
}

func (f *fakeLedger) Hold(context.Context, bank.HoldRequest) error { return nil }

func (f *fakeLedger) Balance(_ context.Context, addr string) (*big.Int, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[addr] {
		return nil, bank.ErrUnavailable
	}
	if v, ok := f.balances[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func newTestEngine(store payments.Store, ledger bank.Ledger, cfg Config) *Engine {
	e := NewEngine(store, ledger, cfg, logging.Discard())
	e.now = func() time.Time { return testNow }
	return e
}

func newStore() *payments.MemoryStore {
	s := payments.NewMemoryStore()
	s.SetClock(func() time.Time { return testNow })
	return s
}

func addPayment(t *testing.T, s payments.Store, hash, payer, payee string, amt int64, status payments.Status, age time.Duration) {
	t.Helper()
	err := s.InsertPayment(context.Background(), &payments.Payment{
		PaymentHash:  hash,
		PayerAddress: payer,
		PayeeAddress: payee,
		Amount:       big.NewInt(amt),
		Status:       status,
		CreatedAt:    testNow.Add(-age),
	})
	if err != nil {
		t.Fatalf("InsertPayment(%s): %v", hash, err)
	}
}

func accountMap(t *testing.T, s payments.Store) map[string]*payments.Account {
	t.Helper()
	list, err := s.ListAccounts(context.Background(), 100)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	out := map[string]*payments.Account{}
	for _, a := range list {
		out[a.Address] = a
	}
	return out
}

func TestRunOnce_SettledPaymentAgainstBank(t *testing.T) {
	tests := []struct {
		name      string
		bankAlice int64
		wantAlice int64
	}{
		// The bank never debited the payer.
		{"bank missing debit", 0, -1000},
		// The bank debited the payer twice.
		{"bank double debit", -2000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore()
			addPayment(t, store, "0xp1", alice, bob, 1000, payments.StatusSettled, time.Hour)

			ledger := newFakeLedger()
			ledger.set(alice, tt.bankAlice)
			ledger.set(bob, 1000)

			res, err := newTestEngine(store, ledger, Config{Rate: amount.MustRate("0.01")}).RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce: %v", err)
			}

			accounts := accountMap(t, store)
			a := accounts[alice]
			if a == nil {
				t.Fatal("Expected an account row for the payer")
			}
			if a.BalanceOnchain.Int64() != -1000 {
				t.Errorf("payer onchain = %s, want -1000", a.BalanceOnchain)
			}
			if a.Discrepancy.Int64() != tt.wantAlice {
				t.Errorf("payer discrepancy = %s, want %d", a.Discrepancy, tt.wantAlice)
			}
			if accounts[bob].Discrepancy.Sign() != 0 {
				t.Errorf("payee discrepancy = %s, want 0", accounts[bob].Discrepancy)
			}
			if a.LastReconRunID != res.Run.RunID {
				t.Errorf("LastReconRunID = %s, want %s", a.LastReconRunID, res.Run.RunID)
			}

			if res.Run.MismatchedTx < 1 {
				t.Errorf("MismatchedTx = %d, want >= 1", res.Run.MismatchedTx)
			}
			if res.Run.TotalTx != 1 {
				t.Errorf("TotalTx = %d, want 1", res.Run.TotalTx)
			}
			if !res.Run.TotalDiscrepancyUSD.Equal(decimal.NewFromInt(10)) {
				t.Errorf("TotalDiscrepancyUSD = %s, want 10", res.Run.TotalDiscrepancyUSD)
			}
			if res.Run.Summary == nil || !strings.Contains(*res.Run.Summary, alice) {
				t.Errorf("Expected summary naming %s, got %v", alice, res.Run.Summary)
			}
		})
	}
}

func TestRunOnce_OnlySettledPaymentsInWindowCount(t *testing.T) {
	store := newStore()
	addPayment(t, store, "0xsettled", alice, bob, 300, payments.StatusSettled, time.Hour)
	addPayment(t, store, "0xpending", alice, carol, 50, payments.StatusPending, time.Hour)
	addPayment(t, store, "0xfailed", bob, carol, 70, payments.StatusFailed, time.Hour)
	addPayment(t, store, "0xold", alice, bob, 9000, payments.StatusSettled, 48*time.Hour)

	res, err := newTestEngine(store, newFakeLedger(), Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	accounts := accountMap(t, store)
	if len(accounts) != 2 {
		t.Fatalf("Expected 2 active accounts, got %d", len(accounts))
	}
	if accounts[alice].BalanceOnchain.Int64() != -300 || accounts[bob].BalanceOnchain.Int64() != 300 {
		t.Errorf("Unexpected flows: alice=%s bob=%s", accounts[alice].BalanceOnchain, accounts[bob].BalanceOnchain)
	}
	if _, ok := accounts[carol]; ok {
		t.Error("Carol only has pending/failed payments and must not be active")
	}
	// Every status inside the window counts as a transaction.
	if res.Run.TotalTx != 3 {
		t.Errorf("TotalTx = %d, want 3", res.Run.TotalTx)
	}
	// No rate configured.
	if !res.Run.TotalDiscrepancyUSD.IsZero() {
		t.Errorf("TotalDiscrepancyUSD = %s, want 0", res.Run.TotalDiscrepancyUSD)
	}
}

func TestRunOnce_ZeroPayments(t *testing.T) {
	store := newStore()

	res, err := newTestEngine(store, newFakeLedger(), Config{Rate: amount.MustRate("1")}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if res.Run.TotalTx != 0 || res.Run.MismatchedTx != 0 || !res.Run.TotalDiscrepancyUSD.IsZero() {
		t.Errorf("Unexpected run stats: %+v", res.Run)
	}
	want := "Reconciliation run analyzed 0 transactions. 0 transactions (0.00%) showed discrepancies. Total discrepancy: $0.00."
	if res.Run.Summary == nil || *res.Run.Summary != want {
		t.Errorf("summary = %v, want %q", res.Run.Summary, want)
	}

	runs, err := store.ListRuns(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Summary == nil || *runs[0].Summary != want {
		t.Errorf("Expected the run row with its summary, got %+v", runs)
	}
}

func TestRunOnce_BankFailureDefaultsToZero(t *testing.T) {
	store := newStore()
	addPayment(t, store, "0xp1", alice, bob, 250, payments.StatusSettled, time.Minute)

	ledger := newFakeLedger()
	ledger.set(alice, -250)
	ledger.set(bob, 9999)
	ledger.failing[bob] = true

	res, err := newTestEngine(store, ledger, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	accounts := accountMap(t, store)
	if accounts[bob].BalanceBank.Sign() != 0 {
		t.Errorf("bank balance = %s, want 0", accounts[bob].BalanceBank)
	}
	if accounts[bob].Discrepancy.Cmp(accounts[bob].BalanceOnchain) != 0 {
		t.Errorf("discrepancy = %s, want the on-chain balance %s", accounts[bob].Discrepancy, accounts[bob].BalanceOnchain)
	}
	if len(res.Unverified) != 1 || res.Unverified[0] != bob {
		t.Errorf("Unverified = %v, want [%s]", res.Unverified, bob)
	}
	if res.Run.MismatchedTx != 1 {
		t.Errorf("MismatchedTx = %d, want 1", res.Run.MismatchedTx)
	}
}

func TestRunOnce_IdempotentAccountState(t *testing.T) {
	store := newStore()
	addPayment(t, store, "0xp1", alice, bob, 400, payments.StatusSettled, time.Hour)
	addPayment(t, store, "0xp2", bob, carol, 100, payments.StatusSettled, time.Hour)
	ledger := newFakeLedger()
	ledger.set(bob, 100)

	engine := newTestEngine(store, ledger, Config{})
	first, err := engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	before := accountMap(t, store)

	second, err := engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	after := accountMap(t, store)

	if first.Run.RunID == second.Run.RunID {
		t.Error("Expected a fresh run id per run")
	}
	for addr, a := range before {
		b := after[addr]
		if a.BalanceOnchain.Cmp(b.BalanceOnchain) != 0 || a.BalanceBank.Cmp(b.BalanceBank) != 0 || a.Discrepancy.Cmp(b.Discrepancy) != 0 {
			t.Errorf("%s changed between runs: %+v -> %+v", addr, a, b)
		}
	}
	runs, _ := store.ListRuns(context.Background(), 10, nil)
	if len(runs) != 2 {
		t.Errorf("Expected 2 run rows, got %d", len(runs))
	}
}

func TestRunOnce_TopAccountsRankedBySignedDiscrepancy(t *testing.T) {
	store := newStore()
	addPayment(t, store, "0xp1", alice, bob, 500, payments.StatusSettled, time.Hour)
	addPayment(t, store, "0xp2", carol, bob, 200, payments.StatusSettled, time.Hour)

	res, err := newTestEngine(store, newFakeLedger(), Config{Rate: amount.MustRate("1")}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got := make([]string, len(res.TopAccounts))
	for i, a := range res.TopAccounts {
		got[i] = a.Address + "=" + a.Discrepancy.String()
	}
	want := []string{bob + "=700", carol + "=-200", alice + "=-500"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("TopAccounts = %v, want %v", got, want)
	}
	if !res.Run.TotalDiscrepancyUSD.Equal(decimal.NewFromInt(1400)) {
		t.Errorf("TotalDiscrepancyUSD = %s, want 1400", res.Run.TotalDiscrepancyUSD)
	}
}

type failingUpsertStore struct {
	payments.Store
}

func (failingUpsertStore) UpsertAccounts(context.Context, string, []*payments.Account) error {
	return errors.New("connection reset")
}

func TestRunOnce_StoreFailureAbortsRun(t *testing.T) {
	inner := newStore()
	addPayment(t, inner, "0xp1", alice, bob, 10, payments.StatusSettled, time.Hour)

	_, err := newTestEngine(failingUpsertStore{inner}, newFakeLedger(), Config{}).RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "persist accounts") {
		t.Fatalf("Expected persist accounts error, got %v", err)
	}

	runs, _ := inner.ListRuns(context.Background(), 10, nil)
	if len(runs) != 0 {
		t.Errorf("Expected no run row after an aborted run, got %d", len(runs))
	}

	// The lock is released, so the next run can proceed.
	if _, err := newTestEngine(inner, newFakeLedger(), Config{}).RunOnce(context.Background()); err != nil {
		t.Errorf("RunOnce after failure: %v", err)
	}
}

func TestRunOnce_RejectsConcurrentRun(t *testing.T) {
	store := newStore()
	unlock, ok, err := store.AcquireRunLock(context.Background(), LockName)
	if err != nil || !ok {
		t.Fatalf("AcquireRunLock = (%v, %v)", ok, err)
	}

	_, err = newTestEngine(store, newFakeLedger(), Config{}).RunOnce(context.Background())
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress, got %v", err)
	}

	unlock()
	if _, err := newTestEngine(store, newFakeLedger(), Config{}).RunOnce(context.Background()); err != nil {
		t.Errorf("RunOnce after unlock: %v", err)
	}
}

func TestRunOnce_BoundsBankConcurrency(t *testing.T) {
	store := newStore()
	for i := 0; i < 12; i++ {
		payer := "0xpayer" + string(rune('a'+i))
		addPayment(t, store, "0xh"+string(rune('a'+i)), payer, bob, 1, payments.StatusSettled, time.Minute)
	}
	ledger := newFakeLedger()
	ledger.delay = 5 * time.Millisecond

	if _, err := newTestEngine(store, ledger, Config{Concurrency: 3}).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if peak := ledger.peak.Load(); peak > 3 {
		t.Errorf("peak concurrent balance calls = %d, want <= 3", peak)
	}
}

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) RunOnce(context.Context) (*Result, error) {
	if r.calls.Add(1) == 1 {
		panic("first run explodes")
	}
	return nil, r.err
}

func TestTimer_RecoversAndKeepsTicking(t *testing.T) {
	runner := &countingRunner{err: ErrRunInProgress}
	timer := NewTimer(runner, 5*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for runner.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runner.calls.Load() < 3 {
		t.Errorf("Expected the timer to keep running after a panic, got %d calls", runner.calls.Load())
	}

	timer.Stop()
	cancel()
	<-done
	if timer.Running() {
		t.Error("Expected timer to report stopped")
	}
}
