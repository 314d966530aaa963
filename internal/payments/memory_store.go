package payments

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/ledgersync/internal/syncutil"
)

// MemoryStore is an in-memory Store for demo/development mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	payments  map[string]*Payment
	events    []*PaymentEvent
	dedupe    map[string]struct{}
	accounts  map[string]*Account
	runs      []*ReconciliationRun
	nextPayID int64
	nextEvtID int64
	nextRunID int64
	locks     *syncutil.KeyedMutex
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		dedupe:   make(map[string]struct{}),
		accounts: make(map[string]*Account),
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
	}
}

// SetClock overrides the time source used for timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) RecordEvent(_ context.Context, p *Payment, e *PaymentEvent) (bool, error) {
	if p == nil || e == nil || p.PaymentHash == "" || e.EventType == "" {
		return false, ErrInvalidPayment
	}
	key := e.DedupeKey
	if key == "" {
		key = DedupeKey(p.PaymentHash, e.EventType, e.TxHash, e.LogIndex)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.dedupe[key]; seen {
		return false, nil
	}
	now := m.now()

	existing, ok := m.payments[p.PaymentHash]
	if !ok {
		existing = p.Clone()
		m.nextPayID++
		existing.ID = m.nextPayID
		if existing.Amount == nil {
			existing.Amount = new(big.Int)
		}
		if existing.Currency == "" {
			existing.Currency = DefaultCurrency
		}
		if !existing.Status.Valid() {
			existing.Status = StatusFor(e.EventType)
		}
		if existing.CreatedAt.IsZero() {
			existing.CreatedAt = now
		}
		existing.UpdatedAt = now
		m.payments[p.PaymentHash] = existing
	} else {
		Apply(existing, e, now)
	}

	m.appendEventLocked(existing, e, key, now)
	p.ID = existing.ID
	p.Status = existing.Status
	return true, nil
}

func (m *MemoryStore) appendEventLocked(p *Payment, e *PaymentEvent, key string, now time.Time) {
	cp := *e
	m.nextEvtID++
	cp.ID = m.nextEvtID
	cp.PaymentID = p.ID
	cp.PaymentHash = p.PaymentHash
	cp.DedupeKey = key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	m.events = append(m.events, &cp)
	m.dedupe[key] = struct{}{}
}

func (m *MemoryStore) GetPayment(_ context.Context, paymentHash string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[paymentHash]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListPayments(_ context.Context, f PaymentFilter) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := ClampLimit(f.Limit, MaxListLimit)
	var result []*Payment
	for _, p := range m.payments {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if !before(p.CreatedAt, p.ID, f.Cursor) {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, limit int, cursor *Cursor) ([]*PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit, MaxListLimit)
	var result []*PaymentEvent
	for _, e := range m.events {
		if !before(e.CreatedAt, e.ID, cursor) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListPaymentEvents(_ context.Context, paymentHash string) ([]*PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.payments[paymentHash]; !ok {
		return nil, ErrPaymentNotFound
	}
	var result []*PaymentEvent
	for _, e := range m.events {
		if e.PaymentHash == paymentHash {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) PaymentStats(_ context.Context, since time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Stats{}
	var latencies []int64
	for _, p := range m.payments {
		if p.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		switch p.Status {
		case StatusSettled:
			st.Settled++
			if p.LatencyMs != nil {
				latencies = append(latencies, *p.LatencyMs)
			}
		case StatusFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	fillLatency(st, latencies)
	return st, nil
}

// fillLatency derives the average, nearest-rank p95 and success rate.
func fillLatency(st *Stats, latencies []int64) {
	if n := len(latencies); n > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum int64
		for _, l := range latencies {
			sum += l
		}
		st.AvgLatencyMs = float64(sum) / float64(n)
		rank := int(math.Ceil(0.95*float64(n))) - 1
		st.P95LatencyMs = float64(latencies[rank])
	}
	if done := st.Settled + st.Failed; done > 0 {
		st.SettlementSuccess = float64(st.Settled) / float64(done)
	}
}

func (m *MemoryStore) ActiveAccountFlows(_ context.Context, since time.Time) ([]AccountFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flows := make(map[string]*big.Int)
	add := func(addr string, v *big.Int) {
		cur, ok := flows[addr]
		if !ok {
			cur = new(big.Int)
			flows[addr] = cur
		}
		cur.Add(cur, v)
	}
	for _, p := range m.payments {
		if p.Status != StatusSettled || p.CreatedAt.Before(since) || p.Amount == nil {
			continue
		}
		add(p.PayerAddress, new(big.Int).Neg(p.Amount))
		add(p.PayeeAddress, p.Amount)
	}

	result := make([]AccountFlow, 0, len(flows))
	for addr, v := range flows {
		result = append(result, AccountFlow{Address: addr, NetFlow: v})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

func (m *MemoryStore) CountPaymentsSince(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.payments {
		if !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertAccounts(_ context.Context, runID string, accounts []*Account) error {
	for _, a := range accounts {
		if a == nil || a.Address == "" {
			return fmt.Errorf("upsert accounts: %w: empty address", ErrInvalidPayment)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, a := range accounts {
		cp := a.Clone()
		cp.LastReconRunID = runID
		cp.UpdatedAt = now
		m.accounts[a.Address] = cp
	}
	return nil
}

func (m *MemoryStore) CountMismatchedAccounts(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.accounts {
		if a.Discrepancy != nil && a.Discrepancy.Sign() != 0 {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.Clone(), nil
}

// ListAccounts returns accounts ordered by absolute discrepancy, largest first.
func (m *MemoryStore) ListAccounts(_ context.Context, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit, MaxListLimit)
	result := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		c := absCmp(result[i].Discrepancy, result[j].Discrepancy)
		if c != 0 {
			return c > 0
		}
		return result[i].Address < result[j].Address
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.RunID == run.RunID {
			return ErrDuplicateRun
		}
	}
	cp := *run
	m.nextRunID++
	cp.ID = m.nextRunID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.runs = append(m.runs, &cp)
	run.ID = cp.ID
	run.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryStore) AttachRunSummary(_ context.Context, runID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.RunID == runID {
			s := summary
			r.Summary = &s
			return nil
		}
	}
	return ErrRunNotFound
}

func (m *MemoryStore) ListRuns(_ context.Context, limit int, cursor *Cursor) ([]*ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit, MaxListLimit)
	var result []*ReconciliationRun
	for _, r := range m.runs {
		if !before(r.CreatedAt, r.ID, cursor) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AcquireRunLock(_ context.Context, name string) (func(), bool, error) {
	unlock, ok := m.locks.TryLock(name)
	return unlock, ok, nil
}

func (m *MemoryStore) InsertPayment(_ context.Context, p *Payment, events ...*PaymentEvent) error {
	if p == nil || p.PaymentHash == "" || !p.Status.Valid() {
		return ErrInvalidPayment
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.PaymentHash]; ok {
		return ErrDuplicatePayment
	}
	now := m.now()
	cp := p.Clone()
	m.nextPayID++
	cp.ID = m.nextPayID
	if cp.Amount == nil {
		cp.Amount = new(big.Int)
	}
	if cp.Currency == "" {
		cp.Currency = DefaultCurrency
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.payments[cp.PaymentHash] = cp
	p.ID = cp.ID

	for _, e := range events {
		key := e.DedupeKey
		if key == "" {
			key = DedupeKey(cp.PaymentHash, e.EventType, e.TxHash, e.LogIndex)
		}
		if _, seen := m.dedupe[key]; seen {
			continue
		}
		m.appendEventLocked(cp, e, key, now)
	}
	return nil
}

func (m *MemoryStore) DeletePayments(_ context.Context, paymentHashes []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[string]struct{}, len(paymentHashes))
	deleted := 0
	for _, h := range paymentHashes {
		if _, ok := m.payments[h]; ok {
			delete(m.payments, h)
			drop[h] = struct{}{}
			deleted++
		}
	}
	kept := m.events[:0]
	for _, e := range m.events {
		if _, ok := drop[e.PaymentHash]; ok {
			delete(m.dedupe, e.DedupeKey)
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// before reports whether (at, id) sorts strictly after the cursor position
// in newest-first order. A nil cursor admits everything.
func before(at time.Time, id int64, c *Cursor) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return at.Before(c.CreatedAt)
}

func newer(a time.Time, aID int64, b time.Time, bID int64) bool {
	if a.Equal(b) {
		return aID > bID
	}
	return a.After(b)
}

func absCmp(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return new(big.Int).Abs(a).Cmp(new(big.Int).Abs(b))
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
