package payments

import (
	"context"
	"strconv"
	"time"
)

// MaxListLimit bounds every list query.
const MaxListLimit = 100

// PaymentFilter narrows ListPayments.
type PaymentFilter struct {
	Status Status
	Limit  int
	Cursor *Cursor
}

// Cursor is a keyset position: rows strictly older than (CreatedAt, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// Store is the relational system of record shared by the event listener,
// the reconciliation engine and the query API.
type Store interface {
	// RecordEvent applies an observed event: the payment is upserted by hash
	// and the event appended under its dedupe key, atomically. It returns
	// false when the event was already recorded. When the event is recorded,
	// p.ID and p.Status are set from the stored payment.
	RecordEvent(ctx context.Context, p *Payment, e *PaymentEvent) (bool, error)

	GetPayment(ctx context.Context, paymentHash string) (*Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error)
	ListEvents(ctx context.Context, limit int, cursor *Cursor) ([]*PaymentEvent, error)
	ListPaymentEvents(ctx context.Context, paymentHash string) ([]*PaymentEvent, error)
	PaymentStats(ctx context.Context, since time.Time) (*Stats, error)

	ActiveAccountFlows(ctx context.Context, since time.Time) ([]AccountFlow, error)
	CountPaymentsSince(ctx context.Context, since time.Time) (int, error)
	UpsertAccounts(ctx context.Context, runID string, accounts []*Account) error
	CountMismatchedAccounts(ctx context.Context) (int, error)
	GetAccount(ctx context.Context, address string) (*Account, error)
	ListAccounts(ctx context.Context, limit int) ([]*Account, error)

	CreateRun(ctx context.Context, run *ReconciliationRun) error
	AttachRunSummary(ctx context.Context, runID, summary string) error
	ListRuns(ctx context.Context, limit int, cursor *Cursor) ([]*ReconciliationRun, error)

	// AcquireRunLock takes a named, non-blocking exclusive lock. ok is false
	// when another holder has it.
	AcquireRunLock(ctx context.Context, name string) (unlock func(), ok bool, err error)

	// InsertPayment and DeletePayments exist for demo seeding and explicit
	// resets only.
	InsertPayment(ctx context.Context, p *Payment, events ...*PaymentEvent) error
	DeletePayments(ctx context.Context, paymentHashes []string) (int, error)

	Ping(ctx context.Context) error
}

// ClampLimit applies the default and the upper bound to a requested limit.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// DedupeKey derives the idempotency key of an observed event. On-chain
// events are keyed by transaction hash and log index; otherwise the payment
// hash and event type identify the occurrence.
func DedupeKey(paymentHash string, eventType EventType, txHash *string, logIndex *uint) string {
	if txHash != nil && *txHash != "" && logIndex != nil {
		return *txHash + ":" + strconv.FormatUint(uint64(*logIndex), 10)
	}
	return paymentHash + ":" + string(eventType)
}

// Apply merges an observed event into an existing payment and reports
// whether anything changed. Terminal states are never left, and only the
// event's own terminal status can be applied from pending.
func Apply(existing *Payment, e *PaymentEvent, at time.Time) bool {
	target, ok := terminalStatus(e.EventType)
	if !ok || existing.Status.Terminal() {
		return false
	}
	existing.Status = target
	if target == StatusSettled && existing.LatencyMs == nil && !existing.CreatedAt.IsZero() {
		ms := at.Sub(existing.CreatedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		existing.LatencyMs = &ms
	}
	if e.TxHash != nil && existing.TxHash == nil {
		h := *e.TxHash
		existing.TxHash = &h
	}
	existing.UpdatedAt = at
	return true
}

func terminalStatus(t EventType) (Status, bool) {
	switch t {
	case EventSettled:
		return StatusSettled, true
	case EventFailed:
		return StatusFailed, true
	}
	return "", false
}

// StatusFor returns the status a payment first observed through event type t
// should be created with.
func StatusFor(t EventType) Status {
	if s, ok := terminalStatus(t); ok {
		return s
	}
	return StatusPending
}
