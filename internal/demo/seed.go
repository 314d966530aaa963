// Package demo populates a store with demonstration data: a fixed seed
// fixture for walkthroughs and a simulator that keeps inserting random
// payments so the dashboard has something to show.
package demo

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/ledgersync/internal/eventstore"
	"github.com/mbd888/ledgersync/internal/payments"
	"github.com/mbd888/ledgersync/internal/validation"
)

// ChainID is recorded on every demo payment.
const ChainID = 280

// Block numbers attached to seeded events.
const (
	blockInitiated = 1000
	blockFailed    = 1003
	blockSettled   = 1005
)

const failedReason = "Insufficient escrow"

type fixture struct {
	hash      string
	payer     string
	payee     string
	amount    string
	status    payments.Status
	latencyMs *int64
	ref       string
	txHash    string
}

func ms(v int64) *int64 { return &v }

var fixtures = []fixture{
	{
		hash:      "0x3ab1e7fabc123",
		payer:     "0xA11CE00000000000000000000000000000000001",
		payee:     "0xB0B0000000000000000000000000000000000042",
		amount:    "250000000000000000000",
		status:    payments.StatusSettled,
		latencyMs: ms(3200),
		ref:       "ACH-REF-001",
		txHash:    "0x4f98deadbeef",
	},
	{
		hash:   "0x9c42ab0aaafe",
		payer:  "0xC0FFEE0000000000000000000000000000001234",
		payee:  "0xD34D000000000000000000000000000000005678",
		amount: "1200000000000000000000",
		status: payments.StatusPending,
		ref:    "ACH-REF-002",
	},
	{
		hash:      "0x7de199c0ffee",
		payer:     "0xA11CE00000000000000000000000000000000001",
		payee:     "0xFEE1000000000000000000000000000000BADD00",
		amount:    "75500000000000000000",
		status:    payments.StatusFailed,
		latencyMs: ms(5200),
		ref:       "ACH-REF-003",
		txHash:    "0xdeadbeefcafe",
	},
	{
		hash:      "0x4aa0110deadb",
		payer:     "0xBEEF000000000000000000000000000000002048",
		payee:     "0xB0B0000000000000000000000000000000000042",
		amount:    "980000000000000000000",
		status:    payments.StatusSettled,
		latencyMs: ms(2800),
		ref:       "ACH-REF-004",
		txHash:    "0x98adf00dbabe",
	},
}

// FixtureHashes returns the payment hashes of the seed fixture.
func FixtureHashes() []string {
	out := make([]string, len(fixtures))
	for i, f := range fixtures {
		out[i] = f.hash
	}
	return out
}

// Reset deletes the seed fixture's payments and their events. Nothing
// else in the store is touched.
func Reset(ctx context.Context, store payments.Store) (int, error) {
	n, err := store.DeletePayments(ctx, FixtureHashes())
	if err != nil {
		return 0, fmt.Errorf("demo reset: %w", err)
	}
	return n, nil
}

// Seed replaces the fixture payments with fresh copies stamped relative to
// now: the i-th payment is created i minutes ago. Each payment gets an
// initiated event, plus a settled or failed event matching its status.
// When stream is non-nil the events are appended to it as well.
func Seed(ctx context.Context, store payments.Store, stream eventstore.Store, now time.Time) (int, error) {
	if _, err := Reset(ctx, store); err != nil {
		return 0, err
	}

	for i, f := range fixtures {
		p, events := f.build(now, i)
		if err := store.InsertPayment(ctx, p, events...); err != nil {
			return i, fmt.Errorf("demo seed %s: %w", f.hash, err)
		}
		if stream == nil {
			continue
		}
		for _, e := range events {
			e.PaymentHash = p.PaymentHash
			if _, err := stream.Append(ctx, eventstore.FromPaymentEvent(e)); err != nil {
				return i + 1, fmt.Errorf("demo seed %s: append event: %w", f.hash, err)
			}
		}
	}
	return len(fixtures), nil
}

func (f fixture) build(now time.Time, i int) (*payments.Payment, []*payments.PaymentEvent) {
	amt, _ := new(big.Int).SetString(f.amount, 10)
	payer := validation.NormalizeAddress(f.payer)
	payee := validation.NormalizeAddress(f.payee)
	createdAt := now.Add(-time.Duration(i) * time.Minute)

	p := &payments.Payment{
		PaymentHash:  f.hash,
		PayerAddress: payer,
		PayeeAddress: payee,
		Amount:       amt,
		Currency:     payments.DefaultCurrency,
		Status:       f.status,
		LatencyMs:    f.latencyMs,
		OffchainRef:  strPtr(f.ref),
		TxHash:       strPtr(f.txHash),
		ChainID:      ChainID,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}

	initiated := &payments.PaymentEvent{
		PaymentHash: f.hash,
		EventType:   payments.EventInitiated,
		Payload: payments.InitiatedPayload{
			PaymentID:   f.hash,
			Payer:       payer,
			Payee:       payee,
			Amount:      f.amount,
			OffchainRef: f.ref,
		},
		TxHash:      strPtr(f.txHash),
		BlockNumber: block(blockInitiated),
		Source:      payments.SourceSeed,
		CreatedAt:   now.Add(-5 * time.Minute),
	}
	events := []*payments.PaymentEvent{initiated}

	switch f.status {
	case payments.StatusSettled:
		events = append(events, &payments.PaymentEvent{
			PaymentHash: f.hash,
			EventType:   payments.EventSettled,
			Payload: payments.SettledPayload{
				PaymentID: f.hash,
				Payer:     payer,
				Payee:     payee,
				Amount:    f.amount,
			},
			TxHash:      strPtr(f.txHash),
			BlockNumber: block(blockSettled),
			Source:      payments.SourceSeed,
			CreatedAt:   now.Add(-3 * time.Minute),
		})
	case payments.StatusFailed:
		events = append(events, &payments.PaymentEvent{
			PaymentHash: f.hash,
			EventType:   payments.EventFailed,
			Payload:     payments.FailedPayload{PaymentID: f.hash, Reason: failedReason},
			TxHash:      strPtr(f.txHash),
			BlockNumber: block(blockFailed),
			Source:      payments.SourceSeed,
			CreatedAt:   now.Add(-4 * time.Minute),
		})
	}
	return p, events
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func block(n uint64) *uint64 { return &n }
