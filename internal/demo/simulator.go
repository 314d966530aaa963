package demo

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	mrand "math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/ledgersync/internal/eventstore"
	"github.com/mbd888/ledgersync/internal/metrics"
	"github.com/mbd888/ledgersync/internal/payments"
)

// DefaultInterval is the simulator period when none is configured.
const DefaultInterval = 15 * time.Second

// Simulated amounts are whole USD in [minAmountUSD, minAmountUSD+amountSpanUSD),
// scaled to 18-decimal base units.
const (
	minAmountUSD   = 100
	amountSpanUSD  = 10_000
	minLatencyMs   = 1000
	latencySpanMs  = 5000
	tokenDecimals  = 18
	addressByteLen = 20
)

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(tokenDecimals), nil)

// Simulator inserts one random payment per tick. Roughly 70% settle, 20%
// stay pending and 10% fail.
type Simulator struct {
	store    payments.Store
	stream   eventstore.Store
	interval time.Duration
	logger   *slog.Logger
	rng      *mrand.Rand
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewSimulator creates a simulator. stream may be nil.
func NewSimulator(store payments.Store, stream eventstore.Store, interval time.Duration, logger *slog.Logger) *Simulator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Simulator{
		store:    store,
		stream:   stream,
		interval: interval,
		logger:   logger,
		rng:      mrand.New(mrand.NewPCG(uint64(time.Now().UnixNano()), 0)), // #nosec G404 -- demo data
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the simulator loop is active.
func (s *Simulator) Running() bool {
	return s.running.Load()
}

// Start inserts a payment immediately and then once per interval until ctx
// is cancelled or Stop is called. Call in a goroutine.
func (s *Simulator) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("demo simulator started", "interval", s.interval)
	s.safeTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the simulator to stop.
func (s *Simulator) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Simulator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in demo simulator", "panic", fmt.Sprint(r))
		}
	}()

	p, err := s.Insert(ctx)
	if err != nil {
		s.logger.Warn("failed to insert demo payment", "error", err)
		return
	}
	s.logger.Info("demo payment inserted",
		"payment_id", p.PaymentHash, "status", p.Status, "amount", p.AmountString())
}

// Insert creates one random payment with a single event matching its
// status, and appends that event to the stream.
func (s *Simulator) Insert(ctx context.Context) (*payments.Payment, error) {
	p, e, err := s.generate()
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertPayment(ctx, p, e); err != nil {
		return nil, fmt.Errorf("insert demo payment: %w", err)
	}
	metrics.PaymentEventsTotal.WithLabelValues(string(e.EventType), e.Source).Inc()

	if s.stream != nil {
		if _, err := s.stream.Append(ctx, eventstore.FromPaymentEvent(e)); err != nil {
			s.logger.Warn("failed to append demo event to stream",
				"payment_id", p.PaymentHash, "error", err)
		}
	}
	return p, nil
}

func (s *Simulator) generate() (*payments.Payment, *payments.PaymentEvent, error) {
	var addrs [4]string
	for i := range addrs {
		a, err := randomHex(addressByteLen)
		if err != nil {
			return nil, nil, err
		}
		addrs[i] = a
	}
	hash, payer, payee, ref := addrs[0], addrs[1], addrs[2], addrs[3]

	status := s.status()
	usd := minAmountUSD + s.rng.Int64N(amountSpanUSD)
	amt := new(big.Int).Mul(big.NewInt(usd), weiPerUnit)
	now := s.now().UTC()

	var latency *int64
	if status == payments.StatusSettled {
		latency = ms(minLatencyMs + s.rng.Int64N(latencySpanMs))
	}

	p := &payments.Payment{
		PaymentHash:  hash,
		PayerAddress: payer,
		PayeeAddress: payee,
		Amount:       amt,
		Currency:     payments.DefaultCurrency,
		Status:       status,
		LatencyMs:    latency,
		OffchainRef:  &ref,
		ChainID:      ChainID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	e := &payments.PaymentEvent{
		PaymentHash: hash,
		Source:      payments.SourceDemo,
		CreatedAt:   now,
	}
	switch status {
	case payments.StatusSettled:
		e.EventType = payments.EventSettled
		e.Payload = payments.SettledPayload{PaymentID: hash, Payer: payer, Payee: payee, Amount: amt.String()}
	case payments.StatusFailed:
		e.EventType = payments.EventFailed
		e.Payload = payments.FailedPayload{PaymentID: hash, Reason: failedReason}
	default:
		e.EventType = payments.EventInitiated
		e.Payload = payments.InitiatedPayload{PaymentID: hash, Payer: payer, Payee: payee, Amount: amt.String(), OffchainRef: ref}
	}
	return p, e, nil
}

func (s *Simulator) status() payments.Status {
	r := s.rng.Float64()
	switch {
	case r < 0.7:
		return payments.StatusSettled
	case r < 0.9:
		return payments.StatusPending
	default:
		return payments.StatusFailed
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random bytes: %w", err)
	}
	return hexutil.Encode(b), nil
}
