// Package listener follows the payment router contract and feeds every
// router event through the record, stream and hold pipeline.
//
// Logs arrive over a websocket subscription when the RPC endpoint supports
// one and by polling FilterLogs otherwise. A single delivery goroutine
// decodes logs onto bounded per-worker queues. Events of one payment always
// land on the same worker, so they are handled in chain order.
//
// The block cursor never moves past a log whose event failed to record;
// such blocks are read again on the next pass.
package listener

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/ledgersync/internal/retry"
)

// ChainClient is the subset of ethclient.Client the listener uses.
type ChainClient interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
}

// Dial connects to an RPC endpoint. ws:// and wss:// URLs support log
// subscriptions; http endpoints are polled.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// Config for the listener.
type Config struct {
	Contract     common.Address
	ChainID      int64
	StartBlock   uint64 // 0 = latest
	PollInterval time.Duration
	Workers      int
	// QueueSize is the total queue capacity, split evenly across workers.
	QueueSize int
	// EventTimeout bounds the handling of one event.
	EventTimeout time.Duration
	// MaxBlockRange caps a single FilterLogs query.
	MaxBlockRange uint64
	Resubscribe   retry.Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		Workers:       8,
		QueueSize:     256,
		EventTimeout:  10 * time.Second,
		MaxBlockRange: 2000,
		Resubscribe: retry.Policy{
			Attempts:  5,
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
	}
}

// Listener delivers router events to a Handler.
type Listener struct {
	client  ChainClient
	cfg     Config
	handler *Handler
	logger  *slog.Logger

	queues []chan job
	// next is the first block not yet covered by a FilterLogs query. Only
	// the delivery goroutine touches it.
	next uint64
	// missed holds the lowest block whose event could not be recorded and
	// has not been read again yet.
	missed tracker

	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// New creates a listener. Start must be called to begin delivery.
func New(client ChainClient, cfg Config, handler *Handler, logger *slog.Logger) *Listener {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = def.MaxBlockRange
	}
	if cfg.Resubscribe.Attempts <= 0 {
		cfg.Resubscribe = def.Resubscribe
	}
	queues := make([]chan job, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan job, max(cfg.QueueSize/cfg.Workers, 1))
	}
	return &Listener{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "listener"),
		queues:  queues,
		done:    make(chan struct{}),
	}
}

// job is one decoded log on its way to a worker.
type job struct {
	obs   *Observation
	block uint64
	track *tracker
}

// tracker follows the outcome of dispatched events: how many are still in
// flight and the lowest block whose event failed.
type tracker struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	failed bool
	block  uint64
}

func (t *tracker) fail(block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.failed || block < t.block {
		t.failed, t.block = true, block
	}
}

func (t *tracker) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// take returns the lowest failed block and clears it.
func (t *tracker) take() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	block, failed := t.block, t.failed
	t.failed, t.block = false, 0
	return block, failed
}

// Start resolves the first block to read and launches delivery and the
// worker pool. It returns once they are running.
func (l *Listener) Start(ctx context.Context) error {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	l.next = head + 1
	if l.cfg.StartBlock > 0 {
		l.next = l.cfg.StartBlock
	}

	ctx, l.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.deliver(gctx) })
	for _, q := range l.queues {
		g.Go(func() error {
			l.work(gctx, q)
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			l.logger.Error("listener stopped", "error", err)
		}
		close(l.done)
	}()

	l.started.Store(true)
	l.logger.Info("listener started",
		"contract", l.cfg.Contract.Hex(),
		"from_block", l.next,
		"workers", l.cfg.Workers,
	)
	return nil
}

// Running reports whether delivery and the workers are still active.
func (l *Listener) Running() bool {
	if !l.started.Load() {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Stop cancels delivery and waits for in-flight events to finish.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.logger.Info("listener stopped")
}

func (l *Listener) deliver(ctx context.Context) error {
	defer func() {
		for _, q := range l.queues {
			close(q)
		}
	}()
	for {
		sub, logs, err := l.openSubscription(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("log subscription unavailable, falling back to polling",
				"error", err, "interval", l.cfg.PollInterval)
			l.poll(ctx)
			return nil
		}

		err = l.consume(ctx, sub, logs)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("log subscription dropped, resubscribing", "error", err)
	}
}

func (l *Listener) openSubscription(ctx context.Context) (ethereum.Subscription, chan types.Log, error) {
	logs := make(chan types.Log, l.cfg.QueueSize)
	var sub ethereum.Subscription

	policy := l.cfg.Resubscribe
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.logger.Warn("subscribe failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		s, err := l.client.SubscribeFilterLogs(ctx, l.query(nil, nil), logs)
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, logs, nil
}

func (l *Listener) consume(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log) error {
	defer sub.Unsubscribe()

	// Events emitted while disconnected are recovered from history.
	// Overlap with the live feed is harmless: recording is idempotent.
	if err := l.backfill(ctx); err != nil && ctx.Err() == nil {
		l.logger.Error("failed to backfill router logs", "error", err)
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !l.missed.pending() {
				continue
			}
			if err := l.backfill(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error("failed to re-read router logs", "error", err)
			}
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-logs:
			if lg.BlockNumber > l.next {
				l.next = lg.BlockNumber
				lastBlock.Set(float64(lg.BlockNumber))
			}
			if !l.dispatch(ctx, lg, &l.missed) {
				return ctx.Err()
			}
		}
	}
}

func (l *Listener) poll(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.backfill(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("failed to poll router logs", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// backfill dispatches every router log from l.next up to the current head,
// one window at a time. A window counts as covered only once all of its
// events are recorded; otherwise the cursor stops at the lowest failed block.
// Any failure leaves the cursor marked for another pass, so live logs that
// move it forward cannot skip the unread range.
func (l *Listener) backfill(ctx context.Context) (err error) {
	if block, ok := l.missed.take(); ok && block < l.next {
		l.next = block
	}
	defer func() {
		if err != nil && ctx.Err() == nil {
			l.missed.fail(l.next)
		}
	}()
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	for l.next <= head {
		to := min(l.next+l.cfg.MaxBlockRange-1, head)
		logs, err := l.client.FilterLogs(ctx, l.query(new(big.Int).SetUint64(l.next), new(big.Int).SetUint64(to)))
		if err != nil {
			return fmt.Errorf("failed to filter logs %d-%d: %w", l.next, to, err)
		}
		batch := &tracker{}
		for _, lg := range logs {
			if !l.dispatch(ctx, lg, batch) {
				return ctx.Err()
			}
		}
		batch.wg.Wait()
		if block, failed := batch.take(); failed {
			l.next = block
			return fmt.Errorf("failed to record router logs from block %d", block)
		}
		l.next = to + 1
		lastBlock.Set(float64(to))
	}
	return nil
}

func (l *Listener) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{l.cfg.Contract},
		Topics:    Topics(),
	}
}

// dispatch decodes a log and queues it on its payment's worker, blocking
// while that queue is full. It returns false only when ctx ends first.
func (l *Listener) dispatch(ctx context.Context, lg types.Log, t *tracker) bool {
	if lg.Removed {
		skippedLogs.WithLabelValues("removed").Inc()
		return true
	}
	obs, err := Decode(lg, l.cfg.ChainID)
	if err != nil {
		reason := "unknown_event"
		if errors.Is(err, ErrMissingPaymentID) {
			reason = "missing_payment_id"
		}
		skippedLogs.WithLabelValues(reason).Inc()
		l.logger.Warn("skipping undecodable log", "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
		return true
	}

	t.wg.Add(1)
	select {
	case l.shard(obs.Payment.PaymentHash) <- job{obs: obs, block: lg.BlockNumber, track: t}:
		return true
	case <-ctx.Done():
		t.wg.Done()
		return false
	}
}

func (l *Listener) shard(paymentHash string) chan<- job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(paymentHash))
	return l.queues[h.Sum32()%uint32(len(l.queues))] // #nosec G115 -- worker count is small and positive
}

func (l *Listener) work(ctx context.Context, queue <-chan job) {
	// Queued events are finished after shutdown begins, each within its
	// own budget.
	base := context.WithoutCancel(ctx)
	for j := range queue {
		hctx, cancel := context.WithTimeout(base, l.cfg.EventTimeout)
		if _, err := l.handler.Handle(hctx, j.obs); err != nil {
			j.track.fail(j.block)
			unrecordedEvents.Inc()
			l.logger.Error("failed to record payment event, block will be read again",
				"payment_id", j.obs.Payment.PaymentHash,
				"type", j.obs.Event.EventType,
				"block", j.block,
				"error", err,
			)
		}
		cancel()
		j.track.wg.Done()
	}
}
