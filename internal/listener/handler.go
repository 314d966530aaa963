package listener

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/ledgersync/internal/bank"
	"github.com/mbd888/ledgersync/internal/eventstore"
	"github.com/mbd888/ledgersync/internal/metrics"
	"github.com/mbd888/ledgersync/internal/payments"
	"github.com/mbd888/ledgersync/internal/retry"
	"github.com/mbd888/ledgersync/internal/traces"
)

// DefaultStreamRetry bounds the attempts to mirror a recorded event into
// the stream.
var DefaultStreamRetry = retry.Policy{
	Attempts:  3,
	BaseDelay: 100 * time.Millisecond,
	MaxDelay:  time.Second,
}

// Handler applies one observation to the stores and the bank ledger.
// It holds no mutable state, so workers share a single instance.
type Handler struct {
	store       payments.Store
	stream      eventstore.Store
	ledger      bank.Ledger
	holdTimeout time.Duration
	streamRetry retry.Policy
	logger      *slog.Logger
}

// NewHandler wires the handler's collaborators. stream and ledger may be
// nil, which skips the corresponding step.
func NewHandler(store payments.Store, stream eventstore.Store, ledger bank.Ledger, holdTimeout time.Duration, logger *slog.Logger) *Handler {
	if holdTimeout <= 0 {
		holdTimeout = 5 * time.Second
	}
	return &Handler{
		store:       store,
		stream:      stream,
		ledger:      ledger,
		holdTimeout: holdTimeout,
		streamRetry: DefaultStreamRetry,
		logger:      logger,
	}
}

// SetStreamRetry replaces the retry policy for stream appends.
func (h *Handler) SetStreamRetry(p retry.Policy) {
	h.streamRetry = p
}

// Handle records the observation, appends it to the event stream and, for
// an initiation of a payment that is still pending, places the bank hold.
// Only the relational write can fail the call. It reports whether the event
// was new.
func (h *Handler) Handle(ctx context.Context, obs *Observation) (bool, error) {
	ev := obs.Event
	ctx, span := traces.StartSpan(ctx, "listener.handle",
		traces.PaymentID(ev.PaymentHash),
		attribute.String("event.type", string(ev.EventType)),
	)
	defer span.End()

	recorded, err := h.store.RecordEvent(ctx, obs.Payment, ev)
	if err != nil {
		eventsTotal.WithLabelValues(string(ev.EventType), outcomeError).Inc()
		traces.RecordError(span, err)
		return false, err
	}
	if !recorded {
		eventsTotal.WithLabelValues(string(ev.EventType), outcomeDuplicate).Inc()
		h.logger.Debug("duplicate payment event ignored",
			"payment_id", ev.PaymentHash, "type", ev.EventType, "source", ev.Source)
		return false, nil
	}
	eventsTotal.WithLabelValues(string(ev.EventType), outcomeRecorded).Inc()
	metrics.PaymentEventsTotal.WithLabelValues(string(ev.EventType), ev.Source).Inc()

	if h.stream != nil {
		h.mirror(ctx, ev)
	}

	if ev.EventType == payments.EventInitiated && h.ledger != nil {
		if obs.Payment.Status.Terminal() {
			h.logger.Warn("initiation recorded after a terminal event, skipping hold",
				"payment_id", ev.PaymentHash, "status", obs.Payment.Status)
		} else {
			h.hold(ctx, obs)
		}
	}
	return true, nil
}

// mirror appends a recorded event to the stream. The relational row is
// already committed, so a stream that stays unavailable past the retry
// policy leaves the entry missing from the stream only.
func (h *Handler) mirror(ctx context.Context, ev *payments.PaymentEvent) {
	entry := eventstore.FromPaymentEvent(ev)
	err := h.streamRetry.Do(ctx, func(ctx context.Context) error {
		_, err := h.stream.Append(ctx, entry)
		return err
	})
	if err != nil {
		streamFailures.Inc()
		h.logger.Error("failed to append payment event to stream",
			"payment_id", ev.PaymentHash, "type", ev.EventType, "error", err)
	}
}

func (h *Handler) hold(ctx context.Context, obs *Observation) {
	ctx, cancel := context.WithTimeout(ctx, h.holdTimeout)
	defer cancel()

	req := bank.HoldRequest{
		PaymentID: obs.Payment.PaymentHash,
		Payer:     obs.Payment.PayerAddress,
		Payee:     obs.Payment.PayeeAddress,
		Amount:    obs.Amount,
	}
	if err := h.ledger.Hold(ctx, req); err != nil {
		holdFailures.Inc()
		h.logger.Error("bank hold failed",
			"payment_id", req.PaymentID, "payer", req.Payer, "amount", obs.Payment.AmountString(), "error", err)
		return
	}
	h.logger.Info("bank hold placed", "payment_id", req.PaymentID, "amount", obs.Payment.AmountString())
}
