package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/ledgersync/internal/eventstore"
)

// Broadcaster receives relayed payment messages; *Hub satisfies it.
type Broadcaster interface {
	BroadcastPayment(msg *PaymentMessage)
}

// Relay tails the event stream and forwards new entries to a Broadcaster.
type Relay struct {
	stream  eventstore.Store
	out     Broadcaster
	block   time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

// NewRelay creates a relay. Only entries appended after Run starts are
// forwarded.
func NewRelay(stream eventstore.Store, out Broadcaster, logger *slog.Logger) *Relay {
	return &Relay{
		stream:  stream,
		out:     out,
		block:   5 * time.Second,
		backoff: time.Second,
		logger:  logger.With("component", "relay"),
	}
}

// Run forwards entries until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	var after string
	for after == "" {
		last, err := r.stream.Last(ctx)
		if err == nil {
			after = last
			break
		}
		r.logger.Warn("failed to read stream position", "error", err)
		if !r.wait(ctx) {
			return
		}
	}
	r.logger.Info("relay started", "after", after)

	for {
		entries, err := r.stream.Read(ctx, after, r.block)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn("failed to read event stream", "error", err)
			if !r.wait(ctx) {
				return
			}
			continue
		}
		for _, e := range entries {
			r.out.BroadcastPayment(Message(e))
			after = e.ID
		}
	}
}

func (r *Relay) wait(ctx context.Context) bool {
	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Message converts a stream entry into its websocket payload.
func Message(e eventstore.Entry) *PaymentMessage {
	return &PaymentMessage{
		StreamID:    e.ID,
		Type:        e.Type,
		PaymentID:   e.PaymentID,
		Description: e.Description(),
		Fields:      e.Fields,
	}
}
