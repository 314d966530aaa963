// Package eventstore is the append-only, totally ordered stream of payment
// events consumed by downstream readers.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/ledgersync/internal/payments"
)

// DefaultStream is the stream key events are appended to.
const DefaultStream = "payments"

// ErrInvalidID is returned for a cursor that is not a stream id.
var ErrInvalidID = errors.New("eventstore: invalid entry id")

// Entry is one stream record. Every value is a string so amounts keep full
// precision for any consumer.
type Entry struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	PaymentID string            `json:"paymentId"`
	Fields    map[string]string `json:"fields"`
}

// Store appends and reads stream entries. Ids are assigned by the store and
// increase strictly.
type Store interface {
	Append(ctx context.Context, e Entry) (string, error)
	// Range returns up to count entries strictly after the given id ("" for
	// the beginning of the stream).
	Range(ctx context.Context, after string, count int64) ([]Entry, error)
	// Read waits up to block for entries strictly after the given id.
	Read(ctx context.Context, after string, block time.Duration) ([]Entry, error)
	// Last returns the id of the newest entry, "0-0" for an empty stream.
	Last(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
}

// Reserved field names carried at the top level of an Entry.
const (
	fieldType      = "type"
	fieldPaymentID = "paymentId"
)

// FromPaymentEvent renders a recorded payment event as a stream entry.
func FromPaymentEvent(e *payments.PaymentEvent) Entry {
	fields := map[string]string{}
	if e.Payload != nil {
		for k, v := range e.Payload.Fields() {
			fields[k] = v
		}
	}
	delete(fields, fieldType)
	delete(fields, fieldPaymentID)

	if e.Source != "" {
		fields["source"] = e.Source
	}
	if e.TxHash != nil {
		fields["txHash"] = *e.TxHash
	}
	if e.BlockNumber != nil {
		fields["blockNumber"] = strconv.FormatUint(*e.BlockNumber, 10)
	}
	if e.LogIndex != nil {
		fields["logIndex"] = strconv.FormatUint(uint64(*e.LogIndex), 10)
	}
	if !e.CreatedAt.IsZero() {
		fields["observedAt"] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	return Entry{
		Type:      string(e.EventType),
		PaymentID: e.PaymentHash,
		Fields:    fields,
	}
}

// Description renders a human readable line for the entry.
func (e Entry) Description() string {
	raw := map[string]string{fieldPaymentID: e.PaymentID}
	for k, v := range e.Fields {
		raw[k] = v
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return e.Type
	}
	return payments.DecodePayload(payments.EventType(e.Type), body).Description()
}

type streamID struct {
	ms, seq uint64
}

func parseID(s string) (streamID, error) {
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, ErrInvalidID
	}
	if !found {
		return streamID{ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return streamID{}, ErrInvalidID
	}
	return streamID{ms: ms, seq: seq}, nil
}

func (a streamID) less(b streamID) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.seq < b.seq
}

func (a streamID) String() string {
	return strconv.FormatUint(a.ms, 10) + "-" + strconv.FormatUint(a.seq, 10)
}
