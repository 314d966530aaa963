package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps the stream in a Redis stream (XADD/XREAD).
type RedisStore struct {
	client goredis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStore creates a store on the given stream key. maxLen > 0 caps the
// stream approximately.
func NewRedisStore(client goredis.UniversalClient, stream string, maxLen int64) *RedisStore {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStore{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStore) Append(ctx context.Context, e Entry) (string, error) {
	values := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		values[k] = v
	}
	values[fieldType] = e.Type
	values[fieldPaymentID] = e.PaymentID

	args := &goredis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("eventstore: xadd %s: %w", r.stream, err)
	}
	return id, nil
}

func (r *RedisStore) Range(ctx context.Context, after string, count int64) ([]Entry, error) {
	if after == "" {
		after = "0"
	} else if _, err := parseID(after); err != nil {
		return nil, err
	}
	return r.read(ctx, after, count, -1)
}

func (r *RedisStore) Read(ctx context.Context, after string, block time.Duration) ([]Entry, error) {
	if after == "" {
		after = "$"
	} else if _, err := parseID(after); err != nil {
		return nil, err
	}
	if block <= 0 {
		block = -1
	}
	return r.read(ctx, after, 0, block)
}

func (r *RedisStore) read(ctx context.Context, after string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := r.client.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{r.stream, after},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: xread %s: %w", r.stream, err)
	}

	var out []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, fromMessage(msg))
		}
	}
	return out, nil
}

func (r *RedisStore) Last(ctx context.Context) (string, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("eventstore: xrevrange %s: %w", r.stream, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func fromMessage(msg goredis.XMessage) Entry {
	e := Entry{ID: msg.ID, Fields: make(map[string]string, len(msg.Values))}
	for k, v := range msg.Values {
		s := fmt.Sprint(v)
		switch k {
		case fieldType:
			e.Type = s
		case fieldPaymentID:
			e.PaymentID = s
		default:
			e.Fields[k] = s
		}
	}
	return e
}

// Compile-time check.
var _ Store = (*RedisStore)(nil)
