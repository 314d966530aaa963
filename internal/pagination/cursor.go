// Package pagination encodes keyset positions as opaque cursor strings.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/ledgersync/internal/payments"
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode returns an opaque cursor for a (createdAt, id) position.
func Encode(c payments.Cursor) string {
	raw := fmt.Sprintf("%d|%d", c.CreatedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*payments.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id < 0 {
		return nil, ErrInvalidCursor
	}
	return &payments.Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        id,
	}, nil
}

// Next returns the cursor continuing after a page. A page shorter than
// limit is the last one and yields "". A full page may be followed by an
// empty one.
func Next[T any](items []T, limit int, key func(T) payments.Cursor) string {
	if len(items) == 0 || len(items) < limit {
		return ""
	}
	return Encode(key(items[len(items)-1]))
}
