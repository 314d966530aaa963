package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process stream for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	ids     []streamID
	last    streamID
	maxLen  int
	changed chan struct{}
	now     func() time.Time
}

// NewMemoryStore creates an empty stream. maxLen > 0 caps retained entries.
func NewMemoryStore(maxLen int) *MemoryStore {
	return &MemoryStore{
		maxLen:  maxLen,
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := uint64(m.now().UnixMilli()) // #nosec G115 -- wall clock after 1970
	id := streamID{ms: ms}
	if !m.last.less(id) {
		id = streamID{ms: m.last.ms, seq: m.last.seq + 1}
	}
	m.last = id

	e.ID = id.String()
	fields := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	e.Fields = fields
	m.entries = append(m.entries, e)
	m.ids = append(m.ids, id)

	if m.maxLen > 0 && len(m.entries) > m.maxLen {
		drop := len(m.entries) - m.maxLen
		m.entries = append([]Entry(nil), m.entries[drop:]...)
		m.ids = append([]streamID(nil), m.ids[drop:]...)
	}

	close(m.changed)
	m.changed = make(chan struct{})
	return e.ID, nil
}

func (m *MemoryStore) Range(_ context.Context, after string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.afterLocked(after, count)
}

func (m *MemoryStore) Read(ctx context.Context, after string, block time.Duration) ([]Entry, error) {
	m.mu.Lock()
	if after == "" {
		after = m.last.String()
	}
	m.mu.Unlock()

	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		out, err := m.afterLocked(after, 0)
		changed := m.changed
		m.mu.Unlock()
		if err != nil || len(out) > 0 || deadline == nil {
			return out, err
		}

		select {
		case <-changed:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *MemoryStore) afterLocked(after string, count int64) ([]Entry, error) {
	start := 0
	if after != "" {
		id, err := parseID(after)
		if err != nil {
			return nil, err
		}
		start = sort.Search(len(m.ids), func(i int) bool { return id.less(m.ids[i]) })
	}
	end := len(m.entries)
	if count > 0 && int64(end-start) > count {
		end = start + int(count)
	}
	if start >= end {
		return nil, nil
	}

	out := make([]Entry, 0, end-start)
	for _, e := range m.entries[start:end] {
		cp := e
		cp.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			cp.Fields[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) Last(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.String(), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
