// Package syncutil provides in-process named locks.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex is a set of channel-based mutexes addressed by exact key, so
// two names never contend with each other. Locks support both context-bound
// waiting and non-blocking attempts.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]chan struct{})}
}

func (m *KeyedMutex) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]chan struct{})
	}
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{} // Start unlocked.
		m.locks[key] = ch
	}
	return ch
}

// LockContext waits for key until ctx is done. On success the returned
// function releases the lock and must be called exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.slot(key)
	select {
	case <-ch:
		return release(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.slot(key)
	select {
	case <-ch:
		return release(ch), true
	default:
		return nil, false
	}
}

func release(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { ch <- struct{}{} })
	}
}
