// Package syncutil provides keyed locks that serialize work per entity id.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one channel-based mutex per key. Waiters can bail out
// when their context is cancelled. Entries are dropped once no goroutine
// holds or waits on them, so the map stays bounded by in-flight keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int // holders + waiters; guarded by KeyedMutex.mu
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call exactly once.
// On cancellation it returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // start unlocked
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.locks[key] == e {
		delete(m.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
