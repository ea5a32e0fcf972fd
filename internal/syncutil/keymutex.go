// Package syncutil holds concurrency helpers shared across packages.
package syncutil

import (
	"context"
	"sync"
)

// KeyMutex serializes work per key. Waiters can give up when their context
// ends. Unlike a sharded pool, two keys never contend with each other, and an
// entry lives only while somebody holds or waits for it.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{} // holds one token while unlocked
	refs int           // holders plus waiters
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires key. On success it returns the unlock function, which
// must be called exactly once. If ctx ends first it returns ctx.Err().
func (m *KeyMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free.
func (m *KeyMutex) TryLock(key string) (func(), bool) {
	l := m.acquireRef(key)
	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.releaseRef(key, l)
			})
		}, true
	default:
		m.releaseRef(key, l)
		return nil, false
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
