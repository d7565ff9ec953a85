package lifecycle

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedLock serializes work per key. Waiting honours context cancellation.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyedLock creates an empty lock table
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the key and is safe to call more than once.
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, e)
		return nil, err
	}
	return l.releaser(key, e), nil
}

// TryLock takes key only if it is free
func (l *KeyedLock) TryLock(key string) (func(), bool) {
	e := l.ref(key)
	if !e.sem.TryAcquire(1) {
		l.unref(key, e)
		return nil, false
	}
	return l.releaser(key, e), true
}

// Len returns the number of keys currently held or waited on
func (l *KeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyedLock) ref(key string) *keyedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyedEntry{sem: semaphore.NewWeighted(1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *KeyedLock) unref(key string, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *KeyedLock) releaser(key string, e *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
	}
}
