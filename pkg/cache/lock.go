package cache

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// keyEntry tracks a single key's lock and how many callers hold or wait for it.
type keyEntry struct {
	sem         *semaphore.Weighted
	activeCount int64 // number of holders + waiters
}

// KeyedLocker serializes work per key. Entries exist only while some caller holds or
// waits for the key, so the map does not grow with the number of distinct URLs.
type KeyedLocker struct {
	entries map[string]*keyEntry
	mu      sync.Mutex
	log     *logrus.Entry
}

// NewKeyedLocker creates an empty locker
func NewKeyedLocker(log *logrus.Entry) *KeyedLocker {
	return &KeyedLocker{
		entries: make(map[string]*keyEntry),
		log:     log,
	}
}

// WithLock runs fn while holding the lock for key. Waiters block until the holder returns
// or ctx is done. The lock is released on every exit path, including panics in fn.
func (l *KeyedLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)
	return fn()
}

func (l *KeyedLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	entry, exists := l.entries[key]
	if !exists {
		entry = &keyEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.activeCount++
	l.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.mu.Lock()
		entry.activeCount--
		if entry.activeCount == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *KeyedLocker) release(key string) {
	l.mu.Lock()
	entry, exists := l.entries[key]
	if !exists {
		l.mu.Unlock()
		l.log.Errorf("keyed locker: release called for unknown key: %s", key)
		return
	}
	entry.activeCount--
	if entry.activeCount == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()

	entry.sem.Release(1)
}

// Len returns the number of keys currently held or waited on.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
