package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_MutualExclusion(t *testing.T) {
	l := NewKeyedLocker(testLogger())
	var inside, maxInside atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "k", func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, l.Len(), "entries evicted once idle")
}

func TestKeyedLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewKeyedLocker(testLogger())
	holding := make(chan struct{})
	done := make(chan struct{})

	go l.WithLock(context.Background(), "a", func() error {
		close(holding)
		<-done
		return nil
	})
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ran := false
	require.NoError(t, l.WithLock(ctx, "b", func() error { ran = true; return nil }))
	assert.True(t, ran)
	close(done)
}

func TestKeyedLocker_ReleasedOnError(t *testing.T) {
	l := NewKeyedLocker(testLogger())
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), "k", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.WithLock(ctx, "k", func() error { return nil }))
}

func TestKeyedLocker_ReleasedOnPanic(t *testing.T) {
	l := NewKeyedLocker(testLogger())

	assert.Panics(t, func() {
		l.WithLock(context.Background(), "k", func() error { panic("kaboom") })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.WithLock(ctx, "k", func() error { return nil }))
	assert.Zero(t, l.Len())
}

func TestKeyedLocker_WaiterHonorsContext(t *testing.T) {
	l := NewKeyedLocker(testLogger())
	holding := make(chan struct{})
	done := make(chan struct{})
	go l.WithLock(context.Background(), "k", func() error {
		close(holding)
		<-done
		return nil
	})
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	called := false
	err := l.WithLock(ctx, "k", func() error { called = true; return nil })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	assert.Equal(t, 1, l.Len(), "holder still registered")
	close(done)
}
