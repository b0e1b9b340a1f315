package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestRateLimiter(defaultDelay time.Duration) *RateLimiter {
	return NewRateLimiter(defaultDelay, testLogger())
}

func TestApplyDelay_NoDelayOnFirstRequest(t *testing.T) {
	rl := newTestRateLimiter(100 * time.Millisecond)

	start := time.Now()
	rl.ApplyDelay(context.Background(), "farsiland.com", 5*time.Second)

	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestApplyDelay_SleepsForExpectedDuration(t *testing.T) {
	rl := newTestRateLimiter(0)
	rl.UpdateLastRequestTime("farsiland.com")

	start := time.Now()
	rl.ApplyDelay(context.Background(), "farsiland.com", 100*time.Millisecond)
	elapsed := time.Since(start)

	// Jitter is +/- 10% plus timer imprecision
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestApplyDelay_UsesDefaultDelay(t *testing.T) {
	rl := newTestRateLimiter(80 * time.Millisecond)
	rl.UpdateLastRequestTime("farsiland.com")

	start := time.Now()
	rl.ApplyDelay(context.Background(), "farsiland.com", 0)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestApplyDelay_HostsAreIndependent(t *testing.T) {
	rl := newTestRateLimiter(0)
	rl.UpdateLastRequestTime("a.example")

	start := time.Now()
	rl.ApplyDelay(context.Background(), "b.example", time.Second)

	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestApplyDelay_RespectsContextCancellation(t *testing.T) {
	rl := newTestRateLimiter(0)
	rl.UpdateLastRequestTime("farsiland.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	rl.ApplyDelay(ctx, "farsiland.com", 5*time.Second)

	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
