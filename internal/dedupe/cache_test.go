// ABOUTME: Tests for the dedupe cache used to collapse repeated sale submissions.
// ABOUTME: Validates claims, TTL expiration, size limits, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
)

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(ttl, maxSize, clk), clk
}

func TestCache_Lookup_NotSeen(t *testing.T) {
	cache, _ := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Lookup("never-seen-key")
	assert.False(t, ok)
}

func TestCache_ClaimThenComplete(t *testing.T) {
	cache, _ := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	_, outcome := cache.Claim("req-1")
	assert.Equal(t, Claimed, outcome)

	// Claimed but not completed is not visible to Lookup
	_, ok := cache.Lookup("req-1")
	assert.False(t, ok)

	_, outcome = cache.Claim("req-1")
	assert.Equal(t, InFlight, outcome)

	cache.Complete("req-1", 17)

	id, outcome := cache.Claim("req-1")
	assert.Equal(t, Done, outcome)
	assert.Equal(t, int64(17), id)

	id, ok = cache.Lookup("req-1")
	assert.True(t, ok)
	assert.Equal(t, int64(17), id)
}

func TestCache_Release(t *testing.T) {
	cache, _ := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	_, outcome := cache.Claim("req-1")
	assert.Equal(t, Claimed, outcome)

	cache.Release("req-1")

	_, outcome = cache.Claim("req-1")
	assert.Equal(t, Claimed, outcome, "released key can be claimed again")

	// Release never drops a completed key
	cache.Complete("req-1", 3)
	cache.Release("req-1")
	_, ok := cache.Lookup("req-1")
	assert.True(t, ok)
}

func TestCache_Expired(t *testing.T) {
	cache, clk := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	cache.Complete("expiring-key", 5)
	_, ok := cache.Lookup("expiring-key")
	assert.True(t, ok)

	clk.Advance(10 * time.Minute)

	_, ok = cache.Lookup("expiring-key")
	assert.False(t, ok)

	_, outcome := cache.Claim("expiring-key")
	assert.Equal(t, Claimed, outcome, "expired key is claimable")
}

func TestCache_Complete_RefreshesTTL(t *testing.T) {
	cache, clk := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	cache.Claim("refresh-key")
	clk.Advance(8 * time.Minute)
	cache.Complete("refresh-key", 9)
	clk.Advance(8 * time.Minute)

	id, ok := cache.Lookup("refresh-key")
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, _ := newTestCache(10*time.Minute, 3)
	defer cache.Close()

	cache.Complete("first", 1)
	cache.Complete("second", 2)
	cache.Complete("third", 3)

	cache.Complete("fourth", 4)

	_, ok := cache.Lookup("first")
	assert.False(t, ok, "first should be evicted")
	for _, key := range []string{"second", "third", "fourth"} {
		_, ok := cache.Lookup(key)
		assert.True(t, ok, key)
	}

	// Completing an existing key moves it to the back
	cache.Complete("second", 2)
	cache.Complete("fifth", 5)

	_, ok = cache.Lookup("third")
	assert.False(t, ok, "third is now the oldest and should be evicted")
	_, ok = cache.Lookup("second")
	assert.True(t, ok)
}

func TestCache_Cleanup(t *testing.T) {
	cache, clk := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	cache.Complete("cleanup-1", 1)
	cache.Complete("cleanup-2", 2)
	clk.Advance(5 * time.Minute)
	cache.Complete("cleanup-3", 3)
	clk.Advance(6 * time.Minute)

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len(), "only the entry inside the window survives")
	_, ok := cache.Lookup("cleanup-3")
	assert.True(t, ok)
}

func TestCache_Claim_Atomic(t *testing.T) {
	cache, _ := newTestCache(10*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var winners int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if _, outcome := cache.Claim("contested-key"); outcome == Claimed {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners, "exactly one goroutine should win the claim")
}

func TestCache_Concurrent(t *testing.T) {
	cache, _ := newTestCache(10*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("key-%d-%d", id%10, j%10)
				if _, outcome := cache.Claim(key); outcome == Claimed {
					cache.Complete(key, int64(j))
				}
				cache.Lookup(key)
			}
		}(i)
	}
	wg.Wait()

	cache.Complete("final-key", 1)
	_, ok := cache.Lookup("final-key")
	assert.True(t, ok)
}

func TestCache_Close(t *testing.T) {
	cache, _ := newTestCache(10*time.Minute, 100)

	cache.Complete("before-close", 1)

	cache.Close()
	cache.Close()
}
