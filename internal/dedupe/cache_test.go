// ABOUTME: Tests for the TTL cache used for credential memos and delivery guards.
// ABOUTME: Validates TTL expiration, size limits, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestCache_Get_NotSeen(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Get("never-seen-key")
	assert.False(t, ok)
	assert.False(t, cache.Check("never-seen-key"))
}

func TestCache_PutGet(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("token-hash", "space-1")

	v, ok := cache.Get("token-hash")
	assert.True(t, ok)
	assert.Equal(t, "space-1", v)

	cache.Put("token-hash", "space-2")
	v, _ = cache.Get("token-hash")
	assert.Equal(t, "space-2", v, "put overwrites")
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Get_Expired(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("expiring-key", 7)
	assert.True(t, cache.Check("expiring-key"))

	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Get("expiring-key")
	assert.False(t, ok)
}

func TestCache_Mark_UpdatesTimestamp(t *testing.T) {
	cache := New[struct{}](50*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("refresh-key")
	time.Sleep(30 * time.Millisecond)

	// Re-mark to refresh
	cache.Mark("refresh-key")
	time.Sleep(30 * time.Millisecond)

	assert.True(t, cache.Check("refresh-key"))
}

func TestCache_Delete(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 100)
	defer cache.Close()

	cache.Mark("k")
	cache.Delete("k")
	cache.Delete("missing")
	assert.False(t, cache.Check("k"))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Eviction(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("key-1")
	cache.Mark("key-2")
	cache.Mark("key-3")

	// Add a fourth key - should evict the oldest (key-1)
	cache.Mark("key-4")

	assert.False(t, cache.Check("key-1"), "oldest key should be evicted")
	assert.True(t, cache.Check("key-2"))
	assert.True(t, cache.Check("key-3"))
	assert.True(t, cache.Check("key-4"))
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")

	// Refreshing "a" moves it to the back, so "b" is now the oldest
	cache.Mark("a")
	cache.Mark("d")

	assert.True(t, cache.Check("a"))
	assert.False(t, cache.Check("b"))
	assert.True(t, cache.Check("c"))
	assert.True(t, cache.Check("d"))
}

func TestCache_Cleanup(t *testing.T) {
	cache := New[struct{}](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("cleanup-1")
	cache.Mark("cleanup-2")

	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	cache.mu.RLock()
	mapLen := len(cache.seen)
	listLen := cache.order.Len()
	cache.mu.RUnlock()
	assert.Equal(t, 0, mapLen, "cleanup should remove expired entries from map")
	assert.Equal(t, 0, listLen, "cleanup should remove expired entries from list")
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("delivery"), "first call marks")
	assert.True(t, cache.CheckAndMark("delivery"), "second call sees the mark")
}

func TestCache_CheckAndMark_Expired(t *testing.T) {
	cache := New[struct{}](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("k")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.CheckAndMark("k"), "expired key is treated as new")
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 1000)
	defer cache.Close()

	const numGoroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contended") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one goroutine should win the mark")
}

func TestCache_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	cache := New[struct{}](time.Minute, 10)
	cache.Close()
	cache.Close()
}
