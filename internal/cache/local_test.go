package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
)

func newTestLocal(capacity int) (*LocalTier[int], *clock.Manual) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	return NewLocalTier[int](capacity, clk), clk
}

func TestLocalTierEvictsLeastRecentlyUsed(t *testing.T) {
	l, _ := newTestLocal(3)
	l.Set("a", 1, time.Minute)
	l.Set("b", 2, time.Minute)
	l.Set("c", 3, time.Minute)

	// touch a so b becomes the LRU entry
	_, ok := l.Get("a")
	require.True(t, ok)

	l.Set("d", 4, time.Minute)

	_, ok = l.Get("b")
	assert.False(t, ok, "b should have been evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := l.Get(k)
		assert.True(t, ok, "%s should survive", k)
	}
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, uint64(1), l.Stats().Evictions)
}

func TestLocalTierNeverExceedsCapacity(t *testing.T) {
	l, _ := newTestLocal(16)
	for i := 0; i < 1000; i++ {
		l.Set(fmt.Sprintf("k%d", i), i, time.Minute)
		require.LessOrEqual(t, l.Len(), 16)
	}
	stats := l.Stats()
	assert.Equal(t, 16, stats.Len)
	assert.Equal(t, uint64(1000-16), stats.Evictions)

	// the most recent 16 keys are the survivors
	for i := 1000 - 16; i < 1000; i++ {
		v, ok := l.Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestLocalTierExpiry(t *testing.T) {
	l, clk := newTestLocal(4)
	l.Set("k", 7, 10*time.Second)

	clk.Advance(9 * time.Second)
	v, ok := l.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	clk.Advance(2 * time.Second)
	_, ok = l.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len(), "expired entry should be released on read")
}

func TestLocalTierUpdateAndDelete(t *testing.T) {
	l, _ := newTestLocal(2)
	l.Set("k", 1, time.Minute)
	l.Set("k", 2, time.Minute)
	v, ok := l.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, l.Len())

	l.Delete("k")
	_, ok = l.Get("k")
	assert.False(t, ok)

	// freed slots are reused without evicting
	l.Set("x", 1, time.Minute)
	l.Set("y", 2, time.Minute)
	assert.Equal(t, uint64(0), l.Stats().Evictions)
}

func TestLocalTierNonPositiveTTLRemoves(t *testing.T) {
	l, _ := newTestLocal(2)
	l.Set("k", 1, time.Minute)
	l.Set("k", 1, 0)
	_, ok := l.Get("k")
	assert.False(t, ok)
}

func TestLocalTierCapacityOne(t *testing.T) {
	l, _ := newTestLocal(0)
	l.Set("a", 1, time.Minute)
	l.Set("b", 2, time.Minute)
	_, okA := l.Get("a")
	_, okB := l.Get("b")
	assert.False(t, okA)
	assert.True(t, okB)
	assert.Equal(t, 1, l.Stats().Capacity)
}

func TestLocalTierHitMissCounters(t *testing.T) {
	l, _ := newTestLocal(2)
	l.Set("a", 1, time.Minute)
	l.Get("a")
	l.Get("a")
	l.Get("missing")
	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}
