package cache

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinblend/mixcore/pkg/logger"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg, nil, NewStats(nil), logger.NewDefault("cache-test").Component("cache"))
	require.NoError(t, err)
	return c
}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestGetSetDeleteL1(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	var out payload
	hit, err := c.Get(ctx, "request:session:abc", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, "request:session:abc", payload{Name: "r1", Count: 2}, time.Minute))

	hit, err = c.Get(ctx, "request:session:abc", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, payload{Name: "r1", Count: 2}, out)

	require.NoError(t, c.Delete(ctx, "request:session:abc"))
	hit, err = c.Get(ctx, "request:session:abc", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", payload{Name: "short"}, 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	var out payload
	hit, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestKeyNormalisationHashesLongKeys(t *testing.T) {
	c := newTestCache(t, Config{Prefix: "test"})
	long := strings.Repeat("x", 500)

	nk := c.normalizeKey(long)
	assert.True(t, strings.HasPrefix(nk, "test:hash:"))
	assert.LessOrEqual(t, len(nk), 80)

	// Identical long keys normalise identically; different keys differ.
	assert.Equal(t, nk, c.normalizeKey(long))
	assert.NotEqual(t, nk, c.normalizeKey(long+"y"))

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, long, payload{Name: "hashed"}, time.Minute))
	var out payload
	hit, err := c.Get(ctx, long, &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "hashed", out.Name)
}

func TestInvalidatePrefix(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "pool:BTC:1", payload{Name: "a"}, time.Minute))
	require.NoError(t, c.Set(ctx, "pool:BTC:2", payload{Name: "b"}, time.Minute))
	require.NoError(t, c.Set(ctx, "pool:ETH:1", payload{Name: "c"}, time.Minute))

	require.NoError(t, c.InvalidatePrefix(ctx, "pool:BTC:"))

	var out payload
	hit, _ := c.Get(ctx, "pool:BTC:1", &out)
	assert.False(t, hit)
	hit, _ = c.Get(ctx, "pool:BTC:2", &out)
	assert.False(t, hit)
	hit, _ = c.Get(ctx, "pool:ETH:1", &out)
	assert.True(t, hit)
}

func TestL1CapacityBound(t *testing.T) {
	c := newTestCache(t, Config{L1Capacity: 10})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, strings.Repeat("k", i+1), payload{Count: i}, time.Minute))
	}
	assert.LessOrEqual(t, c.l1.Len(), 10)
}

func TestLockMutualExclusionAndRelease(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	lock, err := c.TryLock(ctx, "settle:pool-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	second, err := c.TryLock(ctx, "settle:pool-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, lock.Release(ctx))

	third, err := c.TryLock(ctx, "settle:pool-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, third)
	require.NoError(t, third.Release(ctx))
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	computes := 0
	compute := func(ctx context.Context) (interface{}, error) {
		computes++
		return payload{Name: "computed", Count: computes}, nil
	}

	var out payload
	require.NoError(t, c.GetOrCompute(ctx, "snapshot", time.Minute, &out, compute))
	assert.Equal(t, 1, computes)
	assert.Equal(t, "computed", out.Name)

	// Second call is served from cache.
	require.NoError(t, c.GetOrCompute(ctx, "snapshot", time.Minute, &out, compute))
	assert.Equal(t, 1, computes)
}

func TestBatchOps(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.BatchSet(ctx, map[string]interface{}{
		"a": payload{Name: "a"},
		"b": payload{Name: "b"},
	}, time.Minute))

	found, err := c.BatchGet(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Contains(t, string(found["a"]), `"a"`)

	require.NoError(t, c.BatchDelete(ctx, []string{"a", "b"}))
	found, err = c.BatchGet(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestEnvelopeCompressionRoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte("abcdefgh"), 1000)
	data := []byte(`{"blob":"` + strings.Repeat("x", 3000) + `"}`)

	raw, err := encodeEnvelope(data, time.Minute, 1024)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte(compressedMarker)))
	assert.Less(t, len(raw), len(data)) // gzip actually helped

	decoded, ttl, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
	assert.Positive(t, int64(ttl))

	// Small payloads stay uncompressed.
	raw, err = encodeEnvelope([]byte(`{"s":1}`), time.Minute, 1024)
	require.NoError(t, err)
	assert.False(t, bytes.HasPrefix(raw, []byte(compressedMarker)))

	_ = big
}

func TestStatsSnapshot(t *testing.T) {
	stats := NewStats(nil)
	c, err := New(Config{}, nil, stats, logger.NewDefault("cache-test").Component("cache"))
	require.NoError(t, err)
	ctx := context.Background()

	var out payload
	_, _ = c.Get(ctx, "miss", &out)
	require.NoError(t, c.Set(ctx, "hit", payload{}, time.Minute))
	_, _ = c.Get(ctx, "hit", &out)

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.InDelta(t, 0.5, snap.HitRate, 0.001)
}

// Cache transparency: a disabled cache answers every read with a miss and
// swallows writes, so callers always fall back to the source of truth.
func TestDisabledCacheIsTransparent(t *testing.T) {
	c := newTestCache(t, Config{Disabled: true})
	ctx := context.Background()

	computes := 0
	compute := func(ctx context.Context) (interface{}, error) {
		computes++
		return payload{Name: "fresh", Count: computes}, nil
	}

	var out payload
	require.NoError(t, c.GetOrCompute(ctx, "k", time.Minute, &out, compute))
	assert.Equal(t, "fresh", out.Name)
}
