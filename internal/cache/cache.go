// Package cache is the two-level lookup and coordination layer: a bounded
// in-process LRU in front of a shared Redis. The cache is best-effort and
// never a correctness dependency; every operation degrades to a miss when
// Redis is unavailable or the layer is disabled.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/coinblend/mixcore/internal/mixerr"
)

// compressedMarker prefixes gzip-compressed L2 payloads.
const compressedMarker = "compressed:"

// maxKeyLength is the longest raw key stored verbatim; longer keys are
// SHA-256 hashed under a hash: prefix.
const maxKeyLength = 200

// Config tunes the cache layer.
type Config struct {
	Prefix               string
	DefaultTTL           time.Duration
	CompressionThreshold int
	L1Capacity           int
	LockTTL              time.Duration
	Disabled             bool
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = "mixcore"
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 1024
	}
	if c.L1Capacity <= 0 {
		c.L1Capacity = 1000
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
}

// envelope is the serialised L2 value shape.
type envelope struct {
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	TTLMillis  int64           `json:"ttl_ms"`
	Hits       int64           `json:"hits"`
	Size       int             `json:"size"`
	Compressed bool            `json:"compressed"`
}

type l1Entry struct {
	data     []byte
	deadline time.Time
}

// Cache is the two-level cache. A nil Redis client (or Disabled config)
// leaves only the in-process level active, with identical observable
// behaviour.
type Cache struct {
	cfg   Config
	redis redis.UniversalClient
	l1    *lru.Cache[string, l1Entry]
	stats *Stats
	log   *logrus.Entry

	// localLocks backs the distributed-lock API when Redis is absent so
	// single-process deployments keep the stampede guard.
	localMu    sync.Mutex
	localLocks map[string]string
}

// New creates the cache layer. client may be nil.
func New(cfg Config, client redis.UniversalClient, stats *Stats, log *logrus.Entry) (*Cache, error) {
	cfg.defaults()
	l1, err := lru.New[string, l1Entry](cfg.L1Capacity)
	if err != nil {
		return nil, err
	}
	if cfg.Disabled {
		client = nil
	}
	return &Cache{
		cfg:        cfg,
		redis:      client,
		l1:         l1,
		stats:      stats,
		log:        log,
		localLocks: make(map[string]string),
	}, nil
}

// normalizeKey namespaces and, for oversized keys, hashes the raw key.
func (c *Cache) normalizeKey(key string) string {
	if len(key) > maxKeyLength {
		sum := sha256.Sum256([]byte(key))
		return c.cfg.Prefix + ":hash:" + hex.EncodeToString(sum[:])
	}
	return c.cfg.Prefix + ":" + key
}

// Get reads key into out, checking L1 then L2. It returns false on a miss;
// the caller computes and Sets.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	start := time.Now()
	defer func() { c.stats.ObserveLatency("get", time.Since(start)) }()

	nk := c.normalizeKey(key)

	if entry, ok := c.l1.Get(nk); ok {
		if time.Now().Before(entry.deadline) {
			c.stats.Hit("l1")
			return true, json.Unmarshal(entry.data, out)
		}
		c.l1.Remove(nk)
		c.stats.Evict()
	}

	if c.redis == nil {
		c.stats.Miss()
		return false, nil
	}

	raw, err := c.redis.Get(ctx, nk).Bytes()
	if err == redis.Nil {
		c.stats.Miss()
		return false, nil
	}
	if err != nil {
		c.stats.Error()
		c.log.WithError(err).Debug("cache l2 read failed")
		return false, nil // best effort: treat as miss
	}

	data, ttl, err := decodeEnvelope(raw)
	if err != nil {
		c.stats.Error()
		_ = c.redis.Del(ctx, nk).Err()
		return false, nil
	}

	c.l1.Add(nk, l1Entry{data: data, deadline: time.Now().Add(ttl)})
	c.stats.Hit("l2")
	return true, json.Unmarshal(data, out)
}

// Set writes key at both levels. A zero ttl uses the configured default.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	defer func() { c.stats.ObserveLatency("set", time.Since(start)) }()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return mixerr.Validation("uncacheable value").WithDetail("key", key)
	}

	nk := c.normalizeKey(key)
	c.l1.Add(nk, l1Entry{data: data, deadline: time.Now().Add(ttl)})

	if c.redis == nil {
		return nil
	}

	raw, err := encodeEnvelope(data, ttl, c.cfg.CompressionThreshold)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, nk, raw, ttl).Err(); err != nil {
		c.stats.Error()
		c.log.WithError(err).Debug("cache l2 write failed")
	}
	return nil
}

// Delete removes key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	nk := c.normalizeKey(key)
	c.l1.Remove(nk)
	if c.redis != nil {
		if err := c.redis.Del(ctx, nk).Err(); err != nil {
			c.stats.Error()
			return nil
		}
	}
	return nil
}

// InvalidatePrefix best-effort deletes every key under the raw prefix at both
// levels.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	np := c.cfg.Prefix + ":" + prefix
	for _, k := range c.l1.Keys() {
		if strings.HasPrefix(k, np) {
			c.l1.Remove(k)
		}
	}
	if c.redis == nil {
		return nil
	}
	iter := c.redis.Scan(ctx, 0, np+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			_ = c.redis.Del(ctx, keys...).Err()
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		_ = c.redis.Del(ctx, keys...).Err()
	}
	if err := iter.Err(); err != nil {
		c.stats.Error()
		c.log.WithError(err).Debug("cache pattern invalidation incomplete")
	}
	return nil
}

// releaseScript deletes the lock only when the caller still holds the token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a held distributed lock.
type Lock struct {
	cache *Cache
	key   string
	token string
}

// TryLock attempts SET key token PX ttl NX. It returns nil when another
// worker holds the lock.
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = c.cfg.LockTTL
	}
	nk := c.normalizeKey("lock:" + key)
	token := uuid.NewString()

	if c.redis == nil {
		c.localMu.Lock()
		defer c.localMu.Unlock()
		if _, held := c.localLocks[nk]; held {
			return nil, nil
		}
		c.localLocks[nk] = token
		return &Lock{cache: c, key: nk, token: token}, nil
	}

	ok, err := c.redis.SetNX(ctx, nk, token, ttl).Result()
	if err != nil {
		c.stats.Error()
		return nil, mixerr.Transient("acquire lock", err).WithDetail("key", key)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{cache: c, key: nk, token: token}, nil
}

// Release frees the lock if the caller still owns it.
func (l *Lock) Release(ctx context.Context) error {
	c := l.cache
	if c.redis == nil {
		c.localMu.Lock()
		defer c.localMu.Unlock()
		if c.localLocks[l.key] == l.token {
			delete(c.localLocks, l.key)
		}
		return nil
	}
	if err := releaseScript.Run(ctx, c.redis, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		c.stats.Error()
		return mixerr.Transient("release lock", err)
	}
	return nil
}

// GetOrCompute returns the cached value or computes it under the stampede
// guard: at most one worker regenerates a given entry, losers re-read after a
// short wait rather than recompute.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	out interface{},
	compute func(ctx context.Context) (interface{}, error),
) error {
	if hit, err := c.Get(ctx, key, out); err != nil {
		return err
	} else if hit {
		return nil
	}

	for {
		lock, err := c.TryLock(ctx, "compute:"+key, 0)
		if err != nil {
			break // guard unavailable: fall through to compute
		}
		if lock != nil {
			defer func() { _ = lock.Release(ctx) }()
			// Winner double-checks before computing.
			if hit, err := c.Get(ctx, key, out); err != nil || hit {
				return err
			}
			break
		}
		// Loser: wait for the winner, then re-read.
		select {
		case <-ctx.Done():
			return mixerr.Timeout("cache compute wait")
		case <-time.After(50 * time.Millisecond):
		}
		if hit, err := c.Get(ctx, key, out); err != nil {
			return err
		} else if hit {
			return nil
		}
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_, err = c.Get(ctx, key, out)
	return err
}

// BatchGet pipelines reads and returns the raw payloads of the keys found.
func (c *Cache) BatchGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	found := make(map[string]json.RawMessage, len(keys))
	var misses []string

	for _, key := range keys {
		nk := c.normalizeKey(key)
		if entry, ok := c.l1.Get(nk); ok && time.Now().Before(entry.deadline) {
			found[key] = entry.data
			c.stats.Hit("l1")
		} else {
			misses = append(misses, key)
		}
	}
	if c.redis == nil || len(misses) == 0 {
		return found, nil
	}

	pipe := c.redis.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(misses))
	for _, key := range misses {
		cmds[key] = pipe.Get(ctx, c.normalizeKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.stats.Error()
		return found, nil
	}
	for key, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			c.stats.Miss()
			continue
		}
		data, ttl, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		c.l1.Add(c.normalizeKey(key), l1Entry{data: data, deadline: time.Now().Add(ttl)})
		found[key] = data
		c.stats.Hit("l2")
	}
	return found, nil
}

// BatchSet pipelines writes.
func (c *Cache) BatchSet(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	var pipe redis.Pipeliner
	if c.redis != nil {
		pipe = c.redis.Pipeline()
	}
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return mixerr.Validation("uncacheable value").WithDetail("key", key)
		}
		nk := c.normalizeKey(key)
		c.l1.Add(nk, l1Entry{data: data, deadline: time.Now().Add(ttl)})
		if pipe != nil {
			raw, err := encodeEnvelope(data, ttl, c.cfg.CompressionThreshold)
			if err != nil {
				return err
			}
			pipe.Set(ctx, nk, raw, ttl)
		}
	}
	if pipe != nil {
		if _, err := pipe.Exec(ctx); err != nil {
			c.stats.Error()
			c.log.WithError(err).Debug("cache batch write failed")
		}
	}
	return nil
}

// BatchDelete pipelines deletes.
func (c *Cache) BatchDelete(ctx context.Context, keys []string) error {
	nks := make([]string, len(keys))
	for i, key := range keys {
		nks[i] = c.normalizeKey(key)
		c.l1.Remove(nks[i])
	}
	if c.redis != nil && len(nks) > 0 {
		if err := c.redis.Del(ctx, nks...).Err(); err != nil {
			c.stats.Error()
		}
	}
	return nil
}

// encodeEnvelope serialises an L2 value, gzip-compressing payloads above
// threshold.
func encodeEnvelope(data []byte, ttl time.Duration, threshold int) ([]byte, error) {
	env := envelope{
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		TTLMillis: ttl.Milliseconds(),
		Size:      len(data),
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return nil, err
	}
	if len(raw) <= threshold {
		return raw, nil
	}

	env.Compressed = true
	raw, err = json.Marshal(&env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(compressedMarker)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEnvelope reverses encodeEnvelope and returns the payload with its
// remaining TTL.
func decodeEnvelope(raw []byte) ([]byte, time.Duration, error) {
	if bytes.HasPrefix(raw, []byte(compressedMarker)) {
		zr, err := gzip.NewReader(bytes.NewReader(raw[len(compressedMarker):]))
		if err != nil {
			return nil, 0, err
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, 0, err
		}
		if err := zr.Close(); err != nil {
			return nil, 0, err
		}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, err
	}
	expiry := time.UnixMilli(env.Timestamp + env.TTLMillis)
	ttl := time.Until(expiry)
	if ttl <= 0 {
		ttl = time.Second
	}
	return env.Data, ttl, nil
}
