package cache

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the counter-and-histogram sidecar of the cache layer. None of the
// values are load-bearing for correctness.
type Stats struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	errors    atomic.Int64

	hitCounter  *prometheus.CounterVec
	missCounter prometheus.Counter
	evictCount  prometheus.Counter
	errorCount  prometheus.Counter
	latency     *prometheus.HistogramVec
}

// NewStats registers cache metrics on reg. A nil registerer produces inert
// metrics.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		hitCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mixcore_cache_hits_total",
			Help: "Cache hits by level.",
		}, []string{"level"}),
		missCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixcore_cache_misses_total",
			Help: "Cache misses.",
		}),
		evictCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixcore_cache_evictions_total",
			Help: "Expired or evicted entries.",
		}),
		errorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixcore_cache_errors_total",
			Help: "Cache backend errors.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mixcore_cache_op_duration_seconds",
			Help:    "Cache operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(s.hitCounter, s.missCounter, s.evictCount, s.errorCount, s.latency)
	}
	return s
}

// Hit records a hit at the given level.
func (s *Stats) Hit(level string) {
	if s == nil {
		return
	}
	s.hits.Add(1)
	s.hitCounter.WithLabelValues(level).Inc()
}

// Miss records a miss.
func (s *Stats) Miss() {
	if s == nil {
		return
	}
	s.misses.Add(1)
	s.missCounter.Inc()
}

// Evict records an eviction or expiry.
func (s *Stats) Evict() {
	if s == nil {
		return
	}
	s.evictions.Add(1)
	s.evictCount.Inc()
}

// Error records a backend error.
func (s *Stats) Error() {
	if s == nil {
		return
	}
	s.errors.Add(1)
	s.errorCount.Inc()
}

// ObserveLatency records one operation's duration.
func (s *Stats) ObserveLatency(op string, d time.Duration) {
	if s == nil {
		return
	}
	s.latency.WithLabelValues(op).Observe(d.Seconds())
}

// Snapshot is a point-in-time analytics view.
type Snapshot struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
}

// Snapshot returns current counter values.
func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	hits := s.hits.Load()
	misses := s.misses.Load()
	snap := Snapshot{
		Hits:      hits,
		Misses:    misses,
		Evictions: s.evictions.Load(),
		Errors:    s.errors.Load(),
	}
	if total := hits + misses; total > 0 {
		snap.HitRate = float64(hits) / float64(total)
	}
	return snap
}
