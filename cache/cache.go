// Package cache provides small bounded caches used in front of slower lookups.
package cache

import "sync/atomic"

// Stats counts cache activity. Copies share the same counters.
type Stats struct {
	hits      *atomic.Int64
	misses    *atomic.Int64
	evictions *atomic.Int64
	size      *atomic.Int64
	Capacity  int
}

func NewStats(capacity int) Stats {
	return Stats{
		hits:      &atomic.Int64{},
		misses:    &atomic.Int64{},
		evictions: &atomic.Int64{},
		size:      &atomic.Int64{},
		Capacity:  capacity,
	}
}

func (s Stats) Hits() int64 {
	return s.hits.Load()
}

func (s Stats) Misses() int64 {
	return s.misses.Load()
}

func (s Stats) Evictions() int64 {
	return s.evictions.Load()
}

func (s Stats) Size() int64 {
	return s.size.Load()
}

// HitRatio returns hits over total lookups, or 0 if nothing was looked up yet.
func (s Stats) HitRatio() float64 {
	var (
		hits  = s.Hits()
		total = hits + s.Misses()
	)

	if total == 0 {
		return 0
	}

	return float64(hits) / float64(total)
}

type Cache[K comparable, V any] interface {
	Put(key K, value V)
	Get(key K) (V, bool)
	Delete(key K)
	Purge()
	Stats() Stats
}
