package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type entry[K comparable, V any] struct {
	key     K
	value   V
	visited atomic.Bool
	element *list.Element
}

// Sieve is a fixed capacity cache using SIEVE eviction: a hand walks from the oldest entry towards the newest,
// clearing visited flags, and evicts the first entry that was not visited since the hand last passed it. Safe for
// concurrent use.
type Sieve[K comparable, V any] struct {
	rwLock sync.RWMutex
	store  map[K]*entry[K, V]
	queue  *list.List
	hand   *list.Element
	stats  Stats
}

// NewSieve creates a Sieve holding at most capacity entries. Capacities below one are raised to one.
func NewSieve[K comparable, V any](capacity int) Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}

	return &Sieve[K, V]{
		store: make(map[K]*entry[K, V], capacity),
		queue: list.New(),
		stats: NewStats(capacity),
	}
}

func (s *Sieve[K, V]) Stats() Stats {
	return s.stats
}

func (s *Sieve[K, V]) Put(key K, value V) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()

	if existing, exists := s.store[key]; exists {
		existing.value = value
		existing.visited.Store(true)
		return
	}

	if s.queue.Len() >= s.stats.Capacity {
		s.evict()
	}

	s.store[key] = &entry[K, V]{
		key:     key,
		value:   value,
		element: s.queue.PushFront(key),
	}

	s.stats.size.Add(1)
}

func (s *Sieve[K, V]) Get(key K) (V, bool) {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()

	if cached, exists := s.store[key]; exists {
		s.stats.hits.Add(1)
		cached.visited.Store(true)

		return cached.value, true
	}

	s.stats.misses.Add(1)

	var empty V
	return empty, false
}

func (s *Sieve[K, V]) Delete(key K) {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()

	if cached, exists := s.store[key]; exists {
		if cached.element == s.hand {
			s.hand = s.hand.Prev()
		}

		s.remove(cached)
	}
}

// Purge drops every entry. Statistics other than size are kept.
func (s *Sieve[K, V]) Purge() {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()

	s.store = make(map[K]*entry[K, V], s.stats.Capacity)
	s.queue.Init()
	s.hand = nil
	s.stats.size.Store(0)
}

func (s *Sieve[K, V]) remove(target *entry[K, V]) {
	s.queue.Remove(target.element)
	delete(s.store, target.key)

	s.stats.size.Add(-1)
}

// evict must be called with the write lock held and a non-empty queue.
func (s *Sieve[K, V]) evict() {
	hand := s.hand

	if hand == nil {
		hand = s.queue.Back()
	}

	victim := s.store[hand.Value.(K)]

	for victim.visited.Load() {
		victim.visited.Store(false)

		if hand = hand.Prev(); hand == nil {
			hand = s.queue.Back()
		}

		victim = s.store[hand.Value.(K)]
	}

	s.hand = hand.Prev()
	s.remove(victim)
	s.stats.evictions.Add(1)
}
