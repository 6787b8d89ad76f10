package readcache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// shardedLRU partitions a bounded LRU cache into fixed shards to reduce
// lock contention: power-of-two shard count, FNV-1a key hash, total
// capacity split evenly per shard, with hashicorp/golang-lru/v2's generic
// Cache as each shard's LRU core.
type shardedLRU[K comparable, V any] struct {
	shards []*lru.Cache[K, V]
	mask   uint32
	hash   func(K) uint32

	// hit/miss/eviction tallies surfaced by Stats, updated lock-free on
	// every lookup and eviction callback.
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func newShardedLRU[K comparable, V any](capacity int, shardCount uint32, hash func(K) uint32) *shardedLRU[K, V] {
	if shardCount == 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = nextPowerOfTwo(shardCount)
	}
	s := &shardedLRU[K, V]{
		shards: make([]*lru.Cache[K, V], shardCount),
		mask:   shardCount - 1,
		hash:   hash,
	}
	perShard := capacity / int(shardCount)
	if perShard < 1 {
		perShard = 1
	}
	evictions := &s.evictions
	for i := range s.shards {
		c, err := lru.NewWithEvict[K, V](perShard, func(_ K, _ V) {
			evictions.Add(1)
		})
		if err != nil {
			// Only returned by the library for a non-positive size, which
			// perShard guards against above.
			panic(err)
		}
		s.shards[i] = c
	}
	return s
}

func (s *shardedLRU[K, V]) shardFor(k K) *lru.Cache[K, V] {
	return s.shards[s.hash(k)&s.mask]
}

func (s *shardedLRU[K, V]) Get(k K) (V, bool) {
	v, ok := s.shardFor(k).Get(k)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return v, ok
}

// Peek returns the value without affecting recency and without updating
// the hit/miss counters.
func (s *shardedLRU[K, V]) Peek(k K) (V, bool) {
	return s.shardFor(k).Peek(k)
}

func (s *shardedLRU[K, V]) Add(k K, v V) {
	s.shardFor(k).Add(k, v)
}

func (s *shardedLRU[K, V]) Remove(k K) {
	s.shardFor(k).Remove(k)
}

func (s *shardedLRU[K, V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Len()
	}
	return total
}

func (s *shardedLRU[K, V]) Purge() {
	for _, sh := range s.shards {
		sh.Purge()
	}
}

// Stats reports cumulative hit/miss/eviction counters across all shards.
func (s *shardedLRU[K, V]) Stats() (hits, misses, evictions uint64) {
	return s.hits.Load(), s.misses.Load(), s.evictions.Load()
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

func fnv32(b []byte) uint32 {
	hash := uint32(2166136261)
	for _, c := range b {
		hash ^= uint32(c)
		hash *= 16777619
	}
	return hash
}
