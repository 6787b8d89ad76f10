package dirtyset

import "sync"

// Shard is one partition of a ShardedMap, exposing its lock directly so
// callers that need a multi-step critical section — LockTable's acquire
// algorithm loads a lock entry, possibly calls out to the store, and only
// then decides what to write back — can hold the shard's guard across
// exactly the steps that need it instead of being limited to single
// get/set calls.
type Shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func (s *Shard[K, V]) Lock()    { s.mu.Lock() }
func (s *Shard[K, V]) Unlock()  { s.mu.Unlock() }
func (s *Shard[K, V]) RLock()   { s.mu.RLock() }
func (s *Shard[K, V]) RUnlock() { s.mu.RUnlock() }

// GetLocked and friends assume the caller already holds the shard's lock
// (R or exclusive, as appropriate to the call).
func (s *Shard[K, V]) GetLocked(k K) (V, bool) {
	v, ok := s.m[k]
	return v, ok
}

func (s *Shard[K, V]) SetLocked(k K, v V) { s.m[k] = v }

func (s *Shard[K, V]) DeleteLocked(k K) { delete(s.m, k) }

func (s *Shard[K, V]) LenLocked() int { return len(s.m) }

// ShardedMap is a fine-grained concurrent map: each key FNV-1a-hashes to
// one of a fixed number of shards, each guarded independently, so
// operations on unrelated keys never contend. Retention is unbounded,
// which is what DirtySet's tables need — entries leave only via the flush
// path.
type ShardedMap[K comparable, V any] struct {
	shards []*Shard[K, V]
	mask   uint32
	hash   func(K) uint32
}

// NewShardedMap creates a ShardedMap with shardCount shards (rounded up to
// the next power of two) and the given key-hash function.
func NewShardedMap[K comparable, V any](shardCount uint32, hash func(K) uint32) *ShardedMap[K, V] {
	if shardCount == 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = nextPowerOfTwo(shardCount)
	}
	shards := make([]*Shard[K, V], shardCount)
	for i := range shards {
		shards[i] = &Shard[K, V]{m: make(map[K]V)}
	}
	return &ShardedMap[K, V]{shards: shards, mask: shardCount - 1, hash: hash}
}

// ShardFor returns the shard that owns k, for callers that need to hold
// the lock across more than one operation.
func (s *ShardedMap[K, V]) ShardFor(k K) *Shard[K, V] {
	return s.shards[s.hash(k)&s.mask]
}

func (s *ShardedMap[K, V]) Get(k K) (V, bool) {
	sh := s.ShardFor(k)
	sh.RLock()
	defer sh.RUnlock()
	return sh.GetLocked(k)
}

func (s *ShardedMap[K, V]) Set(k K, v V) {
	sh := s.ShardFor(k)
	sh.Lock()
	defer sh.Unlock()
	sh.SetLocked(k, v)
}

func (s *ShardedMap[K, V]) Delete(k K) {
	sh := s.ShardFor(k)
	sh.Lock()
	defer sh.Unlock()
	sh.DeleteLocked(k)
}

func (s *ShardedMap[K, V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.RLock()
		total += sh.LenLocked()
		sh.RUnlock()
	}
	return total
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

// fnv32 is a fast non-cryptographic hash used only to pick a shard.
func fnv32(b []byte) uint32 {
	hash := uint32(2166136261)
	for _, c := range b {
		hash ^= uint32(c)
		hash *= 16777619
	}
	return hash
}
