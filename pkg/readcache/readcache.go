// Package readcache implements the bounded, LRU-evicted cache of
// already-committed state: committed object versions, packages (cached
// generously since many transactions pull in many packages), markers, and
// a reserved per-transaction input-object slot. Its coherence contract is
// that it never holds a version newer than what PersistentStore would
// return for the same object — writes always land in DirtySet first;
// nothing writes directly into ReadCache except the flush path (out of
// scope here) and CacheFacade's explicit package priming.
package readcache

import (
	"github.com/mnohosten/chainstate/pkg/objstore"
	"github.com/mnohosten/chainstate/pkg/versionmap"
)

// DefaultCapacity is the default entry capacity for each bounded
// sub-cache.
const DefaultCapacity = 10_000

// DefaultShardCount is the default shard count for each sub-cache's
// internal striping.
const DefaultShardCount = 32

// Config configures a ReadCache's sub-cache capacities.
type Config struct {
	ObjectCapacity  int
	PackageCapacity int
	MarkerCapacity  int
	ShardCount      uint32
}

// DefaultConfig returns the stock capacities.
func DefaultConfig() Config {
	return Config{
		ObjectCapacity:  DefaultCapacity,
		PackageCapacity: DefaultCapacity,
		MarkerCapacity:  DefaultCapacity,
		ShardCount:      DefaultShardCount,
	}
}

type markerKey struct {
	epoch   objstore.Epoch
	id      objstore.ObjectID
	version objstore.Version
}

func hashObjectID(id objstore.ObjectID) uint32 { return fnv32(id[:]) }
func hashMarkerKey(k markerKey) uint32         { return fnv32(k.id[:]) ^ uint32(k.epoch) ^ uint32(k.version) }

// ReadCache is the cache instance shared read-only by many CacheFacade
// callers.
type ReadCache struct {
	objects  *shardedLRU[objstore.ObjectID, *versionmap.ObjectVersionMap]
	packages *shardedLRU[objstore.ObjectID, objstore.Object]
	markers  *shardedLRU[markerKey, objstore.Marker]

	// inputObjectSet is a reserved per-transaction cache meant to avoid a
	// second disk read at execution time. No CacheFacade operation
	// currently populates or consults it — it is wired up (storage
	// allocated, coherence-compatible shape) but not yet exercised.
	inputObjectSet *shardedLRU[objstore.TxDigest, []objstore.ObjectRef]
}

// New creates a ReadCache with the given configuration.
func New(cfg Config) *ReadCache {
	if cfg.ShardCount == 0 {
		cfg.ShardCount = DefaultShardCount
	}
	return &ReadCache{
		objects:        newShardedLRU[objstore.ObjectID, *versionmap.ObjectVersionMap](cfg.ObjectCapacity, cfg.ShardCount, hashObjectID),
		packages:       newShardedLRU[objstore.ObjectID, objstore.Object](cfg.PackageCapacity, cfg.ShardCount, hashObjectID),
		markers:        newShardedLRU[markerKey, objstore.Marker](cfg.MarkerCapacity, cfg.ShardCount, hashMarkerKey),
		inputObjectSet: newShardedLRU[objstore.TxDigest, []objstore.ObjectRef](cfg.ObjectCapacity, cfg.ShardCount, func(d objstore.TxDigest) uint32 { return fnv32(d[:]) }),
	}
}

// GetObjectVersions returns the committed version map for id, if resident.
func (c *ReadCache) GetObjectVersions(id objstore.ObjectID) (*versionmap.ObjectVersionMap, bool) {
	return c.objects.Get(id)
}

// PeekObjectVersions is the same lookup without refreshing LRU recency
// and without counting toward Stats. CacheFacade's read paths use this
// lookup, so their reads leave eviction order and the object hit/miss
// counters unchanged.
func (c *ReadCache) PeekObjectVersions(id objstore.ObjectID) (*versionmap.ObjectVersionMap, bool) {
	return c.objects.Peek(id)
}

// PutObjectVersions primes the object cache. Called only by the (external)
// flush path and by tests seeding an already-committed object; never by
// CacheFacade's read path, which does not cache on miss.
func (c *ReadCache) PutObjectVersions(id objstore.ObjectID, vm *versionmap.ObjectVersionMap) {
	c.objects.Add(id, vm)
}

// GetPackage returns a cached package object.
func (c *ReadCache) GetPackage(id objstore.ObjectID) (objstore.Object, bool) {
	return c.packages.Get(id)
}

// PutPackage primes the package cache, used by
// CacheFacade.WriteTransactionOutputs and ForceReloadSystemPackages.
func (c *ReadCache) PutPackage(id objstore.ObjectID, obj objstore.Object) {
	c.packages.Add(id, obj)
}

// InvalidatePackage evicts a package so the next read falls through to the
// store, used by ForceReloadSystemPackages at epoch change.
func (c *ReadCache) InvalidatePackage(id objstore.ObjectID) {
	c.packages.Remove(id)
}

// GetMarker returns a cached marker.
func (c *ReadCache) GetMarker(epoch objstore.Epoch, id objstore.ObjectID, v objstore.Version) (objstore.Marker, bool) {
	return c.markers.Get(markerKey{epoch: epoch, id: id, version: v})
}

// PutMarker primes the marker cache.
func (c *ReadCache) PutMarker(epoch objstore.Epoch, id objstore.ObjectID, v objstore.Version, m objstore.Marker) {
	c.markers.Add(markerKey{epoch: epoch, id: id, version: v}, m)
}

// Stats exposes hit/miss/eviction counters per sub-cache.
type Stats struct {
	ObjectHits, ObjectMisses, ObjectEvictions    uint64
	PackageHits, PackageMisses, PackageEvictions uint64
	MarkerHits, MarkerMisses, MarkerEvictions    uint64
}

func (c *ReadCache) Stats() Stats {
	var s Stats
	s.ObjectHits, s.ObjectMisses, s.ObjectEvictions = c.objects.Stats()
	s.PackageHits, s.PackageMisses, s.PackageEvictions = c.packages.Stats()
	s.MarkerHits, s.MarkerMisses, s.MarkerEvictions = c.markers.Stats()
	return s
}
