// Package dirtyset implements the uncommitted-write staging area: seven
// independently sharded concurrent tables holding every write a
// transaction has produced since its last flush to the persistent store.
// The flush path itself (migrating entries into ReadCache and
// PersistentStore) lives outside this module.
package dirtyset

import (
	"sync"

	"github.com/mnohosten/chainstate/pkg/objstore"
	"github.com/mnohosten/chainstate/pkg/versionmap"
)

const defaultShardCount = 64

func hashObjectID(id objstore.ObjectID) uint32          { return fnv32(id[:]) }
func hashObjectRef(r objstore.ObjectRef) uint32         { return fnv32(r.ID[:]) }
func hashMarkerKey(k objstore.MarkerKey) uint32         { return fnv32(k.ID[:]) ^ uint32(k.Epoch) }
func hashEffectsDigest(d objstore.EffectsDigest) uint32 { return fnv32(d[:]) }
func hashEventsDigest(d objstore.EventsDigest) uint32   { return fnv32(d[:]) }
func hashTxDigest(d objstore.TxDigest) uint32           { return fnv32(d[:]) }

// DirtySet holds every table of uncommitted writes.
type DirtySet struct {
	objects         *ShardedMap[objstore.ObjectID, *versionmap.ObjectVersionMap]
	objectsMu       sync.Mutex // guards create-on-first-write for `objects`
	locks           *ShardedMap[objstore.ObjectRef, objstore.LockEntry]
	markers         *ShardedMap[objstore.MarkerKey, *markerVersions]
	markersMu       sync.Mutex
	effects         *ShardedMap[objstore.EffectsDigest, objstore.Effects]
	events          *ShardedMap[objstore.EventsDigest, objstore.Events]
	executedDigests *ShardedMap[objstore.TxDigest, objstore.EffectsDigest]
	pendingWrites   *ShardedMap[objstore.TxDigest, *objstore.TransactionOutputs]
}

// markerVersions is the Version -> Marker map scoped to one
// (epoch, object id) key, guarded the same way ObjectVersionMap guards
// one object's versions: one exclusive guard per inner map, held only
// long enough to read or mutate that one key's markers.
type markerVersions struct {
	mu  sync.RWMutex
	byV map[objstore.Version]objstore.Marker
}

func newMarkerVersions() *markerVersions {
	return &markerVersions{byV: make(map[objstore.Version]objstore.Marker)}
}

func (mv *markerVersions) set(v objstore.Version, m objstore.Marker) {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.byV[v] = m
}

func (mv *markerVersions) get(v objstore.Version) (objstore.Marker, bool) {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	m, ok := mv.byV[v]
	return m, ok
}

// atOrAfter reports whether any marker exists at version >= v, used by
// CacheFacade.InputObjectsAvailable's receiving-object classification.
func (mv *markerVersions) atOrAfter(v objstore.Version) bool {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	for ver := range mv.byV {
		if ver >= v {
			return true
		}
	}
	return false
}

// New creates an empty DirtySet.
func New() *DirtySet {
	return &DirtySet{
		objects:         NewShardedMap[objstore.ObjectID, *versionmap.ObjectVersionMap](defaultShardCount, hashObjectID),
		locks:           NewShardedMap[objstore.ObjectRef, objstore.LockEntry](defaultShardCount, hashObjectRef),
		markers:         NewShardedMap[objstore.MarkerKey, *markerVersions](defaultShardCount, hashMarkerKey),
		effects:         NewShardedMap[objstore.EffectsDigest, objstore.Effects](defaultShardCount, hashEffectsDigest),
		events:          NewShardedMap[objstore.EventsDigest, objstore.Events](defaultShardCount, hashEventsDigest),
		executedDigests: NewShardedMap[objstore.TxDigest, objstore.EffectsDigest](defaultShardCount, hashTxDigest),
		pendingWrites:   NewShardedMap[objstore.TxDigest, *objstore.TransactionOutputs](defaultShardCount, hashTxDigest),
	}
}

// ObjectVersions returns the version map for id, creating it on first
// reference. It never returns nil.
func (d *DirtySet) ObjectVersions(id objstore.ObjectID) *versionmap.ObjectVersionMap {
	if vm, ok := d.objects.Get(id); ok {
		return vm
	}
	d.objectsMu.Lock()
	defer d.objectsMu.Unlock()
	if vm, ok := d.objects.Get(id); ok {
		return vm
	}
	vm := versionmap.New()
	d.objects.Set(id, vm)
	return vm
}

// ObjectVersionsIfPresent returns the version map for id without creating
// one, for read paths that must not materialize empty entries.
func (d *DirtySet) ObjectVersionsIfPresent(id objstore.ObjectID) (*versionmap.ObjectVersionMap, bool) {
	return d.objects.Get(id)
}

// InsertObject appends a new version for id. Callers append only;
// ObjectVersionMap.Insert enforces the gap-free invariant.
func (d *DirtySet) InsertObject(id objstore.ObjectID, v objstore.Version, entry objstore.ObjectEntry) {
	d.ObjectVersions(id).Insert(v, entry)
}

// Lock table access -----------------------------------------------------

func (d *DirtySet) LockShard(ref objstore.ObjectRef) *Shard[objstore.ObjectRef, objstore.LockEntry] {
	return d.locks.ShardFor(ref)
}

func (d *DirtySet) GetLock(ref objstore.ObjectRef) (objstore.LockEntry, bool) {
	return d.locks.Get(ref)
}

func (d *DirtySet) SetLock(ref objstore.ObjectRef, entry objstore.LockEntry) {
	d.locks.Set(ref, entry)
}

// Marker access -----------------------------------------------------------

func (d *DirtySet) markerVersionsFor(key objstore.MarkerKey) *markerVersions {
	if mv, ok := d.markers.Get(key); ok {
		return mv
	}
	d.markersMu.Lock()
	defer d.markersMu.Unlock()
	if mv, ok := d.markers.Get(key); ok {
		return mv
	}
	mv := newMarkerVersions()
	d.markers.Set(key, mv)
	return mv
}

func (d *DirtySet) InsertMarker(epoch objstore.Epoch, id objstore.ObjectID, v objstore.Version, m objstore.Marker) {
	d.markerVersionsFor(objstore.MarkerKey{Epoch: epoch, ID: id}).set(v, m)
}

func (d *DirtySet) GetMarker(epoch objstore.Epoch, id objstore.ObjectID, v objstore.Version) (objstore.Marker, bool) {
	mv, ok := d.markers.Get(objstore.MarkerKey{Epoch: epoch, ID: id})
	if !ok {
		return objstore.Marker{}, false
	}
	return mv.get(v)
}

// HasMarkerAtOrAfter reports whether a marker exists for (epoch, id) at a
// version >= v, used by input_objects_available's receiving-object rule.
func (d *DirtySet) HasMarkerAtOrAfter(epoch objstore.Epoch, id objstore.ObjectID, v objstore.Version) bool {
	mv, ok := d.markers.Get(objstore.MarkerKey{Epoch: epoch, ID: id})
	if !ok {
		return false
	}
	return mv.atOrAfter(v)
}

// Effects / events / executed digests / pending writes ------------------

func (d *DirtySet) InsertEffects(e objstore.Effects) { d.effects.Set(e.Digest, e) }
func (d *DirtySet) GetEffects(dg objstore.EffectsDigest) (objstore.Effects, bool) {
	return d.effects.Get(dg)
}

func (d *DirtySet) InsertEvents(e objstore.Events) { d.events.Set(e.Digest, e) }
func (d *DirtySet) GetEvents(dg objstore.EventsDigest) (objstore.Events, bool) {
	return d.events.Get(dg)
}

func (d *DirtySet) SetExecutedDigest(tx objstore.TxDigest, eff objstore.EffectsDigest) {
	d.executedDigests.Set(tx, eff)
}

func (d *DirtySet) GetExecutedDigest(tx objstore.TxDigest) (objstore.EffectsDigest, bool) {
	return d.executedDigests.Get(tx)
}

func (d *DirtySet) InsertPendingWrite(tx objstore.TxDigest, out *objstore.TransactionOutputs) {
	d.pendingWrites.Set(tx, out)
}

func (d *DirtySet) GetPendingWrite(tx objstore.TxDigest) (*objstore.TransactionOutputs, bool) {
	return d.pendingWrites.Get(tx)
}
