// Package cachefacade implements CacheFacade, the single entry point the
// rest of the validator uses to read and write object state. Reads
// consult DirtySet, then ReadCache, then PersistentStore, in that order,
// with every intermediate lookup classified Hit, NegativeHit, or Miss; a
// negative hit is as final as a hit and never falls through. Writes stage
// a transaction's full output bundle into DirtySet in a fixed order that
// keeps child objects observable before their parents.
package cachefacade

import (
	"context"

	"github.com/mnohosten/chainstate/pkg/dirtyset"
	"github.com/mnohosten/chainstate/pkg/locktable"
	"github.com/mnohosten/chainstate/pkg/notifyread"
	"github.com/mnohosten/chainstate/pkg/objstore"
	"github.com/mnohosten/chainstate/pkg/readcache"
	"github.com/mnohosten/chainstate/pkg/store"
)

// CacheFacade is the layered read/write surface over one validator's
// object state.
//
// Epoch guard: Acquire (via Locks) and WriteTransactionOutputs assume the
// caller holds a shared read-guard on an epoch-transition lock that is
// only taken exclusively during epoch changes, so the epoch cannot change
// mid-call. CacheFacade does not take or verify this guard itself —
// enforcing it would require owning a lock this type was never given.
type CacheFacade struct {
	Dirty  *dirtyset.DirtySet
	Cache  *readcache.ReadCache
	Store  store.PersistentStore
	Locks  *locktable.LockTable
	Notify *notifyread.Notifier
}

// New assembles a CacheFacade from its layers.
func New(dirty *dirtyset.DirtySet, cache *readcache.ReadCache, st store.PersistentStore, locks *locktable.LockTable, notify *notifyread.Notifier) *CacheFacade {
	return &CacheFacade{Dirty: dirty, Cache: cache, Store: st, Locks: locks, Notify: notify}
}

// --- read API -----------------------------------------------------------

func liveOrAbsent(entry objstore.ObjectEntry) (objstore.Object, bool, error) {
	if !entry.IsLive() {
		return objstore.Object{}, false, nil
	}
	return entry.Object, true, nil
}

// GetObject returns the latest live version of id, or ok=false if the
// latest version is a tombstone or no version exists anywhere. It does
// not cache the result on a store miss, matching the rest of the read
// API (most objects are read exactly once).
func (cf *CacheFacade) GetObject(ctx context.Context, id objstore.ObjectID) (objstore.Object, bool, error) {
	if vm, ok := cf.Dirty.ObjectVersionsIfPresent(id); ok {
		_, entry, ok := vm.Latest()
		if !ok {
			return objstore.Object{}, false, nil
		}
		return liveOrAbsent(entry)
	}
	if vm, ok := cf.Cache.PeekObjectVersions(id); ok {
		_, entry, ok := vm.Latest()
		if !ok {
			return objstore.Object{}, false, nil
		}
		return liveOrAbsent(entry)
	}
	_, entry, found, err := cf.Store.LatestObjectOrTombstone(ctx, id)
	if err != nil || !found {
		return objstore.Object{}, false, err
	}
	return liveOrAbsent(entry)
}

// getAtDirty and getAtCache resolve the Result[ObjectEntry] for (id, v) in one layer of the
// versioned-lookup chain: Hit and NegativeHit are both definitive (stop
// here); Miss falls through to the next layer down.
func getAtDirty(d *dirtyset.DirtySet, id objstore.ObjectID, v objstore.Version) objstore.Result[objstore.ObjectEntry] {
	vm, ok := d.ObjectVersionsIfPresent(id)
	if !ok {
		return objstore.Miss[objstore.ObjectEntry]()
	}
	return vm.Get(v)
}

func getAtCache(c *readcache.ReadCache, id objstore.ObjectID, v objstore.Version) objstore.Result[objstore.ObjectEntry] {
	vm, ok := c.PeekObjectVersions(id)
	if !ok {
		return objstore.Miss[objstore.ObjectEntry]()
	}
	return vm.Get(v)
}

// GetObjectAt is the exact-version lookup, honoring NegativeHit for
// versions provably absent at a layer (a version below that layer's
// gap-free retention window) without falling through to the store. A
// tombstone at exactly v is a Hit at its layer and reads as not found.
func (cf *CacheFacade) GetObjectAt(ctx context.Context, id objstore.ObjectID, v objstore.Version) (objstore.Object, bool, error) {
	if res := getAtDirty(cf.Dirty, id, v); !res.IsMiss() {
		if res.IsHit() {
			return liveOrAbsent(res.Value)
		}
		return objstore.Object{}, false, nil
	}
	if res := getAtCache(cf.Cache, id, v); !res.IsMiss() {
		if res.IsHit() {
			return liveOrAbsent(res.Value)
		}
		return objstore.Object{}, false, nil
	}
	entry, found, err := cf.Store.GetObjectByKey(ctx, id, v)
	if err != nil || !found {
		return objstore.Object{}, false, err
	}
	return liveOrAbsent(entry)
}

// MultiGetByKey resolves a batch of exact-version refs across the three
// layers, issuing exactly one store round trip for whatever is still
// unresolved after DirtySet and ReadCache.
func (cf *CacheFacade) MultiGetByKey(ctx context.Context, refs []objstore.ObjectRef) ([]objstore.Result[objstore.ObjectEntry], error) {
	out := make([]objstore.Result[objstore.ObjectEntry], len(refs))
	var pendingIdx []int
	var pendingRefs []objstore.ObjectRef

	for i, ref := range refs {
		res := getAtDirty(cf.Dirty, ref.ID, ref.Version)
		if res.IsMiss() {
			res = getAtCache(cf.Cache, ref.ID, ref.Version)
		}
		if res.IsMiss() {
			pendingIdx = append(pendingIdx, i)
			pendingRefs = append(pendingRefs, ref)
			continue
		}
		out[i] = res
	}

	if len(pendingRefs) == 0 {
		return out, nil
	}
	storeRes, err := cf.Store.MultiGetByKey(ctx, pendingRefs)
	if err != nil {
		return nil, err
	}
	for j, i := range pendingIdx {
		out[i] = storeRes[j]
	}
	return out, nil
}

// findLEDirty and findLECache mirror getAtDirty/getAtCache for the
// bounded floor lookup: if a layer retains any version <= bound for this
// object, that is the authoritative floor (the gap-free invariant across
// layers guarantees no lower layer could hold a version between it and
// bound), so there is never a need to fall through once a layer answers.
func findLEDirty(d *dirtyset.DirtySet, id objstore.ObjectID, bound objstore.Version) (objstore.ObjectEntry, bool, bool) {
	vm, ok := d.ObjectVersionsIfPresent(id)
	if !ok {
		return objstore.ObjectEntry{}, false, false
	}
	_, entry, found := vm.FindLE(bound)
	return entry, found, true
}

func findLECache(c *readcache.ReadCache, id objstore.ObjectID, bound objstore.Version) (objstore.ObjectEntry, bool, bool) {
	vm, ok := c.PeekObjectVersions(id)
	if !ok {
		return objstore.ObjectEntry{}, false, false
	}
	_, entry, found := vm.FindLE(bound)
	return entry, found, true
}

// FindObjectLE is the bounded floor lookup used for child-object reads:
// the greatest version of id at or below bound, or ok=false if either no
// such version exists or the floor entry is a tombstone.
func (cf *CacheFacade) FindObjectLE(ctx context.Context, id objstore.ObjectID, bound objstore.Version) (objstore.Object, bool, error) {
	if entry, found, answered := findLEDirty(cf.Dirty, id, bound); answered && found {
		return liveOrAbsent(entry)
	}
	if entry, found, answered := findLECache(cf.Cache, id, bound); answered && found {
		return liveOrAbsent(entry)
	}
	_, entry, found, err := cf.Store.FindObjectLEVersion(ctx, id, bound)
	if err != nil || !found {
		return objstore.Object{}, false, err
	}
	return liveOrAbsent(entry)
}

// entryRef reconstructs the ObjectRef for a (id, version, entry) triple,
// synthesizing the reserved tombstone digests for Deleted/Wrapped entries
// the same way MemStore.LatestObjectRefOrTombstone does for the store
// layer, so callers see one consistent ObjectRef shape regardless of
// which layer answered.
func entryRef(id objstore.ObjectID, v objstore.Version, entry objstore.ObjectEntry) objstore.ObjectRef {
	switch entry.Kind {
	case objstore.EntryDeleted:
		return objstore.ObjectRef{ID: id, Version: v, Digest: objstore.DeletedDigest}
	case objstore.EntryWrapped:
		return objstore.ObjectRef{ID: id, Version: v, Digest: objstore.WrappedDigest}
	default:
		return entry.Object.Ref
	}
}

// LatestRefOrTombstone returns the ref of the latest version of id,
// whether live or tombstoned, or ok=false if no version exists anywhere.
func (cf *CacheFacade) LatestRefOrTombstone(ctx context.Context, id objstore.ObjectID) (objstore.ObjectRef, bool, error) {
	if vm, ok := cf.Dirty.ObjectVersionsIfPresent(id); ok {
		v, entry, found := vm.Latest()
		if !found {
			return objstore.ObjectRef{}, false, nil
		}
		return entryRef(id, v, entry), true, nil
	}
	if vm, ok := cf.Cache.PeekObjectVersions(id); ok {
		v, entry, found := vm.Latest()
		if !found {
			return objstore.ObjectRef{}, false, nil
		}
		return entryRef(id, v, entry), true, nil
	}
	return cf.Store.LatestObjectRefOrTombstone(ctx, id)
}

// AccurateResult is one outcome of MultiGetWithAccurateError: a resolved
// entry, or a classified error distinguishing "never existed" from
// "exists, but not at this version".
type AccurateResult struct {
	Entry objstore.ObjectEntry
	Found bool
	Err   error
}

// MultiGetWithAccurateError resolves refs like MultiGetByKey, but for
// every ref that misses it consults the ref's latest known lock to
// classify the failure: a lock recorded at a version past ref.Version
// means the object progressed beyond what the caller asked for
// (ObjectVersionUnavailable, not retriable); no such lock means the ref
// never existed at all (ObjectNotFound, retriable). The distinction
// drives client retry policy.
func (cf *CacheFacade) MultiGetWithAccurateError(ctx context.Context, refs []objstore.ObjectRef) ([]AccurateResult, error) {
	results, err := cf.MultiGetByKey(ctx, refs)
	if err != nil {
		return nil, err
	}
	out := make([]AccurateResult, len(refs))
	for i, ref := range refs {
		if results[i].IsHit() {
			out[i] = AccurateResult{Entry: results[i].Value, Found: true}
			continue
		}
		lockRef, lock, found, lerr := cf.Store.LatestLockForObjectID(ctx, ref.ID)
		if lerr != nil {
			return nil, lerr
		}
		if found && lock.Kind != objstore.LockAbsent && lockRef.Version > ref.Version {
			out[i] = AccurateResult{Err: objstore.Errorf(objstore.ObjectVersionUnavailable, "object %s requested at version %d but progressed to %d", ref.ID, ref.Version, lockRef.Version)}
			continue
		}
		out[i] = AccurateResult{Err: objstore.Errorf(objstore.ObjectNotFound, "object %s not found at version %d", ref.ID, ref.Version)}
	}
	return out, nil
}

// InputObjectsAvailable classifies each key's availability for execution
// scheduling:
//
//   - An unversioned key (Version == 0, meaning "the current shared
//     value") is available iff the object's latest version is live.
//   - A versioned key that is present (any entry at all at that exact
//     version, live or tombstone) is available: the version itself was
//     committed, which is all the scheduler needs to know.
//   - A versioned key absent at that exact version but listed in
//     receiving is available if a later version of the same object
//     exists, or an OwnedDeleted marker is recorded at or after it — both
//     mean the object moved past this version via a receive, not that
//     the version never existed.
//   - A versioned key absent at that exact version, not in receiving, is
//     available if a SharedDeleted marker is recorded at exactly that
//     version (the shared-consensus delete path).
func (cf *CacheFacade) InputObjectsAvailable(ctx context.Context, epoch objstore.Epoch, keys []objstore.ObjectRef, receiving map[objstore.ObjectRef]bool) ([]bool, error) {
	out := make([]bool, len(keys))
	for i, key := range keys {
		avail, err := cf.inputAvailable(ctx, epoch, key, receiving[key])
		if err != nil {
			return nil, err
		}
		out[i] = avail
	}
	return out, nil
}

// versionPresent reports whether any entry at all (live or tombstone)
// exists at exactly (id, v), per the same layer-stops-at-first-opinion
// rule as every other lookup here: a NegativeHit at DirtySet or ReadCache
// is as authoritative as a Hit (both mean "this layer knows the answer"),
// so only a Miss at every in-memory layer reaches the store.
func (cf *CacheFacade) versionPresent(ctx context.Context, id objstore.ObjectID, v objstore.Version) (bool, error) {
	if res := getAtDirty(cf.Dirty, id, v); !res.IsMiss() {
		return res.IsHit(), nil
	}
	if res := getAtCache(cf.Cache, id, v); !res.IsMiss() {
		return res.IsHit(), nil
	}
	_, found, err := cf.Store.GetObjectByKey(ctx, id, v)
	return found, err
}

func (cf *CacheFacade) inputAvailable(ctx context.Context, epoch objstore.Epoch, key objstore.ObjectRef, receiving bool) (bool, error) {
	if key.Version == 0 {
		_, ok, err := cf.GetObject(ctx, key.ID)
		return ok, err
	}

	present, err := cf.versionPresent(ctx, key.ID, key.Version)
	if err != nil {
		return false, err
	}
	if present {
		return true, nil
	}

	if receiving {
		if hasVersionAtOrAfter(ctx, cf, key.ID, key.Version) {
			return true, nil
		}
		if cf.Dirty.HasMarkerAtOrAfter(epoch, key.ID, key.Version) {
			return true, nil
		}
		mv, m, found, err := cf.Store.LatestMarker(ctx, key.ID, epoch)
		if err != nil {
			return false, err
		}
		if found && mv >= key.Version && m.Kind == objstore.MarkerOwnedDeleted {
			return true, nil
		}
		return false, nil
	}

	if m, ok := cf.Dirty.GetMarker(epoch, key.ID, key.Version); ok && m.Kind == objstore.MarkerSharedDeleted {
		return true, nil
	}
	if m, ok := cf.Cache.GetMarker(epoch, key.ID, key.Version); ok && m.Kind == objstore.MarkerSharedDeleted {
		return true, nil
	}
	m, found, err := cf.Store.GetMarkerValue(ctx, key.ID, key.Version, epoch)
	if err != nil {
		return false, err
	}
	return found && m.Kind == objstore.MarkerSharedDeleted, nil
}

// hasVersionAtOrAfter reports whether any layer knows of a version of id
// at or above v, checked in the same top-down order as every other read
// here and stopping at the first layer with an opinion.
func hasVersionAtOrAfter(ctx context.Context, cf *CacheFacade, id objstore.ObjectID, v objstore.Version) bool {
	if vm, ok := cf.Dirty.ObjectVersionsIfPresent(id); ok {
		latest, _, found := vm.Latest()
		return found && latest >= v
	}
	if vm, ok := cf.Cache.PeekObjectVersions(id); ok {
		latest, _, found := vm.Latest()
		return found && latest >= v
	}
	latest, _, found, err := cf.Store.LatestObjectOrTombstone(ctx, id)
	return err == nil && found && latest >= v
}

// MultiGetEffects resolves effects by digest, DirtySet before store.
// Effects never live in ReadCache, so this is a two-layer read.
func (cf *CacheFacade) MultiGetEffects(ctx context.Context, digests []objstore.EffectsDigest) ([]objstore.Result[objstore.Effects], error) {
	out := make([]objstore.Result[objstore.Effects], len(digests))
	var pendingIdx []int
	var pending []objstore.EffectsDigest
	for i, d := range digests {
		if e, ok := cf.Dirty.GetEffects(d); ok {
			out[i] = objstore.Hit(e)
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pending = append(pending, d)
	}
	if len(pending) == 0 {
		return out, nil
	}
	stored, err := cf.Store.MultiGetEffects(ctx, pending)
	if err != nil {
		return nil, err
	}
	for j, i := range pendingIdx {
		out[i] = stored[j]
	}
	return out, nil
}

// MultiGetEvents resolves events by digest, DirtySet before store.
func (cf *CacheFacade) MultiGetEvents(ctx context.Context, digests []objstore.EventsDigest) ([]objstore.Result[objstore.Events], error) {
	out := make([]objstore.Result[objstore.Events], len(digests))
	var pendingIdx []int
	var pending []objstore.EventsDigest
	for i, d := range digests {
		if e, ok := cf.Dirty.GetEvents(d); ok {
			out[i] = objstore.Hit(e)
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pending = append(pending, d)
	}
	if len(pending) == 0 {
		return out, nil
	}
	stored, err := cf.Store.MultiGetEvents(ctx, pending)
	if err != nil {
		return nil, err
	}
	for j, i := range pendingIdx {
		out[i] = stored[j]
	}
	return out, nil
}

// --- write API ----------------------------------------------------------

// WriteTransactionOutputs stages one transaction's full execution output
// into DirtySet (and, for packages, into ReadCache), in a fixed order:
// markers, child objects, non-child objects, tombstones, lock
// transitions, effects and events, the executed-digest index, the pending
// bundle, and finally the NotifyRead wake-up. This never touches
// PersistentStore: the call may suspend only at LockTable.Acquire,
// earlier in a transaction's lifecycle, never here — migrating DirtySet
// into the store is the (external) flush path.
func (cf *CacheFacade) WriteTransactionOutputs(epoch objstore.Epoch, outputs *objstore.TransactionOutputs) {
	// 1. Markers.
	for key, versions := range outputs.Markers {
		for v, m := range versions {
			cf.Dirty.InsertMarker(key.Epoch, key.ID, v, m)
		}
	}

	// 2. Child written objects (owner is another object), before their
	// parents: a reader that observes a written parent must also be able
	// to observe every child written in the same transaction.
	var nonChild []objstore.Object
	for _, obj := range outputs.WrittenObjects {
		if obj.Owner.IsChild() {
			cf.Dirty.InsertObject(obj.Ref.ID, obj.Ref.Version, objstore.LiveEntry(obj))
		} else {
			nonChild = append(nonChild, obj)
		}
	}

	// 3. Non-child written objects; packages are also primed into
	// ReadCache so later package reads on this epoch avoid the store.
	for _, obj := range nonChild {
		cf.Dirty.InsertObject(obj.Ref.ID, obj.Ref.Version, objstore.LiveEntry(obj))
		if obj.IsPackage {
			cf.Cache.PutPackage(obj.Ref.ID, obj)
		}
	}

	// 4. Deleted / wrapped tombstones.
	for _, ref := range outputs.Deleted {
		cf.Dirty.InsertObject(ref.ID, ref.Version, objstore.DeletedEntry())
	}
	for _, ref := range outputs.Wrapped {
		cf.Dirty.InsertObject(ref.ID, ref.Version, objstore.WrappedEntry())
	}

	// 5. Consumed input locks transition to Deleted. This call never
	// faults to the store (unlike LockTable.MarkDeleted): by the time a
	// transaction's outputs are written, Acquire already resolved every
	// consumed ref into DirtySet, so a miss here is a programming error,
	// not a cold cache.
	for _, ref := range outputs.LocksToDelete {
		entry, ok := cf.Dirty.GetLock(ref)
		if !ok || (entry.Kind != objstore.LockInitializedEmpty && entry.Kind != objstore.LockInitializedTaken) {
			objstore.Fatalf("cachefacade: locks_to_delete %s has no initialized lock resident (ok=%v kind=%d)", ref, ok, entry.Kind)
		}
		cf.Dirty.SetLock(ref, objstore.DeletedLock())
	}

	// 6. New owned-object locks initialize to InitializedEmpty.
	for _, ref := range outputs.NewLocksToInit {
		cf.Dirty.SetLock(ref, objstore.InitializedEmptyLock())
	}

	// 7. Effects, events, and the executed-digest index.
	cf.Dirty.InsertEffects(outputs.Effects)
	cf.Dirty.InsertEvents(outputs.Events)
	cf.Dirty.SetExecutedDigest(outputs.Transaction.Digest, outputs.Effects.Digest)

	// 8. The full bundle, for callers that need to replay or inspect it
	// before it is flushed.
	cf.Dirty.InsertPendingWrite(outputs.Transaction.Digest, outputs)

	// 9. Wake anyone blocked in NotifyReadEffectsDigests on this tx.
	cf.Notify.Notify(outputs.Transaction.Digest, outputs.Effects.Digest)
}

// GetPackage returns the package object with the given id, consulting the
// dedicated package sub-cache before the regular object layers and priming
// it on a store hit (packages are immutable, so caching them on read is
// always coherent). A live object at id that is not a package fails with
// MoveObjectAsPackage.
func (cf *CacheFacade) GetPackage(ctx context.Context, id objstore.ObjectID) (objstore.Object, bool, error) {
	if pkg, ok := cf.Cache.GetPackage(id); ok {
		return pkg, true, nil
	}
	obj, ok, err := cf.GetObject(ctx, id)
	if err != nil || !ok {
		return objstore.Object{}, false, err
	}
	if !obj.IsPackage {
		return objstore.Object{}, false, objstore.Errorf(objstore.MoveObjectAsPackage,
			"object %s is not a package", id)
	}
	cf.Cache.PutPackage(id, obj)
	return obj, true, nil
}

// ReadChildObject is the parent-scoped bounded read: the greatest version
// of child at or below bound, which must be owned by parent. A live floor
// entry owned by anything else fails with InvalidChildObjectAccess; a
// missing or tombstoned floor is an ordinary not-found.
func (cf *CacheFacade) ReadChildObject(ctx context.Context, parent, child objstore.ObjectID, bound objstore.Version) (objstore.Object, bool, error) {
	obj, ok, err := cf.FindObjectLE(ctx, child, bound)
	if err != nil || !ok {
		return objstore.Object{}, false, err
	}
	if obj.Owner.Kind != objstore.OwnerObject || obj.Owner.Parent != parent {
		return objstore.Object{}, false, objstore.Errorf(objstore.InvalidChildObjectAccess,
			"object %s at version %d is not a child of %s", child, obj.Ref.Version, parent)
	}
	return obj, true, nil
}

// NotifyReadEffectsDigests resolves the effects digest of every tx in txs,
// blocking until all are known. Digests already resident in DirtySet or
// the store resolve without waiting; waiters are registered before the
// store round trip so a transaction that commits in between is caught by
// either the store result or the notification, never missed by both.
func (cf *CacheFacade) NotifyReadEffectsDigests(ctx context.Context, txs []objstore.TxDigest) ([]objstore.EffectsDigest, error) {
	out := make([]objstore.EffectsDigest, len(txs))
	var pendingIdx []int
	var pendingTxs []objstore.TxDigest
	var waits []<-chan objstore.EffectsDigest

	for i, tx := range txs {
		if digest, ok := cf.Dirty.GetExecutedDigest(tx); ok {
			out[i] = digest
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingTxs = append(pendingTxs, tx)
		waits = append(waits, cf.Notify.Register(tx))
	}
	if len(pendingTxs) == 0 {
		return out, nil
	}

	stored, err := cf.Store.MultiGetExecutedEffectsDigests(ctx, pendingTxs)
	if err != nil {
		return nil, err
	}
	for j, i := range pendingIdx {
		if stored[j].IsHit() {
			out[i] = stored[j].Value
			continue
		}
		select {
		case digest := <-waits[j]:
			out[i] = digest
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// ForceReloadSystemPackages evicts the given ids from ReadCache's package
// cache and re-primes each from the store's current state. Used at epoch
// change, when system packages may have been replaced.
func (cf *CacheFacade) ForceReloadSystemPackages(ctx context.Context, ids []objstore.ObjectID) error {
	for _, id := range ids {
		cf.Cache.InvalidatePackage(id)
		obj, ok, err := cf.Store.GetObject(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !obj.IsPackage {
			return objstore.Errorf(objstore.MoveObjectAsPackage,
				"system package reload: object %s is not a package", id)
		}
		cf.Cache.PutPackage(id, obj)
	}
	return nil
}
