// Package locktable implements the transaction-input locking protocol:
// each owned-object ObjectRef is guarded by a LockEntry that transitions
// Absent -> InitializedEmpty -> InitializedTaken -> Deleted as the object
// is created, referenced, consumed, and retired. A lock is keyed by the
// full ref, so a new version of the same object has a distinct lock, and
// a lock is never reused once Deleted.
//
// Per-ref exclusive guards come from DirtySet's sharded lock table;
// Acquire holds a shard's guard only for the per-ref decision, collects
// every transition, and then either persists them in one durable batch or
// rolls them all back.
package locktable

import (
	"context"

	"github.com/mnohosten/chainstate/pkg/dirtyset"
	"github.com/mnohosten/chainstate/pkg/objstore"
	"github.com/mnohosten/chainstate/pkg/store"
)

// LockTable is the transaction-input locking layer, backed by DirtySet's
// in-memory lock table and faulting through to PersistentStore on miss.
type LockTable struct {
	dirty *dirtyset.DirtySet
	store store.PersistentStore

	// Debug enables cross-checking resident lock entries against the
	// store on LoadOrFault hits and asserting Initialize preconditions.
	// Divergence is a fatal coherence violation: locks flow exclusively
	// through this table.
	Debug bool
}

// New creates a LockTable layered over store, sharing dirty's lock
// table as its in-memory view.
func New(dirty *dirtyset.DirtySet, st store.PersistentStore) *LockTable {
	return &LockTable{dirty: dirty, store: st}
}

// LoadOrFault returns the LockEntry for ref, fetching from the store and
// memoizing the result on a cache miss.
func (lt *LockTable) LoadOrFault(ctx context.Context, ref objstore.ObjectRef) (objstore.LockEntry, error) {
	sh := lt.dirty.LockShard(ref)

	sh.RLock()
	cur, ok := sh.GetLocked(ref)
	sh.RUnlock()
	if ok {
		if lt.Debug {
			if err := lt.crossCheck(ctx, ref, cur); err != nil {
				return objstore.LockEntry{}, err
			}
		}
		return cur, nil
	}

	fetched, err := lt.loadFromStore(ctx, ref)
	if err != nil {
		return objstore.LockEntry{}, err
	}

	sh.Lock()
	defer sh.Unlock()
	if cur, ok := sh.GetLocked(ref); ok {
		// Another goroutine raced us and faulted (or wrote) it first.
		return cur, nil
	}
	sh.SetLocked(ref, fetched)
	return fetched, nil
}

func (lt *LockTable) loadFromStore(ctx context.Context, ref objstore.ObjectRef) (objstore.LockEntry, error) {
	entry, found, err := lt.store.GetLockEntry(ctx, ref)
	if err != nil {
		return objstore.LockEntry{}, err
	}
	if !found {
		return objstore.AbsentLock(), nil
	}
	return entry, nil
}

// crossCheck compares the resident entry against the store, peeking only
// (it must not perturb anything the store itself caches). A store value
// that is merely absent is not a divergence: entries written by
// Initialize are staged in DirtySet only and reach the store on a later
// flush, outside this module's scope. A store value that IS present but
// disagrees with the resident entry means a lock mutated outside this
// table, which can only mean a coherence bug.
func (lt *LockTable) crossCheck(ctx context.Context, ref objstore.ObjectRef, resident objstore.LockEntry) error {
	stored, found, err := lt.store.GetLockEntry(ctx, ref)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if stored != resident {
		objstore.Fatalf("locktable: resident lock for %s diverges from store (resident=%+v store=%+v)", ref, resident, stored)
	}
	return nil
}

// change records one ref's lock transition, for rollback on a later
// conflict within the same Acquire call.
type change struct {
	ref  objstore.ObjectRef
	prev objstore.LockEntry
	next objstore.LockEntry
}

// Acquire attempts to take every ref in inputs for (epoch, tx). Per-ref
// decision table:
//
//	Absent               -> ObjectNotFound (no lock was ever created for ref)
//	Deleted              -> ObjectVersionUnavailable (input already consumed)
//	InitializedEmpty     -> taken by (epoch, tx)
//	InitializedTaken:
//	  lock.Epoch > epoch           -> LockedAtFutureEpoch
//	  lock.Epoch == epoch, same tx -> idempotent success, no-op
//	  lock.Epoch == epoch, diff tx -> LockConflict
//	  lock.Epoch <  epoch          -> overridden, taken by (epoch, tx)
//
// On any per-ref failure, every prior change this call made is rolled
// back before returning, so a failed Acquire call never leaves a partial
// set of refs locked.
func (lt *LockTable) Acquire(ctx context.Context, epoch objstore.Epoch, inputs []objstore.ObjectRef, tx objstore.TxDigest) error {
	changes := make([]change, 0, len(inputs))

	for _, ref := range inputs {
		next, prev, err := lt.decide(ctx, ref, epoch, tx)
		if err != nil {
			lt.rollback(changes)
			return err
		}
		changes = append(changes, change{ref: ref, prev: prev, next: next})
	}

	batch := make(map[objstore.ObjectRef]objstore.LockEntry, len(changes))
	for _, c := range changes {
		if c.prev != c.next {
			batch[c.ref] = c.next
		}
	}
	if len(batch) > 0 {
		if err := lt.store.WriteLocks(ctx, batch); err != nil {
			lt.rollback(changes)
			return err
		}
	}
	return nil
}

// decide resolves and applies the transition for a single ref, returning
// the entry written (next) and the entry it replaced (prev) so Acquire
// can roll back on a later failure.
func (lt *LockTable) decide(ctx context.Context, ref objstore.ObjectRef, epoch objstore.Epoch, tx objstore.TxDigest) (next, prev objstore.LockEntry, err error) {
	sh := lt.dirty.LockShard(ref)

	sh.Lock()
	cur, ok := sh.GetLocked(ref)
	if !ok {
		sh.Unlock()
		fetched, ferr := lt.loadFromStore(ctx, ref)
		if ferr != nil {
			return objstore.LockEntry{}, objstore.LockEntry{}, ferr
		}
		sh.Lock()
		if cur2, ok2 := sh.GetLocked(ref); ok2 {
			cur = cur2
		} else {
			sh.SetLocked(ref, fetched)
			cur = fetched
		}
	}

	switch cur.Kind {
	case objstore.LockDeleted:
		sh.Unlock()
		return objstore.LockEntry{}, objstore.LockEntry{}, objstore.Errorf(objstore.ObjectVersionUnavailable,
			"locktable: input %s already consumed", ref)
	case objstore.LockAbsent:
		sh.Unlock()
		return objstore.LockEntry{}, objstore.LockEntry{}, objstore.Errorf(objstore.ObjectNotFound,
			"locktable: no lock exists for %s", ref)
	case objstore.LockInitializedEmpty:
		next = objstore.TakenLock(epoch, tx)
	case objstore.LockInitializedTaken:
		switch {
		case cur.Epoch > epoch:
			sh.Unlock()
			return objstore.LockEntry{}, objstore.LockEntry{}, objstore.Errorf(objstore.LockedAtFutureEpoch,
				"locktable: %s locked at epoch %d, caller is at epoch %d", ref, cur.Epoch, epoch)
		case cur.Epoch == epoch && cur.TxDigest == tx:
			next = cur // idempotent: already held by this exact transaction
		case cur.Epoch == epoch:
			sh.Unlock()
			return objstore.LockEntry{}, objstore.LockEntry{}, objstore.Errorf(objstore.LockConflict,
				"locktable: %s already locked by a different transaction at epoch %d", ref, epoch)
		default: // cur.Epoch < epoch
			next = objstore.TakenLock(epoch, tx)
		}
	default:
		sh.Unlock()
		objstore.Fatalf("locktable: unknown lock kind %d for %s", cur.Kind, ref)
	}

	sh.SetLocked(ref, next)
	sh.Unlock()
	return next, cur, nil
}

// rollback restores every change's prior value, in reverse order. A
// rolled-back ref having since mutated to something other than what this
// call wrote is a coherence bug: nothing else should be mutating a ref
// this call currently holds.
func (lt *LockTable) rollback(changes []change) {
	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		sh := lt.dirty.LockShard(c.ref)
		sh.Lock()
		if cur, ok := sh.GetLocked(c.ref); !ok || cur != c.next {
			sh.Unlock()
			objstore.Fatalf("locktable: rollback of %s found an unexpected concurrent mutation", c.ref)
		}
		sh.SetLocked(c.ref, c.prev)
		sh.Unlock()
	}
}

// MarkDeleted transitions every ref's lock from Initialized(_) to Deleted.
// A ref whose lock is not currently Initialized is a fatal invariant
// violation: MarkDeleted only ever runs against inputs Acquire has
// already validated.
func (lt *LockTable) MarkDeleted(ctx context.Context, refs []objstore.ObjectRef) error {
	for _, ref := range refs {
		entry, err := lt.LoadOrFault(ctx, ref)
		if err != nil {
			return err
		}
		if entry.Kind != objstore.LockInitializedEmpty && entry.Kind != objstore.LockInitializedTaken {
			objstore.Fatalf("locktable: mark_deleted called on %s with no initialized lock (kind=%d)", ref, entry.Kind)
		}
		lt.dirty.SetLock(ref, objstore.DeletedLock())
	}
	return nil
}

// Initialize transitions Absent to InitializedEmpty for each ref, used for
// every owned-object ref a transaction writes for the first time. In
// Debug mode it asserts the lock does not already exist in the store,
// with a carve-out for version 1 (genesis objects are sometimes
// initialized more than once across replay).
func (lt *LockTable) Initialize(ctx context.Context, refs []objstore.ObjectRef) error {
	for _, ref := range refs {
		if lt.Debug && ref.Version != 1 {
			if _, found, err := lt.store.GetLockEntry(ctx, ref); err != nil {
				return err
			} else if found {
				objstore.Fatalf("locktable: initialize assertion failed: lock for %s already exists in the store", ref)
			}
		}
		lt.dirty.SetLock(ref, objstore.InitializedEmptyLock())
	}
	return nil
}
