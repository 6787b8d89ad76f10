// Package store defines PersistentStore, the durable-storage interface
// the execution cache is layered on top of; the validator's actual
// durable engine lives outside this module. It also ships a reference
// implementation, MemStore, used by this module's own tests and by any
// standalone tool that wants to drive the cache without a real validator
// storage engine behind it.
package store

import (
	"context"

	"github.com/mnohosten/chainstate/pkg/objstore"
)

// PersistentStore is the durable object/lock/effects/events/marker
// storage surface consumed by LockTable and CacheFacade. Every method may
// suspend (I/O-bound); callers must be prepared to be cancelled via ctx
// at these suspension points.
type PersistentStore interface {
	GetObject(ctx context.Context, id objstore.ObjectID) (objstore.Object, bool, error)
	GetObjectByKey(ctx context.Context, id objstore.ObjectID, v objstore.Version) (objstore.ObjectEntry, bool, error)
	MultiGetByKey(ctx context.Context, refs []objstore.ObjectRef) ([]objstore.Result[objstore.ObjectEntry], error)
	ObjectExistsByKey(ctx context.Context, id objstore.ObjectID, v objstore.Version) (bool, error)
	MultiObjectExistsByKey(ctx context.Context, refs []objstore.ObjectRef) ([]bool, error)

	LatestObjectRefOrTombstone(ctx context.Context, id objstore.ObjectID) (objstore.ObjectRef, bool, error)
	LatestObjectOrTombstone(ctx context.Context, id objstore.ObjectID) (objstore.Version, objstore.ObjectEntry, bool, error)
	FindObjectLEVersion(ctx context.Context, id objstore.ObjectID, bound objstore.Version) (objstore.Version, objstore.ObjectEntry, bool, error)

	GetLockEntry(ctx context.Context, ref objstore.ObjectRef) (objstore.LockEntry, bool, error)
	LatestLockForObjectID(ctx context.Context, id objstore.ObjectID) (objstore.ObjectRef, objstore.LockEntry, bool, error)
	CheckOwnedLocksExist(ctx context.Context, refs []objstore.ObjectRef) ([]bool, error)
	GetLock(ctx context.Context, ref objstore.ObjectRef, epoch objstore.Epoch) (objstore.LockEntry, bool, error)

	MultiGetTransactionBlocks(ctx context.Context, txs []objstore.TxDigest) ([]objstore.Result[objstore.Transaction], error)
	MultiGetExecutedEffectsDigests(ctx context.Context, txs []objstore.TxDigest) ([]objstore.Result[objstore.EffectsDigest], error)
	MultiGetEffects(ctx context.Context, digests []objstore.EffectsDigest) ([]objstore.Result[objstore.Effects], error)
	MultiGetEvents(ctx context.Context, digests []objstore.EventsDigest) ([]objstore.Result[objstore.Events], error)

	GetMarkerValue(ctx context.Context, id objstore.ObjectID, v objstore.Version, epoch objstore.Epoch) (objstore.Marker, bool, error)
	LatestMarker(ctx context.Context, id objstore.ObjectID, epoch objstore.Epoch) (objstore.Version, objstore.Marker, bool, error)

	// WriteLocks durably writes batch; the batch lands atomically.
	WriteLocks(ctx context.Context, batch map[objstore.ObjectRef]objstore.LockEntry) error
	// WriteTransactionOutputs durably commits a transaction's full effect
	// set. Out of this module's scope in the real system (the flush path
	// migrates DirtySet into the store); MemStore implements it directly
	// since it has no separate dirty/committed split.
	WriteTransactionOutputs(ctx context.Context, epoch objstore.Epoch, outputs *objstore.TransactionOutputs) error
}
