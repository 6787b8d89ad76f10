package cachefacade

import (
	"context"
	"testing"
	"time"

	"github.com/mnohosten/chainstate/pkg/dirtyset"
	"github.com/mnohosten/chainstate/pkg/locktable"
	"github.com/mnohosten/chainstate/pkg/notifyread"
	"github.com/mnohosten/chainstate/pkg/objstore"
	"github.com/mnohosten/chainstate/pkg/readcache"
)

func idFor(b byte) objstore.ObjectID {
	var id objstore.ObjectID
	id[0] = b
	return id
}

func txFor(b byte) objstore.TxDigest {
	var tx objstore.TxDigest
	tx[0] = b
	return tx
}

func digestFor(b byte) objstore.Digest {
	var d objstore.Digest
	d[0] = b
	return d
}

func effFor(b byte) objstore.EffectsDigest {
	var e objstore.EffectsDigest
	e[0] = b
	return e
}

func liveObject(id objstore.ObjectID, v objstore.Version, owner objstore.Owner) objstore.Object {
	return objstore.Object{
		Ref:     objstore.ObjectRef{ID: id, Version: v, Digest: digestFor(byte(v))},
		Owner:   owner,
		Content: []byte("payload"),
	}
}

func newTestFacade() (*CacheFacade, *fakeStore) {
	ds := dirtyset.New()
	rc := readcache.New(readcache.DefaultConfig())
	st := newFakeStore()
	lt := locktable.New(ds, st)
	n := notifyread.New()
	return New(ds, rc, st, lt, n), st
}

func addressOwner() objstore.Owner { return objstore.Owner{Kind: objstore.OwnerAddress} }

func TestFreshWriteThenRead(t *testing.T) {
	cf, _ := newTestFacade()
	id := idFor(1)
	obj := liveObject(id, 1, addressOwner())
	tx := txFor(1)

	outputs := &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx},
		Events:         objstore.Events{},
		WrittenObjects: []objstore.Object{obj},
		NewLocksToInit: []objstore.ObjectRef{obj.Ref},
	}
	cf.WriteTransactionOutputs(1, outputs)

	got, ok, err := cf.GetObject(context.Background(), id)
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if !ok || got.Ref != obj.Ref {
		t.Fatalf("GetObject() = (%+v, %v), want %+v", got, ok, obj.Ref)
	}
}

func TestDeleteThenRead(t *testing.T) {
	cf, _ := newTestFacade()
	id := idFor(2)
	v1 := liveObject(id, 1, addressOwner())
	tx1 := txFor(1)
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx1},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx1},
		WrittenObjects: []objstore.Object{v1},
		NewLocksToInit: []objstore.ObjectRef{v1.Ref},
	})

	tx2 := txFor(2)
	deletedRef := objstore.ObjectRef{ID: id, Version: 2}
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:   objstore.Transaction{Digest: tx2},
		Effects:       objstore.Effects{Digest: effFor(2), TxDigest: tx2},
		Deleted:       []objstore.ObjectRef{deletedRef},
		LocksToDelete: []objstore.ObjectRef{v1.Ref},
	})

	got, ok, err := cf.GetObject(context.Background(), id)
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if ok {
		t.Fatalf("GetObject() after delete = (%+v, true), want not-found", got)
	}

	ref, ok, err := cf.LatestRefOrTombstone(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("LatestRefOrTombstone() = (%v, %v, %v), want found", ref, ok, err)
	}
	want := objstore.ObjectRef{ID: id, Version: 2, Digest: objstore.DeletedDigest}
	if ref != want {
		t.Fatalf("LatestRefOrTombstone() = %+v, want %+v", ref, want)
	}
}

func TestWrapThenUnwrapLifecycle(t *testing.T) {
	cf, _ := newTestFacade()
	id := idFor(13)
	ctx := context.Background()

	v1 := liveObject(id, 1, addressOwner())
	tx1 := txFor(1)
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx1},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx1},
		WrittenObjects: []objstore.Object{v1},
		NewLocksToInit: []objstore.ObjectRef{v1.Ref},
	})

	tx2 := txFor(2)
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:   objstore.Transaction{Digest: tx2},
		Effects:       objstore.Effects{Digest: effFor(2), TxDigest: tx2},
		Wrapped:       []objstore.ObjectRef{{ID: id, Version: 2}},
		LocksToDelete: []objstore.ObjectRef{v1.Ref},
	})

	if _, ok, _ := cf.GetObject(ctx, id); ok {
		t.Fatal("wrapped object should not be readable as live")
	}
	ref, ok, err := cf.LatestRefOrTombstone(ctx, id)
	if err != nil || !ok || ref.Digest != objstore.WrappedDigest {
		t.Fatalf("LatestRefOrTombstone() = (%+v, %v, %v), want wrapped tombstone", ref, ok, err)
	}

	// Unwrapped by a later transaction: the object re-enters as live at
	// the next version.
	v3 := liveObject(id, 3, addressOwner())
	tx3 := txFor(3)
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx3},
		Effects:        objstore.Effects{Digest: effFor(3), TxDigest: tx3},
		WrittenObjects: []objstore.Object{v3},
		NewLocksToInit: []objstore.ObjectRef{v3.Ref},
	})

	got, ok, err := cf.GetObject(ctx, id)
	if err != nil || !ok || got.Ref != v3.Ref {
		t.Fatalf("GetObject() after unwrap = (%+v, %v, %v), want live v3", got, ok, err)
	}
}

func TestGetObjectAtNegativeHitBelowRetainedWindow(t *testing.T) {
	cf, _ := newTestFacade()
	id := idFor(3)
	v5 := liveObject(id, 5, addressOwner())
	tx := txFor(1)
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx},
		WrittenObjects: []objstore.Object{v5},
		NewLocksToInit: []objstore.ObjectRef{v5.Ref},
	})

	_, ok, err := cf.GetObjectAt(context.Background(), id, 2)
	if err != nil {
		t.Fatalf("GetObjectAt() error = %v", err)
	}
	if ok {
		t.Fatalf("GetObjectAt(v=2) should be a negative hit, not found")
	}
}

func TestFindObjectLEBelowAnyLiveEntry(t *testing.T) {
	cf, _ := newTestFacade()
	id := idFor(4)
	v5 := liveObject(id, 5, addressOwner())
	tx := txFor(1)
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx},
		WrittenObjects: []objstore.Object{v5},
		NewLocksToInit: []objstore.ObjectRef{v5.Ref},
	})

	_, ok, err := cf.FindObjectLE(context.Background(), id, 2)
	if err != nil {
		t.Fatalf("FindObjectLE() error = %v", err)
	}
	if ok {
		t.Fatal("FindObjectLE(bound=2) should find nothing below version 5")
	}
}

// Receiving-object marker: B is OwnedDeleted at v=5;
// input_objects_available([(B,v=3)], receiving={B@3}, epoch) should report
// available, because the object moved past v=3 via a receive.
func TestReceivingObjectMarkerAvailability(t *testing.T) {
	cf, _ := newTestFacade()
	b := idFor(5)
	epoch := objstore.Epoch(1)

	v5 := objstore.ObjectRef{ID: b, Version: 5}
	tx := txFor(1)
	cf.WriteTransactionOutputs(epoch, &objstore.TransactionOutputs{
		Transaction: objstore.Transaction{Digest: tx},
		Effects:     objstore.Effects{Digest: effFor(1), TxDigest: tx},
		Deleted:     []objstore.ObjectRef{v5},
		Markers: map[objstore.MarkerKey]map[objstore.Version]objstore.Marker{
			{Epoch: epoch, ID: b}: {5: objstore.OwnedDeletedMarker()},
		},
	})

	key := objstore.ObjectRef{ID: b, Version: 3}
	got, err := cf.InputObjectsAvailable(context.Background(), epoch, []objstore.ObjectRef{key}, map[objstore.ObjectRef]bool{key: true})
	if err != nil {
		t.Fatalf("InputObjectsAvailable() error = %v", err)
	}
	if len(got) != 1 || !got[0] {
		t.Fatalf("InputObjectsAvailable() = %v, want [true]", got)
	}
}

func TestInputObjectsAvailableVersionedKeyPresentRegardlessOfLiveness(t *testing.T) {
	cf, _ := newTestFacade()
	id := idFor(6)
	epoch := objstore.Epoch(1)
	ref := objstore.ObjectRef{ID: id, Version: 1}
	tx := txFor(1)
	cf.WriteTransactionOutputs(epoch, &objstore.TransactionOutputs{
		Transaction: objstore.Transaction{Digest: tx},
		Effects:     objstore.Effects{Digest: effFor(1), TxDigest: tx},
		Deleted:     []objstore.ObjectRef{ref},
	})

	got, err := cf.InputObjectsAvailable(context.Background(), epoch, []objstore.ObjectRef{ref}, nil)
	if err != nil {
		t.Fatalf("InputObjectsAvailable() error = %v", err)
	}
	if len(got) != 1 || !got[0] {
		t.Fatalf("InputObjectsAvailable() = %v, want [true] (version present, even tombstoned)", got)
	}
}

func TestWriteTransactionOutputsSignalsNotifyRead(t *testing.T) {
	cf, _ := newTestFacade()
	tx := txFor(7)
	ch := cf.Notify.Register(tx)

	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction: objstore.Transaction{Digest: tx},
		Effects:     objstore.Effects{Digest: effFor(7), TxDigest: tx},
	})

	select {
	case got := <-ch:
		if got != effFor(7) {
			t.Errorf("notified digest = %v, want %v", got, effFor(7))
		}
	default:
		t.Fatal("WriteTransactionOutputs should have signaled the registered waiter")
	}
}

func TestMultiGetWithAccurateErrorClassifiesVersionUnavailable(t *testing.T) {
	cf, st := newTestFacade()
	id := idFor(8)
	st.locks[objstore.ObjectRef{ID: id, Version: 3}] = objstore.TakenLock(1, txFor(1))

	requested := objstore.ObjectRef{ID: id, Version: 1}
	out, err := cf.MultiGetWithAccurateError(context.Background(), []objstore.ObjectRef{requested})
	if err != nil {
		t.Fatalf("MultiGetWithAccurateError() error = %v", err)
	}
	if out[0].Found {
		t.Fatal("expected a miss")
	}
	if kind, ok := objstore.KindOf(out[0].Err); !ok || kind != objstore.ObjectVersionUnavailable {
		t.Fatalf("err = %v, want ObjectVersionUnavailable", out[0].Err)
	}
}

func TestMultiGetWithAccurateErrorClassifiesNotFound(t *testing.T) {
	cf, _ := newTestFacade()
	requested := objstore.ObjectRef{ID: idFor(9), Version: 1}

	out, err := cf.MultiGetWithAccurateError(context.Background(), []objstore.ObjectRef{requested})
	if err != nil {
		t.Fatalf("MultiGetWithAccurateError() error = %v", err)
	}
	if kind, ok := objstore.KindOf(out[0].Err); !ok || kind != objstore.ObjectNotFound {
		t.Fatalf("err = %v, want ObjectNotFound", out[0].Err)
	}
}

func TestForceReloadSystemPackagesReplacesCachedVersion(t *testing.T) {
	cf, st := newTestFacade()
	pkg := idFor(10)
	ctx := context.Background()

	stale := objstore.Object{Ref: objstore.ObjectRef{ID: pkg, Version: 1}, IsPackage: true}
	cf.Cache.PutPackage(pkg, stale)

	fresh := objstore.Object{Ref: objstore.ObjectRef{ID: pkg, Version: 2, Digest: digestFor(2)}, IsPackage: true}
	st.objects[pkg] = map[objstore.Version]objstore.ObjectEntry{2: objstore.LiveEntry(fresh)}

	if err := cf.ForceReloadSystemPackages(ctx, []objstore.ObjectID{pkg}); err != nil {
		t.Fatalf("ForceReloadSystemPackages() error = %v", err)
	}
	got, ok := cf.Cache.GetPackage(pkg)
	if !ok || got.Ref != fresh.Ref {
		t.Fatalf("GetPackage() after reload = (%+v, %v), want the store's version", got, ok)
	}
}

func TestForceReloadSystemPackagesDropsAbsentPackage(t *testing.T) {
	cf, _ := newTestFacade()
	pkg := idFor(14)
	cf.Cache.PutPackage(pkg, objstore.Object{Ref: objstore.ObjectRef{ID: pkg, Version: 1}, IsPackage: true})

	if err := cf.ForceReloadSystemPackages(context.Background(), []objstore.ObjectID{pkg}); err != nil {
		t.Fatalf("ForceReloadSystemPackages() error = %v", err)
	}
	if _, ok := cf.Cache.GetPackage(pkg); ok {
		t.Fatal("package absent from the store should stay evicted")
	}
}

func TestGetPackagePrimesCacheAndRejectsNonPackage(t *testing.T) {
	cf, _ := newTestFacade()
	ctx := context.Background()
	tx := txFor(1)

	pkgID := idFor(15)
	pkgObj := liveObject(pkgID, 1, addressOwner())
	pkgObj.IsPackage = true
	plainID := idFor(16)
	plainObj := liveObject(plainID, 1, addressOwner())

	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx},
		WrittenObjects: []objstore.Object{pkgObj, plainObj},
		NewLocksToInit: []objstore.ObjectRef{plainObj.Ref},
	})
	// WriteTransactionOutputs already primed the package; drop it so the
	// check below sees GetPackage's own priming.
	cf.Cache.InvalidatePackage(pkgID)

	got, ok, err := cf.GetPackage(ctx, pkgID)
	if err != nil || !ok || got.Ref != pkgObj.Ref {
		t.Fatalf("GetPackage() = (%+v, %v, %v), want the package", got, ok, err)
	}
	if _, ok := cf.Cache.GetPackage(pkgID); !ok {
		t.Error("GetPackage should have primed the package cache")
	}

	_, _, err = cf.GetPackage(ctx, plainID)
	if kind, ok := objstore.KindOf(err); !ok || kind != objstore.MoveObjectAsPackage {
		t.Fatalf("GetPackage(non-package) err = %v, want MoveObjectAsPackage", err)
	}
}

func TestReadChildObjectVerifiesOwnership(t *testing.T) {
	cf, _ := newTestFacade()
	ctx := context.Background()
	parent := idFor(17)
	other := idFor(18)
	child := idFor(19)
	tx := txFor(1)

	childObj := liveObject(child, 1, objstore.Owner{Kind: objstore.OwnerObject, Parent: parent})
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx},
		WrittenObjects: []objstore.Object{childObj},
	})

	got, ok, err := cf.ReadChildObject(ctx, parent, child, 5)
	if err != nil || !ok || got.Ref != childObj.Ref {
		t.Fatalf("ReadChildObject() = (%+v, %v, %v), want the child", got, ok, err)
	}

	_, _, err = cf.ReadChildObject(ctx, other, child, 5)
	if kind, ok := objstore.KindOf(err); !ok || kind != objstore.InvalidChildObjectAccess {
		t.Fatalf("ReadChildObject(wrong parent) err = %v, want InvalidChildObjectAccess", err)
	}
}

func TestExecutedDigestImpliesEffectsEventsAndObjectsObservable(t *testing.T) {
	cf, _ := newTestFacade()
	ctx := context.Background()
	id := idFor(22)
	tx := txFor(22)

	obj := liveObject(id, 1, addressOwner())
	var evDigest objstore.EventsDigest
	evDigest[0] = 22
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx},
		Effects:        objstore.Effects{Digest: effFor(22), TxDigest: tx, EventsDigest: evDigest},
		Events:         objstore.Events{Digest: evDigest, Content: []byte("ev")},
		WrittenObjects: []objstore.Object{obj},
		NewLocksToInit: []objstore.ObjectRef{obj.Ref},
	})

	effDigest, ok := cf.Dirty.GetExecutedDigest(tx)
	if !ok || effDigest != effFor(22) {
		t.Fatalf("GetExecutedDigest() = (%v, %v), want the written digest", effDigest, ok)
	}

	effs, err := cf.MultiGetEffects(ctx, []objstore.EffectsDigest{effDigest})
	if err != nil || !effs[0].IsHit() {
		t.Fatalf("MultiGetEffects() = (%v, %v), want a hit", effs, err)
	}
	evs, err := cf.MultiGetEvents(ctx, []objstore.EventsDigest{effs[0].Value.EventsDigest})
	if err != nil || !evs[0].IsHit() {
		t.Fatalf("MultiGetEvents() = (%v, %v), want a hit", evs, err)
	}
	if _, ok, _ := cf.GetObject(ctx, id); !ok {
		t.Fatal("written object should be observable once the executed digest is")
	}
}

func TestNotifyReadEffectsDigestsResolvesDirtyAndWaits(t *testing.T) {
	cf, _ := newTestFacade()
	ctx := context.Background()

	knownTx := txFor(20)
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction: objstore.Transaction{Digest: knownTx},
		Effects:     objstore.Effects{Digest: effFor(20), TxDigest: knownTx},
	})

	pendingTx := txFor(21)
	done := make(chan []objstore.EffectsDigest, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := cf.NotifyReadEffectsDigests(ctx, []objstore.TxDigest{knownTx, pendingTx})
		if err != nil {
			errCh <- err
			return
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine register
	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction: objstore.Transaction{Digest: pendingTx},
		Effects:     objstore.Effects{Digest: effFor(21), TxDigest: pendingTx},
	})

	select {
	case got := <-done:
		if len(got) != 2 || got[0] != effFor(20) || got[1] != effFor(21) {
			t.Fatalf("NotifyReadEffectsDigests() = %v, want [%v %v]", got, effFor(20), effFor(21))
		}
	case err := <-errCh:
		t.Fatalf("NotifyReadEffectsDigests() error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the pending digest")
	}
}

func TestWriteTransactionOutputsOrdersChildBeforeParent(t *testing.T) {
	cf, _ := newTestFacade()
	parent := idFor(11)
	child := idFor(12)
	tx := txFor(1)

	childObj := liveObject(child, 1, objstore.Owner{Kind: objstore.OwnerObject, Parent: parent})
	parentObj := liveObject(parent, 1, addressOwner())

	cf.WriteTransactionOutputs(1, &objstore.TransactionOutputs{
		Transaction:    objstore.Transaction{Digest: tx},
		Effects:        objstore.Effects{Digest: effFor(1), TxDigest: tx},
		WrittenObjects: []objstore.Object{parentObj, childObj},
		NewLocksToInit: []objstore.ObjectRef{parentObj.Ref},
	})

	ctx := context.Background()
	gotParent, ok, err := cf.GetObject(ctx, parent)
	if err != nil || !ok || gotParent.Ref != parentObj.Ref {
		t.Fatalf("GetObject(parent) = (%+v, %v, %v)", gotParent, ok, err)
	}
	gotChild, ok, err := cf.FindObjectLE(ctx, child, 1)
	if err != nil || !ok || gotChild.Ref != childObj.Ref {
		t.Fatalf("FindObjectLE(child) = (%+v, %v, %v)", gotChild, ok, err)
	}
}
