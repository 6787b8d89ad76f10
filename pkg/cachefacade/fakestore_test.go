package cachefacade

import (
	"context"
	"sync"

	"github.com/mnohosten/chainstate/pkg/objstore"
)

// fakeStore is a minimal in-memory store.PersistentStore used only by this
// package's own tests, standing in for a real durable engine the same way
// locktable's fakeStore does.
type fakeStore struct {
	mu      sync.Mutex
	objects map[objstore.ObjectID]map[objstore.Version]objstore.ObjectEntry
	locks   map[objstore.ObjectRef]objstore.LockEntry
	markers map[objstore.MarkerKey]map[objstore.Version]objstore.Marker
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[objstore.ObjectID]map[objstore.Version]objstore.ObjectEntry),
		locks:   make(map[objstore.ObjectRef]objstore.LockEntry),
		markers: make(map[objstore.MarkerKey]map[objstore.Version]objstore.Marker),
	}
}

func (f *fakeStore) GetObject(ctx context.Context, id objstore.ObjectID) (objstore.Object, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.objects[id]
	if !ok {
		return objstore.Object{}, false, nil
	}
	var maxV objstore.Version
	var found bool
	for v := range vs {
		if !found || v > maxV {
			maxV, found = v, true
		}
	}
	if !found || !vs[maxV].IsLive() {
		return objstore.Object{}, false, nil
	}
	return vs[maxV].Object, true, nil
}

func (f *fakeStore) GetObjectByKey(ctx context.Context, id objstore.ObjectID, v objstore.Version) (objstore.ObjectEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.objects[id]
	if !ok {
		return objstore.ObjectEntry{}, false, nil
	}
	e, ok := vs[v]
	return e, ok, nil
}

func (f *fakeStore) MultiGetByKey(ctx context.Context, refs []objstore.ObjectRef) ([]objstore.Result[objstore.ObjectEntry], error) {
	out := make([]objstore.Result[objstore.ObjectEntry], len(refs))
	for i, ref := range refs {
		e, ok, _ := f.GetObjectByKey(ctx, ref.ID, ref.Version)
		if ok {
			out[i] = objstore.Hit(e)
		} else {
			out[i] = objstore.Miss[objstore.ObjectEntry]()
		}
	}
	return out, nil
}

func (f *fakeStore) ObjectExistsByKey(ctx context.Context, id objstore.ObjectID, v objstore.Version) (bool, error) {
	_, ok, _ := f.GetObjectByKey(ctx, id, v)
	return ok, nil
}

func (f *fakeStore) MultiObjectExistsByKey(ctx context.Context, refs []objstore.ObjectRef) ([]bool, error) {
	out := make([]bool, len(refs))
	for i, ref := range refs {
		out[i], _ = f.ObjectExistsByKey(ctx, ref.ID, ref.Version)
	}
	return out, nil
}

func (f *fakeStore) LatestObjectRefOrTombstone(ctx context.Context, id objstore.ObjectID) (objstore.ObjectRef, bool, error) {
	v, e, ok, _ := f.LatestObjectOrTombstone(ctx, id)
	if !ok {
		return objstore.ObjectRef{}, false, nil
	}
	return entryRef(id, v, e), true, nil
}

func (f *fakeStore) LatestObjectOrTombstone(ctx context.Context, id objstore.ObjectID) (objstore.Version, objstore.ObjectEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.objects[id]
	if !ok {
		return 0, objstore.ObjectEntry{}, false, nil
	}
	var maxV objstore.Version
	var found bool
	for v := range vs {
		if !found || v > maxV {
			maxV, found = v, true
		}
	}
	return maxV, vs[maxV], found, nil
}

func (f *fakeStore) FindObjectLEVersion(ctx context.Context, id objstore.ObjectID, bound objstore.Version) (objstore.Version, objstore.ObjectEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.objects[id]
	if !ok {
		return 0, objstore.ObjectEntry{}, false, nil
	}
	var best objstore.Version
	var found bool
	for v := range vs {
		if v <= bound && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return 0, objstore.ObjectEntry{}, false, nil
	}
	return best, vs[best], true, nil
}

func (f *fakeStore) GetLockEntry(ctx context.Context, ref objstore.ObjectRef) (objstore.LockEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.locks[ref]
	return e, ok, nil
}

func (f *fakeStore) LatestLockForObjectID(ctx context.Context, id objstore.ObjectID) (objstore.ObjectRef, objstore.LockEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best objstore.ObjectRef
	var bestEntry objstore.LockEntry
	var found bool
	for ref, e := range f.locks {
		if ref.ID != id {
			continue
		}
		if !found || ref.Version > best.Version {
			best, bestEntry, found = ref, e, true
		}
	}
	return best, bestEntry, found, nil
}

func (f *fakeStore) CheckOwnedLocksExist(ctx context.Context, refs []objstore.ObjectRef) ([]bool, error) {
	out := make([]bool, len(refs))
	for i, ref := range refs {
		_, ok, _ := f.GetLockEntry(ctx, ref)
		out[i] = ok
	}
	return out, nil
}

func (f *fakeStore) GetLock(ctx context.Context, ref objstore.ObjectRef, epoch objstore.Epoch) (objstore.LockEntry, bool, error) {
	e, ok, _ := f.GetLockEntry(ctx, ref)
	if !ok {
		return objstore.LockEntry{}, false, nil
	}
	if e.Kind == objstore.LockInitializedTaken && e.Epoch != epoch {
		return objstore.LockEntry{}, false, nil
	}
	return e, true, nil
}

func (f *fakeStore) MultiGetTransactionBlocks(ctx context.Context, txs []objstore.TxDigest) ([]objstore.Result[objstore.Transaction], error) {
	out := make([]objstore.Result[objstore.Transaction], len(txs))
	for i := range txs {
		out[i] = objstore.Miss[objstore.Transaction]()
	}
	return out, nil
}

func (f *fakeStore) MultiGetExecutedEffectsDigests(ctx context.Context, txs []objstore.TxDigest) ([]objstore.Result[objstore.EffectsDigest], error) {
	out := make([]objstore.Result[objstore.EffectsDigest], len(txs))
	for i := range txs {
		out[i] = objstore.Miss[objstore.EffectsDigest]()
	}
	return out, nil
}

func (f *fakeStore) MultiGetEffects(ctx context.Context, digests []objstore.EffectsDigest) ([]objstore.Result[objstore.Effects], error) {
	out := make([]objstore.Result[objstore.Effects], len(digests))
	for i := range digests {
		out[i] = objstore.Miss[objstore.Effects]()
	}
	return out, nil
}

func (f *fakeStore) MultiGetEvents(ctx context.Context, digests []objstore.EventsDigest) ([]objstore.Result[objstore.Events], error) {
	out := make([]objstore.Result[objstore.Events], len(digests))
	for i := range digests {
		out[i] = objstore.Miss[objstore.Events]()
	}
	return out, nil
}

func (f *fakeStore) GetMarkerValue(ctx context.Context, id objstore.ObjectID, v objstore.Version, epoch objstore.Epoch) (objstore.Marker, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.markers[objstore.MarkerKey{Epoch: epoch, ID: id}]
	if !ok {
		return objstore.Marker{}, false, nil
	}
	m, ok := vs[v]
	return m, ok, nil
}

func (f *fakeStore) LatestMarker(ctx context.Context, id objstore.ObjectID, epoch objstore.Epoch) (objstore.Version, objstore.Marker, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs, ok := f.markers[objstore.MarkerKey{Epoch: epoch, ID: id}]
	if !ok {
		return 0, objstore.Marker{}, false, nil
	}
	var best objstore.Version
	var found bool
	for v := range vs {
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, vs[best], found, nil
}

func (f *fakeStore) WriteLocks(ctx context.Context, batch map[objstore.ObjectRef]objstore.LockEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, e := range batch {
		f.locks[ref] = e
	}
	return nil
}

func (f *fakeStore) WriteTransactionOutputs(ctx context.Context, epoch objstore.Epoch, outputs *objstore.TransactionOutputs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range outputs.WrittenObjects {
		if f.objects[obj.Ref.ID] == nil {
			f.objects[obj.Ref.ID] = make(map[objstore.Version]objstore.ObjectEntry)
		}
		f.objects[obj.Ref.ID][obj.Ref.Version] = objstore.LiveEntry(obj)
	}
	for _, ref := range outputs.Deleted {
		if f.objects[ref.ID] == nil {
			f.objects[ref.ID] = make(map[objstore.Version]objstore.ObjectEntry)
		}
		f.objects[ref.ID][ref.Version] = objstore.DeletedEntry()
	}
	return nil
}
