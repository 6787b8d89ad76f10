package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mnohosten/chainstate/pkg/commitlog"
	"github.com/mnohosten/chainstate/pkg/objstore"
	"github.com/mnohosten/chainstate/pkg/versionmap"
)

// MemStore is the reference PersistentStore implementation: an in-memory
// index over the flat object/lock/marker/effects/events/transaction
// keyspace, rebuilt on open by replaying a commitlog.Log. Every write
// appends a durable record before updating the in-memory index, so a
// crash between the two replays cleanly.
type MemStore struct {
	mu   sync.RWMutex
	log  *commitlog.Log
	comp *blobCompressor

	objects         map[objstore.ObjectID]*versionmap.ObjectVersionMap
	locks           map[objstore.ObjectRef]objstore.LockEntry
	markers         map[objstore.MarkerKey]map[objstore.Version]objstore.Marker
	effects         map[objstore.EffectsDigest]objstore.Effects
	events          map[objstore.EventsDigest]objstore.Events
	executedDigests map[objstore.TxDigest]objstore.EffectsDigest
	transactions    map[objstore.TxDigest]objstore.Transaction

	ephemeralPath string // set by NewMemStore; removed on Close
}

// NewFileStore creates or recovers a MemStore durable at path.
func NewFileStore(path string) (*MemStore, error) {
	log, err := commitlog.Open(path)
	if err != nil {
		return nil, err
	}
	comp, err := newBlobCompressor()
	if err != nil {
		return nil, err
	}

	s := &MemStore{
		log:             log,
		comp:            comp,
		objects:         make(map[objstore.ObjectID]*versionmap.ObjectVersionMap),
		locks:           make(map[objstore.ObjectRef]objstore.LockEntry),
		markers:         make(map[objstore.MarkerKey]map[objstore.Version]objstore.Marker),
		effects:         make(map[objstore.EffectsDigest]objstore.Effects),
		events:          make(map[objstore.EventsDigest]objstore.Events),
		executedDigests: make(map[objstore.TxDigest]objstore.EffectsDigest),
		transactions:    make(map[objstore.TxDigest]objstore.Transaction),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open is an alias for NewFileStore, kept for callers that just want "open
// the store at this path" without caring about the file/mem distinction.
func Open(path string) (*MemStore, error) { return NewFileStore(path) }

// NewMemStore creates a MemStore backed by a throwaway temp file, for
// callers (tests, short-lived tools) that want PersistentStore's
// durability-shaped API without managing a log file themselves. The
// backing file is removed on Close.
func NewMemStore() (*MemStore, error) {
	f, err := os.CreateTemp("", "chainstate-memstore-*.log")
	if err != nil {
		return nil, fmt.Errorf("store: create temp file: %w", err)
	}
	path := f.Name()
	f.Close()

	s, err := NewFileStore(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	s.ephemeralPath = path
	return s, nil
}

func (s *MemStore) Close() error {
	s.comp.Close()
	err := s.log.Close()
	if s.ephemeralPath != "" {
		os.Remove(s.ephemeralPath)
	}
	return err
}

// --- key encoding ---------------------------------------------------------

func objectRefKey(ref objstore.ObjectRef) []byte {
	buf := make([]byte, 40)
	copy(buf[:32], ref.ID[:])
	binary.BigEndian.PutUint64(buf[32:], uint64(ref.Version))
	return buf
}

func decodeObjectRefKey(b []byte) objstore.ObjectRef {
	var ref objstore.ObjectRef
	copy(ref.ID[:], b[:32])
	ref.Version = objstore.Version(binary.BigEndian.Uint64(b[32:]))
	return ref
}

func markerEntryKey(key objstore.MarkerKey, v objstore.Version) []byte {
	buf := make([]byte, 48)
	copy(buf[:32], key.ID[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(key.Epoch))
	binary.BigEndian.PutUint64(buf[40:], uint64(v))
	return buf
}

func decodeMarkerEntryKey(b []byte) (objstore.MarkerKey, objstore.Version) {
	var key objstore.MarkerKey
	copy(key.ID[:], b[:32])
	key.Epoch = objstore.Epoch(binary.BigEndian.Uint64(b[32:40]))
	return key, objstore.Version(binary.BigEndian.Uint64(b[40:]))
}

// --- envelopes for json-encoded values -------------------------------

type objectEnvelope struct {
	Entry objstore.ObjectEntry
}

// --- recovery --------------------------------------------------------

func (s *MemStore) recover() error {
	records, err := s.log.Replay()
	if err != nil {
		return err
	}
	for _, r := range records {
		value, err := s.comp.decode(r.Value)
		if err != nil {
			return fmt.Errorf("store: recover: decode record %d: %w", r.LSN, err)
		}
		if err := s.applyRecord(r.Kind, r.Key, value); err != nil {
			return fmt.Errorf("store: recover: apply record %d: %w", r.LSN, err)
		}
	}
	return nil
}

func (s *MemStore) applyRecord(kind commitlog.RecordKind, key, value []byte) error {
	switch kind {
	case commitlog.RecordObject:
		ref := decodeObjectRefKey(key)
		var env objectEnvelope
		if err := json.Unmarshal(value, &env); err != nil {
			return err
		}
		s.versionsFor(ref.ID).Insert(ref.Version, env.Entry)
	case commitlog.RecordLock:
		ref := decodeObjectRefKey(key)
		var entry objstore.LockEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return err
		}
		s.locks[ref] = entry
	case commitlog.RecordMarker:
		mkey, v := decodeMarkerEntryKey(key)
		var m objstore.Marker
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		s.markersFor(mkey)[v] = m
	case commitlog.RecordEffects:
		var e objstore.Effects
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		s.effects[e.Digest] = e
	case commitlog.RecordEvents:
		var e objstore.Events
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		s.events[e.Digest] = e
	case commitlog.RecordExecutedDigest:
		var tx objstore.TxDigest
		copy(tx[:], key)
		var eff objstore.EffectsDigest
		if err := json.Unmarshal(value, &eff); err != nil {
			return err
		}
		s.executedDigests[tx] = eff
	case commitlog.RecordTransaction:
		var tx objstore.Transaction
		if err := json.Unmarshal(value, &tx); err != nil {
			return err
		}
		s.transactions[tx.Digest] = tx
	default:
		return fmt.Errorf("store: unknown record kind %d", kind)
	}
	return nil
}

func (s *MemStore) versionsFor(id objstore.ObjectID) *versionmap.ObjectVersionMap {
	vm, ok := s.objects[id]
	if !ok {
		vm = versionmap.New()
		s.objects[id] = vm
	}
	return vm
}

func (s *MemStore) markersFor(key objstore.MarkerKey) map[objstore.Version]objstore.Marker {
	m, ok := s.markers[key]
	if !ok {
		m = make(map[objstore.Version]objstore.Marker)
		s.markers[key] = m
	}
	return m
}

func (s *MemStore) append(kind commitlog.RecordKind, key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.log.Append(kind, key, s.comp.encode(raw))
	return err
}

// --- object reads ------------------------------------------------------

func (s *MemStore) GetObject(ctx context.Context, id objstore.ObjectID) (objstore.Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.objects[id]
	if !ok {
		return objstore.Object{}, false, nil
	}
	_, entry, ok := vm.Latest()
	if !ok || !entry.IsLive() {
		return objstore.Object{}, false, nil
	}
	return entry.Object, true, nil
}

func (s *MemStore) GetObjectByKey(ctx context.Context, id objstore.ObjectID, v objstore.Version) (objstore.ObjectEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.objects[id]
	if !ok {
		return objstore.ObjectEntry{}, false, nil
	}
	res := vm.Get(v)
	return res.Value, res.IsHit(), nil
}

func (s *MemStore) MultiGetByKey(ctx context.Context, refs []objstore.ObjectRef) ([]objstore.Result[objstore.ObjectEntry], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objstore.Result[objstore.ObjectEntry], len(refs))
	for i, ref := range refs {
		vm, ok := s.objects[ref.ID]
		if !ok {
			out[i] = objstore.Miss[objstore.ObjectEntry]()
			continue
		}
		out[i] = vm.Get(ref.Version)
	}
	return out, nil
}

func (s *MemStore) ObjectExistsByKey(ctx context.Context, id objstore.ObjectID, v objstore.Version) (bool, error) {
	_, found, err := s.GetObjectByKey(ctx, id, v)
	return found, err
}

func (s *MemStore) MultiObjectExistsByKey(ctx context.Context, refs []objstore.ObjectRef) ([]bool, error) {
	results, err := s.MultiGetByKey(ctx, refs)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(results))
	for i, r := range results {
		out[i] = r.IsHit()
	}
	return out, nil
}

func (s *MemStore) LatestObjectRefOrTombstone(ctx context.Context, id objstore.ObjectID) (objstore.ObjectRef, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.objects[id]
	if !ok {
		return objstore.ObjectRef{}, false, nil
	}
	v, entry, ok := vm.Latest()
	if !ok {
		return objstore.ObjectRef{}, false, nil
	}
	return refForEntry(id, v, entry), true, nil
}

func refForEntry(id objstore.ObjectID, v objstore.Version, entry objstore.ObjectEntry) objstore.ObjectRef {
	switch entry.Kind {
	case objstore.EntryLive:
		return entry.Object.Ref
	case objstore.EntryDeleted:
		return objstore.ObjectRef{ID: id, Version: v, Digest: objstore.DeletedDigest}
	default: // EntryWrapped
		return objstore.ObjectRef{ID: id, Version: v, Digest: objstore.WrappedDigest}
	}
}

func (s *MemStore) LatestObjectOrTombstone(ctx context.Context, id objstore.ObjectID) (objstore.Version, objstore.ObjectEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.objects[id]
	if !ok {
		return 0, objstore.ObjectEntry{}, false, nil
	}
	v, entry, ok := vm.Latest()
	return v, entry, ok, nil
}

func (s *MemStore) FindObjectLEVersion(ctx context.Context, id objstore.ObjectID, bound objstore.Version) (objstore.Version, objstore.ObjectEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.objects[id]
	if !ok {
		return 0, objstore.ObjectEntry{}, false, nil
	}
	v, entry, ok := vm.FindLE(bound)
	return v, entry, ok, nil
}

// --- lock reads ----------------------------------------------------------

func (s *MemStore) GetLockEntry(ctx context.Context, ref objstore.ObjectRef) (objstore.LockEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.locks[ref]
	return e, ok, nil
}

func (s *MemStore) LatestLockForObjectID(ctx context.Context, id objstore.ObjectID) (objstore.ObjectRef, objstore.LockEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best objstore.ObjectRef
	var bestEntry objstore.LockEntry
	found := false
	for ref, entry := range s.locks {
		if ref.ID != id {
			continue
		}
		if !found || ref.Version > best.Version {
			best, bestEntry, found = ref, entry, true
		}
	}
	return best, bestEntry, found, nil
}

func (s *MemStore) CheckOwnedLocksExist(ctx context.Context, refs []objstore.ObjectRef) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bool, len(refs))
	for i, ref := range refs {
		_, out[i] = s.locks[ref]
	}
	return out, nil
}

func (s *MemStore) GetLock(ctx context.Context, ref objstore.ObjectRef, epoch objstore.Epoch) (objstore.LockEntry, bool, error) {
	entry, ok, err := s.GetLockEntry(ctx, ref)
	if err != nil || !ok {
		return entry, ok, err
	}
	if entry.Kind == objstore.LockInitializedTaken && entry.Epoch != epoch {
		return objstore.LockEntry{}, false, nil
	}
	return entry, true, nil
}

// --- transaction / effects / events reads ------------------------------

func (s *MemStore) MultiGetTransactionBlocks(ctx context.Context, txs []objstore.TxDigest) ([]objstore.Result[objstore.Transaction], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objstore.Result[objstore.Transaction], len(txs))
	for i, d := range txs {
		if tx, ok := s.transactions[d]; ok {
			out[i] = objstore.Hit(tx)
		} else {
			out[i] = objstore.Miss[objstore.Transaction]()
		}
	}
	return out, nil
}

func (s *MemStore) MultiGetExecutedEffectsDigests(ctx context.Context, txs []objstore.TxDigest) ([]objstore.Result[objstore.EffectsDigest], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objstore.Result[objstore.EffectsDigest], len(txs))
	for i, d := range txs {
		if eff, ok := s.executedDigests[d]; ok {
			out[i] = objstore.Hit(eff)
		} else {
			out[i] = objstore.Miss[objstore.EffectsDigest]()
		}
	}
	return out, nil
}

func (s *MemStore) MultiGetEffects(ctx context.Context, digests []objstore.EffectsDigest) ([]objstore.Result[objstore.Effects], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objstore.Result[objstore.Effects], len(digests))
	for i, d := range digests {
		if e, ok := s.effects[d]; ok {
			out[i] = objstore.Hit(e)
		} else {
			out[i] = objstore.Miss[objstore.Effects]()
		}
	}
	return out, nil
}

func (s *MemStore) MultiGetEvents(ctx context.Context, digests []objstore.EventsDigest) ([]objstore.Result[objstore.Events], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]objstore.Result[objstore.Events], len(digests))
	for i, d := range digests {
		if e, ok := s.events[d]; ok {
			out[i] = objstore.Hit(e)
		} else {
			out[i] = objstore.Miss[objstore.Events]()
		}
	}
	return out, nil
}

// --- marker reads --------------------------------------------------------

func (s *MemStore) GetMarkerValue(ctx context.Context, id objstore.ObjectID, v objstore.Version, epoch objstore.Epoch) (objstore.Marker, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byV, ok := s.markers[objstore.MarkerKey{Epoch: epoch, ID: id}]
	if !ok {
		return objstore.Marker{}, false, nil
	}
	m, ok := byV[v]
	return m, ok, nil
}

func (s *MemStore) LatestMarker(ctx context.Context, id objstore.ObjectID, epoch objstore.Epoch) (objstore.Version, objstore.Marker, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byV, ok := s.markers[objstore.MarkerKey{Epoch: epoch, ID: id}]
	if !ok || len(byV) == 0 {
		return 0, objstore.Marker{}, false, nil
	}
	var bestV objstore.Version
	var bestM objstore.Marker
	first := true
	for v, m := range byV {
		if first || v > bestV {
			bestV, bestM, first = v, m, false
		}
	}
	return bestV, bestM, true, nil
}

// --- writes --------------------------------------------------------------

func (s *MemStore) WriteLocks(ctx context.Context, batch map[objstore.ObjectRef]objstore.LockEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, entry := range batch {
		if err := s.append(commitlog.RecordLock, objectRefKey(ref), entry); err != nil {
			return err
		}
		s.locks[ref] = entry
	}
	return nil
}

// WriteTransactionOutputs durably commits everything a transaction
// produced, in the same child-before-parent object order CacheFacade's
// in-memory write path uses; MemStore has no separate dirty/committed
// split so it applies the whole bundle directly rather than via a later
// flush.
func (s *MemStore) WriteTransactionOutputs(ctx context.Context, epoch objstore.Epoch, outputs *objstore.TransactionOutputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(commitlog.RecordTransaction, outputs.Transaction.Digest[:], outputs.Transaction); err != nil {
		return err
	}
	if err := s.append(commitlog.RecordEffects, outputs.Effects.Digest[:], outputs.Effects); err != nil {
		return err
	}
	if err := s.append(commitlog.RecordEvents, outputs.Events.Digest[:], outputs.Events); err != nil {
		return err
	}
	if err := s.append(commitlog.RecordExecutedDigest, outputs.Transaction.Digest[:], outputs.Effects.Digest); err != nil {
		return err
	}
	s.transactions[outputs.Transaction.Digest] = outputs.Transaction
	s.effects[outputs.Effects.Digest] = outputs.Effects
	s.events[outputs.Events.Digest] = outputs.Events
	s.executedDigests[outputs.Transaction.Digest] = outputs.Effects.Digest

	for _, children := range []bool{true, false} {
		for _, obj := range outputs.WrittenObjects {
			if obj.Owner.IsChild() != children {
				continue
			}
			entry := objstore.LiveEntry(obj)
			if err := s.append(commitlog.RecordObject, objectRefKey(obj.Ref), objectEnvelope{Entry: entry}); err != nil {
				return err
			}
			s.versionsFor(obj.Ref.ID).Insert(obj.Ref.Version, entry)
		}
	}
	for _, ref := range outputs.Deleted {
		entry := objstore.DeletedEntry()
		if err := s.append(commitlog.RecordObject, objectRefKey(ref), objectEnvelope{Entry: entry}); err != nil {
			return err
		}
		s.versionsFor(ref.ID).Insert(ref.Version, entry)
	}
	for _, ref := range outputs.Wrapped {
		entry := objstore.WrappedEntry()
		if err := s.append(commitlog.RecordObject, objectRefKey(ref), objectEnvelope{Entry: entry}); err != nil {
			return err
		}
		s.versionsFor(ref.ID).Insert(ref.Version, entry)
	}
	for key, byV := range outputs.Markers {
		for v, m := range byV {
			if err := s.append(commitlog.RecordMarker, markerEntryKey(key, v), m); err != nil {
				return err
			}
			s.markersFor(key)[v] = m
		}
	}
	for _, ref := range outputs.LocksToDelete {
		if err := s.append(commitlog.RecordLock, objectRefKey(ref), objstore.DeletedLock()); err != nil {
			return err
		}
		s.locks[ref] = objstore.DeletedLock()
	}
	for _, ref := range outputs.NewLocksToInit {
		if err := s.append(commitlog.RecordLock, objectRefKey(ref), objstore.InitializedEmptyLock()); err != nil {
			return err
		}
		s.locks[ref] = objstore.InitializedEmptyLock()
	}
	return nil
}
