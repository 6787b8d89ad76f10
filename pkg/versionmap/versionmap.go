// Package versionmap implements the per-object ordered version map: a
// mapping from Version to ObjectEntry supporting Latest, exact-version
// Get, bounded FindLE, and append-only Insert, all behind one exclusive
// guard per object so that readers of FindLE/Latest see a consistent
// snapshot of that object's versions. The backing slice is kept sorted
// ascending, so Get and FindLE are binary searches.
package versionmap

import (
	"sort"
	"sync"

	"github.com/mnohosten/chainstate/pkg/objstore"
)

type slot struct {
	version objstore.Version
	entry   objstore.ObjectEntry
}

// ObjectVersionMap holds every retained version of one object.
type ObjectVersionMap struct {
	mu sync.RWMutex
	// slots is kept sorted ascending by version. Appends are the common
	// case (DirtySet only ever inserts newer versions), so this is
	// amortized O(1) to insert and O(log n) to search.
	slots []slot
}

// New returns an empty ObjectVersionMap.
func New() *ObjectVersionMap {
	return &ObjectVersionMap{}
}

// Latest returns the greatest (version, entry) pair, or ok=false if the map
// is empty.
func (m *ObjectVersionMap) Latest() (objstore.Version, objstore.ObjectEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.slots) == 0 {
		return 0, objstore.ObjectEntry{}, false
	}
	last := m.slots[len(m.slots)-1]
	return last.version, last.entry, true
}

// Get returns the entry at exactly v. It classifies the outcome as
// ResultHit (the version is present), ResultNegativeHit (v is strictly
// less than the minimum retained version but the object has at least one
// retained version — the gap-free invariant guarantees this implies the
// version never existed), or ResultMiss (the map has no versions at all
// for this object, so the caller must consult the next layer down).
func (m *ObjectVersionMap) Get(v objstore.Version) objstore.Result[objstore.ObjectEntry] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.slots) == 0 {
		return objstore.Miss[objstore.ObjectEntry]()
	}

	i := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].version >= v })
	if i < len(m.slots) && m.slots[i].version == v {
		return objstore.Hit(m.slots[i].entry)
	}

	if v < m.slots[0].version {
		return objstore.NegativeHit[objstore.ObjectEntry]()
	}
	// v falls inside or above the retained range but isn't present: under
	// the gap-free invariant this slot can only be missing because this
	// layer simply hasn't learned about it yet (it belongs to a lower
	// layer), not because it never existed.
	return objstore.Miss[objstore.ObjectEntry]()
}

// FindLE returns the greatest entry with version <= bound, or ok=false if
// none qualifies.
func (m *ObjectVersionMap) FindLE(bound objstore.Version) (objstore.Version, objstore.ObjectEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].version > bound })
	if i == 0 {
		return 0, objstore.ObjectEntry{}, false
	}
	s := m.slots[i-1]
	return s.version, s.entry, true
}

// MinVersion returns the smallest retained version, or ok=false if empty.
func (m *ObjectVersionMap) MinVersion() (objstore.Version, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.slots) == 0 {
		return 0, false
	}
	return m.slots[0].version, true
}

// Insert records entry at version v. The gap-free invariant requires v to
// be strictly greater than every version already present — DirtySet only
// ever appends newer versions — so a caller attempting to insert a
// version at or below the current maximum indicates a programming error
// upstream and is treated as a fatal invariant violation.
func (m *ObjectVersionMap) Insert(v objstore.Version, entry objstore.ObjectEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.slots) > 0 && v <= m.slots[len(m.slots)-1].version {
		objstore.Fatalf("versionmap: insert version %d <= current max %d violates gap-free invariant", v, m.slots[len(m.slots)-1].version)
	}
	m.slots = append(m.slots, slot{version: v, entry: entry})
}

// Len returns the number of retained versions.
func (m *ObjectVersionMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}
