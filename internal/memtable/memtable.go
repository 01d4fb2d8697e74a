// Package memtable implements the in-memory sorted write buffer described
// in sorted order by key. A Memtable holds no WAL handle of its own: durability is
// the engine's concern (it appends to the WAL before calling Insert).
package memtable

import (
	"bytes"
	"sync"

	"github.com/cityhall/cityhall/internal/entry"
)

// DefaultBudget is the default size, in estimated bytes, at which a
// Memtable reports itself Full.
const DefaultBudget = 4 << 20

// sizeOverhead approximates the per-entry bookkeeping cost (skip-list node
// "accumulates size by key+value+16 approximation").
const sizeOverhead = 16

// Memtable is a sorted map from key to (value, timestamp), with an
// accumulated-size budget signal used by the engine to trigger a flush.
type Memtable struct {
	mu     sync.RWMutex
	sl     *skipList
	budget int
	size   int64
}

// New creates an empty Memtable with the given byte budget. A budget <= 0
// uses DefaultBudget.
func New(budget int) *Memtable {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Memtable{sl: newSkipList(), budget: budget}
}

// Insert overwrites any prior entry for key with value/timestamp. An empty
// value is a tombstone, carried through like any other entry.
func (mt *Memtable) Insert(key, value []byte, timestamp uint64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.sl.put(key, value, timestamp)

	// Overwrites are charged as if new: we don't track per-node prior size.
	// This only ever overestimates, which can trigger a flush earlier than
	// strictly necessary but never later.
	mt.size += int64(len(key) + len(value) + sizeOverhead)
}

// Get returns the value and timestamp for key, if present. A tombstone
// (empty value) is returned as ok=true with a zero-length value; callers
// distinguish "not found" from "deleted" by checking len(value) == 0.
func (mt *Memtable) Get(key []byte) (value []byte, timestamp uint64, ok bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.get(key)
}

// Scan returns every entry with start <= key < end, in ascending key order.
// An empty range (start == end, or start > end) returns no entries.
func (mt *Memtable) Scan(start, end []byte) []entry.Entry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var out []entry.Entry
	it := mt.sl.newIterator()
	for it.valid() {
		e := it.entry()
		if start != nil && bytes.Compare(e.Key, start) < 0 {
			it.next()
			continue
		}
		if end != nil && bytes.Compare(e.Key, end) >= 0 {
			break
		}
		out = append(out, e)
		it.next()
	}
	return out
}

// EntriesSorted returns every entry currently held, in ascending key order.
// Used by the flush pipeline to build an SSTable.
func (mt *Memtable) EntriesSorted() []entry.Entry {
	return mt.Scan(nil, nil)
}

// SizeBytes returns the accumulated, approximate byte size.
func (mt *Memtable) SizeBytes() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// Len returns the number of distinct keys held.
func (mt *Memtable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sl.size
}

// Full reports whether accumulated size has reached the configured budget.
func (mt *Memtable) Full() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size >= int64(mt.budget)
}
