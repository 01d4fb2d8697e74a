package sstable

import (
	"bytes"
	"container/heap"

	"github.com/cityhall/cityhall/internal/entry"
)

// MergeIterator performs a k-way merge across a set of SSTable iterators,
// ordered by (key ascending, timestamp descending, source id descending) so
// that for duplicate keys the entry from the most recently written table
// wins: ties are broken by the most recent SSTable. Losing
// duplicates are drained and discarded.
type MergeIterator struct {
	h       mergeHeap
	current entry.Entry
	valid   bool
}

type mergeSource struct {
	it       *Iterator
	sourceID int
	hasEntry bool
	entry    entry.Entry
}

type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return h[i].sourceID > h[j].sourceID
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMergeIterator builds a merge over readers, highest-id (newest) table
// first in sourceID ranking. Callers should pass readers in any order;
// sourceID is assigned from each Reader's own ID().
func NewMergeIterator(readers []*Reader) *MergeIterator {
	m := &MergeIterator{}
	for _, r := range readers {
		src := &mergeSource{it: r.NewIterator(), sourceID: r.ID()}
		if src.it.Next() {
			src.hasEntry = true
			src.entry = src.it.Entry()
			m.h = append(m.h, src)
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next distinct key, discarding shadowed duplicates
// from older sources. Returns false when exhausted.
func (m *MergeIterator) Next() bool {
	if len(m.h) == 0 {
		m.valid = false
		return false
	}

	winner := m.h[0]
	m.current = winner.entry
	m.valid = true
	m.advanceSource(winner)

	for len(m.h) > 0 && bytes.Equal(m.h[0].entry.Key, m.current.Key) {
		m.advanceSource(m.h[0])
	}
	return true
}

func (m *MergeIterator) advanceSource(src *mergeSource) {
	heap.Pop(&m.h)
	if src.it.Next() {
		src.entry = src.it.Entry()
		heap.Push(&m.h, src)
	}
}

// Entry returns the current winning entry. Valid only after Next returns true.
func (m *MergeIterator) Entry() entry.Entry { return m.current }
