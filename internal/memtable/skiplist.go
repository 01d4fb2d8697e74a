package memtable

import (
	"bytes"
	"math/rand"

	"github.com/cityhall/cityhall/internal/entry"
	"github.com/cityhall/cityhall/internal/utils"
)

// MaxLevel bounds the skiplist's tower height.
const MaxLevel = 16

type node struct {
	key       []byte
	value     []byte
	timestamp uint64
	next      []*node
}

// skipList is a sorted, in-memory index keyed on raw byte comparison. It
// has no locking of its own: the owning Memtable serializes access.
type skipList struct {
	head  *node
	level int
	size  int
}

func newSkipList() *skipList {
	return &skipList{
		head:  &node{next: make([]*node, MaxLevel)},
		level: 1,
	}
}

func (sl *skipList) randomLevel() int {
	level := 1
	for rand.Float64() < 0.5 && level < MaxLevel {
		level++
	}
	return level
}

// put inserts or overwrites the entry for key. A later call with the same
// key always replaces the value and timestamp, regardless of timestamp
// ordering — the memtable trusts the caller (the engine) to assign
// monotonic timestamps.
func (sl *skipList) put(key, value []byte, ts uint64) {
	update := make([]*node, MaxLevel)
	curr := sl.head

	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && bytes.Compare(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	curr = curr.next[0]
	if curr != nil && bytes.Equal(curr.key, key) {
		curr.value = utils.CopyBytes(value)
		curr.timestamp = ts
		return
	}

	lvl := sl.randomLevel()
	if lvl > sl.level {
		for i := sl.level; i < lvl; i++ {
			update[i] = sl.head
		}
		sl.level = lvl
	}

	n := &node{
		key:       utils.CopyBytes(key),
		value:     utils.CopyBytes(value),
		timestamp: ts,
		next:      make([]*node, lvl),
	}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	sl.size++
}

func (sl *skipList) get(key []byte) (value []byte, timestamp uint64, ok bool) {
	curr := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && bytes.Compare(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
	}
	curr = curr.next[0]
	if curr != nil && bytes.Equal(curr.key, key) {
		return curr.value, curr.timestamp, true
	}
	return nil, 0, false
}

// iterator walks entries in ascending key order.
type iterator struct {
	curr *node
}

func (sl *skipList) newIterator() *iterator {
	return &iterator{curr: sl.head.next[0]}
}

func (it *iterator) valid() bool { return it.curr != nil }

func (it *iterator) next() { it.curr = it.curr.next[0] }

func (it *iterator) entry() entry.Entry {
	return entry.Entry{
		Key:       it.curr.key,
		Value:     it.curr.value,
		Timestamp: it.curr.timestamp,
		Op:        entry.OpFor(it.curr.value),
	}
}
