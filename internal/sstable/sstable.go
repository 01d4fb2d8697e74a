// Package sstable implements the immutable, sorted, on-disk file format
// described here: a sequence of size-bounded data blocks, a bloom
// filter, a sparse block index, and a fixed footer.
package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cityhall/cityhall/internal/entry"
	"github.com/cityhall/cityhall/internal/utils"
)

// ErrOutOfOrder is returned by Writer.Add when a key does not sort strictly
// after the previously added key. The engine treats this as a fatal
// programming error (the caller must feed already-sorted entries).
var ErrOutOfOrder = errors.New("sstable: keys must be added in strictly increasing order")

// FileName builds the on-disk name for SSTable id ("%06d.sst"), matching
// the WAL's own 6-digit zero-padded segment naming.
func FileName(id int) string {
	return fmt.Sprintf("%06d.sst", id)
}

// ParseID extracts the numeric id from an SSTable file name.
func ParseID(name string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(name), ".sst")
	return strconv.Atoi(base)
}

// ListIDs returns every SSTable id found in dir, ascending.
func ListIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".sst") {
			continue
		}
		id, err := ParseID(de.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Writer builds a single SSTable file from a strictly-increasing stream of
// entries. One key appears at most once per table (the caller, typically a
// flush or compaction, is responsible for deduplication).
type Writer struct {
	f        *os.File
	path     string
	builder  *blockBuilder
	index    *blockIndex
	bloom    *BloomFilter
	lastKey  []byte
	hasLast  bool
	written  int64
	entries  int64
	pending  []byte // firstKey of the block currently being built
}

// NewWriter creates path and prepares a Writer. expectedEntries sizes the
// bloom filter (default false-positive rate 1%).
func NewWriter(path string, expectedEntries uint) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if expectedEntries == 0 {
		expectedEntries = 1
	}
	return &Writer{
		f:       f,
		path:    path,
		builder: newBlockBuilder(),
		index:   &blockIndex{},
		bloom:   NewBloomFilter(expectedEntries, 0.01),
	}, nil
}

// Add appends the next (key, value, timestamp) record. Keys must be
// strictly increasing across the lifetime of the Writer.
func (w *Writer) Add(key, value []byte, ts uint64) error {
	if w.hasLast && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, key, w.lastKey)
	}
	w.lastKey = utils.CopyBytes(key)
	w.hasLast = true

	if w.builder.empty() {
		w.pending = utils.CopyBytes(key)
	}
	w.builder.add(key, value, ts)
	w.bloom.Add(key)
	w.entries++

	if w.builder.size() >= DefaultBlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.builder.empty() {
		return nil
	}
	data := w.builder.bytes()
	n, err := w.f.Write(data)
	if err != nil {
		return err
	}
	w.index.add(w.pending, w.written, int64(n))
	w.written += int64(n)
	w.builder.reset()
	w.pending = nil
	return nil
}

// Finish flushes any pending block, writes the bloom filter, index, and
// footer, fsyncs, and closes the file.
func (w *Writer) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	bloomOffset := w.written
	var bloomBuf bytes.Buffer
	if _, err := w.bloom.WriteTo(&bloomBuf); err != nil {
		return err
	}
	if _, err := w.f.Write(bloomBuf.Bytes()); err != nil {
		return err
	}
	bloomSize := int64(bloomBuf.Len())
	w.written += bloomSize

	indexOffset := w.written
	indexBytes := w.index.serialize()
	if _, err := w.f.Write(indexBytes); err != nil {
		return err
	}
	indexSize := int64(len(indexBytes))
	w.written += indexSize

	ft := footer{
		bloomOffset: bloomOffset,
		bloomSize:   bloomSize,
		indexOffset: indexOffset,
		indexSize:   indexSize,
		entryCount:  w.entries,
		magic:       MagicNumber,
	}
	if _, err := w.f.Write(ft.serialize()); err != nil {
		return err
	}

	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// Abort discards a partially-written table, closing and removing the file.
func (w *Writer) Abort() error {
	_ = w.f.Close()
	return os.Remove(w.path)
}

// GetResult reports the outcome of a point lookup, distinguishing a bloom
// true-negative from a found/not-found/deleted entry (bloom
// hit/miss/false-positive counters).
type GetResult struct {
	Value        []byte
	Timestamp    uint64
	Found        bool
	BloomNegative bool
}

// Reader provides point lookups and range scans over a closed SSTable file.
type Reader struct {
	path  string
	id    int
	f     *os.File
	bloom *BloomFilter
	index *blockIndex
	size  int64
}

// OpenReader opens an existing SSTable file for reads.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	tail := footerSize
	if int64(tail) > info.Size() {
		f.Close()
		return nil, ErrCorruptFooter
	}
	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, info.Size()-int64(footerSize)); err != nil {
		f.Close()
		return nil, err
	}
	ft, err := deserializeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf := make([]byte, ft.bloomSize)
	if _, err := f.ReadAt(bloomBuf, ft.bloomOffset); err != nil {
		f.Close()
		return nil, err
	}
	bf, err := ReadBloomFilter(bytes.NewReader(bloomBuf))
	if err != nil {
		f.Close()
		return nil, err
	}

	indexBuf := make([]byte, ft.indexSize)
	if _, err := f.ReadAt(indexBuf, ft.indexOffset); err != nil {
		f.Close()
		return nil, err
	}
	idx, err := deserializeIndex(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	id, _ := ParseID(filepath.Base(path))

	return &Reader{path: path, id: id, f: f, bloom: bf, index: idx, size: info.Size()}, nil
}

// Path returns the file path backing r.
func (r *Reader) Path() string { return r.path }

// ID returns the numeric id parsed from the file name.
func (r *Reader) ID() int { return r.id }

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) readBlock(e indexEntry) ([]entry.Entry, error) {
	buf := make([]byte, e.length)
	if _, err := r.f.ReadAt(buf, e.offset); err != nil {
		return nil, err
	}
	return decodeBlock(buf)
}

// Get performs a point lookup. BloomNegative is set when the bloom filter
// definitively ruled the key absent, without touching disk.
func (r *Reader) Get(key []byte) (GetResult, error) {
	if !r.bloom.MayContain(key) {
		return GetResult{BloomNegative: true}, nil
	}

	bi := r.index.findBlock(key)
	if bi < 0 {
		return GetResult{}, nil
	}
	entries, err := r.readBlock(r.index.entries[bi])
	if err != nil {
		return GetResult{}, err
	}
	for _, e := range entries {
		if bytes.Equal(e.Key, key) {
			return GetResult{Value: e.Value, Timestamp: e.Timestamp, Found: true}, nil
		}
	}
	return GetResult{}, nil
}

// Scan returns every entry with start <= key < end. A nil start/end means
// unbounded on that side.
func (r *Reader) Scan(start, end []byte) ([]entry.Entry, error) {
	startIdx := 0
	if start != nil {
		if bi := r.index.findBlock(start); bi >= 0 {
			startIdx = bi
		}
	}

	var out []entry.Entry
	for bi := startIdx; bi < len(r.index.entries); bi++ {
		entries, err := r.readBlock(r.index.entries[bi])
		if err != nil {
			return nil, err
		}
		done := false
		for _, e := range entries {
			if start != nil && bytes.Compare(e.Key, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(e.Key, end) >= 0 {
				done = true
				break
			}
			out = append(out, e)
		}
		if done {
			break
		}
	}
	return out, nil
}

// NewIterator returns a lazy, block-by-block iterator over the whole table,
// used by the compaction merge path.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// Iterator walks an SSTable's entries in key order, one block at a time.
type Iterator struct {
	r        *Reader
	blockIdx int
	block    []entry.Entry
	pos      int
	err      error
}

// Next advances the iterator and reports whether a new entry is available.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.pos < len(it.block) {
			it.pos++
			return true
		}
		it.blockIdx++
		if it.blockIdx >= len(it.r.index.entries) {
			return false
		}
		entries, err := it.r.readBlock(it.r.index.entries[it.blockIdx])
		if err != nil {
			it.err = err
			return false
		}
		it.block = entries
		it.pos = 0
	}
}

// Entry returns the entry at the iterator's current position. Valid only
// after a Next call that returned true.
func (it *Iterator) Entry() entry.Entry {
	return it.block[it.pos-1]
}

// Err returns any error encountered while advancing.
func (it *Iterator) Err() error { return it.err }
