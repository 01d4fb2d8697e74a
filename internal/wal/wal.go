// Package wal implements CityHall's segmented, durable write-ahead log.
//
// The WAL is shared between the storage engine (sole writer) and the
// leader replication server (reader of closed segments); both sides hold
// a handle to the same *WAL, coordinated by an internal reader-writer
// lock so replica reads never block on, or are blocked by, engine writes
// for longer than a single record.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/cityhall/cityhall/internal/entry"
)

// DefaultSegmentSize is the rotation threshold for a new segment (100 MiB).
const DefaultSegmentSize = 100 << 20

// DefaultBufferSize bounds how many bytes of encoded records accumulate in
// memory before an Append forces a write+fsync on its own.
const DefaultBufferSize = 64 << 10

var (
	// ErrClosed is returned by any operation on a closed WAL.
	ErrClosed = errors.New("wal: closed")
	// ErrNotFound is returned by ReadSegment for the active segment or a
	// segment that was deleted or never existed.
	ErrNotFound = errors.New("wal: segment not found")
	// ErrRegression is returned when a caller tries to mark a segment as
	// flushed that is behind one already marked flushed.
	ErrRegression = errors.New("wal: flushed segment must not regress")
)

// Options configures a WAL.
type Options struct {
	// SegmentSize is the rotation threshold in bytes. Zero uses DefaultSegmentSize.
	SegmentSize int64
	// BufferSize bounds the in-memory write buffer. Zero uses DefaultBufferSize.
	BufferSize int
}

// WAL is the append-only, segmented durability log implemented here.
type WAL struct {
	dir         string
	segmentSize int64
	bufferSize  int

	mu          sync.RWMutex
	current     *os.File
	currentNum  int
	currentSize int64 // logical bytes attributed to the active segment
	buf         []byte
	closed      bool

	flushMu        sync.Mutex
	lastFlushed    int
}

// Open creates dir if needed, replays every segment file found (oldest to
// newest, stopping at the first torn tail), and returns the recovered
// entries alongside a WAL ready to accept further Appends on the newest
// segment.
func Open(dir string, opts Options) (*WAL, []entry.Entry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	segSize := opts.SegmentSize
	if segSize <= 0 {
		segSize = DefaultSegmentSize
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	nums, err := listSegmentNumbers(dir)
	if err != nil {
		return nil, nil, err
	}

	w := &WAL{
		dir:         dir,
		segmentSize: segSize,
		bufferSize:  bufSize,
		buf:         make([]byte, 0, bufSize),
	}

	var recovered []entry.Entry
	if len(nums) == 0 {
		w.currentNum = 1
	} else {
		w.currentNum = nums[len(nums)-1]
		for _, n := range nums {
			entries, truncated, err := replaySegment(segmentPath(dir, n))
			if err != nil {
				return nil, nil, fmt.Errorf("wal: replay segment %d: %w", n, err)
			}
			recovered = append(recovered, entries...)
			if truncated {
				log.Printf("wal: segment %d has a torn tail, stopping replay", n)
				break
			}
		}
	}

	f, err := os.OpenFile(segmentPath(dir, w.currentNum), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	w.current = f
	w.currentSize = st.Size()

	return w, recovered, nil
}

// replaySegment reads every valid record from path in file order. truncated
// is true if a checksum failure or malformed record ended replay early;
// the caller must not replay any higher-numbered segment in that case.
func replaySegment(path string) (entries []entry.Entry, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		e, err := decodeRecord(r)
		if err == io.EOF {
			return entries, false, nil
		}
		if err != nil {
			return entries, true, nil
		}
		entries = append(entries, e)
	}
}

// Append encodes e into the in-memory write buffer, rotating the active
// segment first if it has reached the configured size limit. The record is
// not guaranteed durable until Flush is called; callers wanting a durable
// acknowledgement (every engine PUT) must call Flush immediately after.
func (w *WAL) Append(e entry.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if w.currentSize >= w.segmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	rec, err := encodeRecord(e)
	if err != nil {
		return err
	}

	w.buf = append(w.buf, rec...)
	w.currentSize += int64(len(rec))

	if len(w.buf) >= w.bufferSize {
		return w.flushLocked()
	}
	return nil
}

// Flush writes any buffered records to the segment file and fsyncs it.
// The engine calls this after every Append it wants durable before
// acknowledging a write.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if len(w.buf) > 0 {
		if _, err := w.current.Write(w.buf); err != nil {
			return err
		}
		w.buf = w.buf[:0]
	}
	return w.current.Sync()
}

// rotateLocked closes the active segment (after a final flush) and opens
// current+1 as the new active segment. Must be called with w.mu held.
func (w *WAL) rotateLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.current.Close(); err != nil {
		return err
	}

	next := w.currentNum + 1
	f, err := os.OpenFile(segmentPath(w.dir, next), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.current = f
	w.currentNum = next
	w.currentSize = 0
	return nil
}

// CurrentSegmentNumber returns the active (writable) segment number.
func (w *WAL) CurrentSegmentNumber() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentNum
}

// ListClosedSegments returns segment numbers strictly less than the
// current active segment, ascending.
func (w *WAL) ListClosedSegments() ([]int, error) {
	w.mu.RLock()
	current := w.currentNum
	dir := w.dir
	w.mu.RUnlock()

	nums, err := listSegmentNumbers(dir)
	if err != nil {
		return nil, err
	}

	closed := nums[:0:0]
	for _, n := range nums {
		if n < current {
			closed = append(closed, n)
		}
	}
	return closed, nil
}

// ReadSegment returns every valid entry from closed segment n, in file
// order. It returns ErrNotFound if n is the active segment or the file is
// absent. A corrupted tail within the segment stops the scan and returns
// whatever was read before the corruption, matching WAL recovery policy.
func (w *WAL) ReadSegment(n int) ([]entry.Entry, error) {
	w.mu.RLock()
	current := w.currentNum
	dir := w.dir
	w.mu.RUnlock()

	if n >= current {
		return nil, ErrNotFound
	}
	path := segmentPath(dir, n)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entries, truncated, err := replaySegment(path)
	if err != nil {
		return nil, err
	}
	if truncated {
		log.Printf("wal: segment %d has a torn tail, returning %d entries read before it", n, len(entries))
	}
	return entries, nil
}

// MarkFlushed records that segment n's contents are now durable in some
// SSTable. Segments strictly below the resulting floor become eligible for
// Cleanup, subject to the replica floor; segment n itself is kept.
func (w *WAL) MarkFlushed(n int) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	if n < w.lastFlushed {
		return ErrRegression
	}
	w.lastFlushed = n
	return nil
}

// LastFlushedSegment returns the most recent segment number passed to
// MarkFlushed, or 0 if none yet.
func (w *WAL) LastFlushedSegment() int {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	return w.lastFlushed
}

// Cleanup deletes closed segments strictly below the safe-to-delete floor:
// min(last flushed segment, minReplicaSegment) when hasReplicas is true,
// else just the last flushed segment. It returns the segment numbers it
// deleted.
func (w *WAL) Cleanup(hasReplicas bool, minReplicaSegment int) ([]int, error) {
	floor := w.LastFlushedSegment()
	if hasReplicas && minReplicaSegment < floor {
		floor = minReplicaSegment
	}

	closed, err := w.ListClosedSegments()
	if err != nil {
		return nil, err
	}

	var deleted []int
	for _, n := range closed {
		if n < floor {
			if err := os.Remove(segmentPath(w.dir, n)); err != nil && !os.IsNotExist(err) {
				return deleted, err
			}
			deleted = append(deleted, n)
		}
	}
	return deleted, nil
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.current.Close()
		return err
	}
	return w.current.Close()
}
