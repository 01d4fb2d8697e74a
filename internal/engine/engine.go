// Package engine implements the LSM storage engine: a memtable-backed
// write path over a durable WAL, a background flush pipeline, and a
// reverse-chronological SSTable read path with bloom-filtered lookups.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cityhall/cityhall/internal/entry"
	"github.com/cityhall/cityhall/internal/memtable"
	"github.com/cityhall/cityhall/internal/metrics"
	"github.com/cityhall/cityhall/internal/sstable"
	"github.com/cityhall/cityhall/internal/wal"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by any operation on a closed Engine.
var ErrClosed = errors.New("engine: closed")

// flushBackoffWindow bounds how long PUT waits for a prior flush to clear
// the immutable slot before falling back to a synchronous flush.
const flushBackoffWindow = 100 * time.Millisecond
const flushPollInterval = time.Millisecond

// Options configures an Engine.
type Options struct {
	DataDir        string
	MemtableBudget int
	WAL            wal.Options
	Registerer     prometheus.Registerer
}

// flushJob describes one immutable-memtable-to-SSTable conversion. run is
// guarded by sync.Once so that the background worker and a caller's
// synchronous back-pressure fallback can both hold a reference to the
// same job without writing the target file twice.
type flushJob struct {
	mt      *memtable.Memtable
	path    string
	id      int
	segment int

	once     sync.Once
	err      error
	duration time.Duration
}

func (j *flushJob) run() error {
	j.once.Do(func() {
		start := time.Now()
		j.err = flushMemtableToFile(j.mt, j.path)
		j.duration = time.Since(start)
	})
	return j.err
}

// Engine is the single-writer, multi-reader LSM storage engine. All
// mutation of active/immutable/sstables happens under mu; callers of
// Put/Get/Scan are external to the engine and need not serialize among
// themselves beyond what mu already enforces internally.
type Engine struct {
	mu sync.Mutex

	dataDir string
	sstDir  string

	wal       *wal.WAL
	active    *memtable.Memtable
	immutable *memtable.Memtable
	// sstables is newest-first: a flushed table is prepended at index 0,
	// and a compaction output takes the slot of its newest input.
	sstables []*sstable.Reader

	nextID int
	budget int

	pendingJob *flushJob

	flushCh      chan *flushJob
	flushResults chan *flushJob

	replicaFloor func() (hasReplicas bool, minSegment int)

	lastCompaction time.Time

	Metrics *metrics.Engine

	g      *errgroup.Group
	cancel context.CancelFunc
	closed bool
}

// Open creates the data directory if needed, replays the WAL into a fresh
// memtable, opens every existing SSTable (ascending id), and starts the
// background flush worker.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("engine: DataDir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}

	walDir := filepath.Join(opts.DataDir, "wal_segments")
	w, recovered, err := wal.Open(walDir, opts.WAL)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	mt := memtable.New(opts.MemtableBudget)
	for _, e := range recovered {
		mt.Insert(e.Key, e.Value, e.Timestamp)
	}

	ids, err := sstable.ListIDs(opts.DataDir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("engine: list sstables: %w", err)
	}

	var readers []*sstable.Reader
	nextID := 1
	for _, id := range ids {
		path := filepath.Join(opts.DataDir, sstable.FileName(id))
		r, err := sstable.OpenReader(path)
		if err != nil {
			log.Printf("engine: skipping corrupt sstable %s: %v", path, err)
			continue
		}
		readers = append(readers, r)
		if id+1 > nextID {
			nextID = id + 1
		}
	}
	// readers were opened ascending by id; reverse in place for newest-first GET order.
	for i, j := 0, len(readers)-1; i < j; i, j = i+1, j-1 {
		readers[i], readers[j] = readers[j], readers[i]
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	e := &Engine{
		dataDir:      opts.DataDir,
		sstDir:       opts.DataDir,
		wal:          w,
		active:       mt,
		sstables:     readers,
		nextID:       nextID,
		budget:       opts.MemtableBudget,
		flushCh:      make(chan *flushJob, 1),
		flushResults: make(chan *flushJob, 1),
		Metrics:      metrics.NewEngine(reg),
		g:            g,
		cancel:       cancel,
	}

	e.Metrics.SSTableCount.Set(uint64(len(e.sstables)))
	e.updateDiskMetricsLocked()

	g.Go(func() error {
		return e.runFlushWorker(ctx)
	})

	return e, nil
}

// SetReplicaFloor installs the callback the engine consults for WAL
// cleanup's replica retention floor. Without one, cleanup
// behaves as if no replicas exist.
func (e *Engine) SetReplicaFloor(f func() (hasReplicas bool, minSegment int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replicaFloor = f
}

// WAL exposes the engine's WAL handle, shared read-only with the leader
// replication server.
func (e *Engine) WAL() *wal.WAL { return e.wal }

// Put assigns the current timestamp, makes the write durable in the WAL,
// then applies it to the active memtable. A nil or empty value is a
// tombstone (DELETE).
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.putLocked(key, value)
}

// Delete is sugar for Put(key, nil).
func (e *Engine) Delete(key []byte) error {
	return e.Put(key, nil)
}

func (e *Engine) putLocked(key, value []byte) error {
	if e.closed {
		return ErrClosed
	}

	e.pollFlushCompletionLocked()

	ts := uint64(time.Now().Unix())
	rec := entry.Entry{Key: key, Value: value, Timestamp: ts, Op: entry.OpFor(value)}

	if err := e.wal.Append(rec); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	if err := e.wal.Flush(); err != nil {
		return fmt.Errorf("engine: wal flush: %w", err)
	}

	e.active.Insert(key, value, ts)
	e.Metrics.WritesTotal.Inc()
	e.Metrics.WriteBytes.Add(uint64(len(key) + len(value)))
	e.Metrics.MemtableBytes.Set(uint64(e.active.SizeBytes()))
	e.Metrics.MemtableEntries.Set(uint64(e.active.Len()))

	if e.active.Full() {
		if err := e.swapToImmutableLocked(); err != nil {
			return err
		}
	}
	return nil
}

// swapToImmutableLocked moves the full active memtable into the immutable
// slot and enqueues it for background flush, waiting briefly for any
// prior flush to clear the slot first.
func (e *Engine) swapToImmutableLocked() error {
	if e.immutable != nil {
		deadline := time.Now().Add(flushBackoffWindow)
		for e.immutable != nil && time.Now().Before(deadline) {
			e.pollFlushCompletionLocked()
			if e.immutable == nil {
				break
			}
			e.mu.Unlock()
			time.Sleep(flushPollInterval)
			e.mu.Lock()
		}
		if e.immutable != nil {
			// The worker hasn't cleared the slot in time: take over the
			// same job ourselves. job.run() is guarded by sync.Once, so if
			// the worker is mid-write (or finishes a moment later) the
			// file is still only written once.
			job := e.pendingJob
			e.mu.Unlock()
			err := job.run()
			e.mu.Lock()
			if err != nil {
				return fmt.Errorf("engine: synchronous flush: %w", err)
			}
			e.completeJobLocked(job)
		}
	}

	id := e.nextID
	e.nextID++
	path := filepath.Join(e.sstDir, sstable.FileName(id))

	job := &flushJob{mt: e.active, path: path, id: id, segment: e.wal.CurrentSegmentNumber()}
	e.immutable = e.active
	e.pendingJob = job
	e.active = memtable.New(e.budget)

	e.flushCh <- job
	return nil
}

// pollFlushCompletionLocked drains at most one pending flush completion
// without blocking, installing the resulting SSTable reader if present.
func (e *Engine) pollFlushCompletionLocked() {
	select {
	case job := <-e.flushResults:
		e.completeJobLocked(job)
	default:
	}
}

// completeJobLocked installs job's output if job is still the engine's
// current pending job. It is safe to call twice for the same job (once
// from a synchronous fallback, once from the worker's completion
// message): the second call is a no-op because pendingJob has already
// moved on.
func (e *Engine) completeJobLocked(job *flushJob) {
	if e.pendingJob != job {
		return
	}
	if job.err != nil {
		log.Printf("engine: flush %s failed: %v", job.path, job.err)
		e.pendingJob = nil
		return
	}
	e.installFlushedTable(job.path, job.segment)
	e.Metrics.FlushDuration.Observe(job.duration)
	e.pendingJob = nil
}

// installFlushedTable opens the reader for a completed flush, prepends it
// to the (newest-first) sstables list, clears the immutable slot, and
// triggers WAL retention.
func (e *Engine) installFlushedTable(path string, flushedThroughSegment int) {
	r, err := sstable.OpenReader(path)
	if err != nil {
		log.Printf("engine: open flushed sstable %s: %v", path, err)
		return
	}
	e.sstables = append([]*sstable.Reader{r}, e.sstables...)
	e.immutable = nil
	e.Metrics.FlushesTotal.Inc()
	e.Metrics.SSTableCount.Set(uint64(len(e.sstables)))
	if info, err := os.Stat(path); err == nil {
		e.Metrics.FlushBytesWritten.Add(uint64(info.Size()))
	}

	if err := e.wal.MarkFlushed(flushedThroughSegment); err != nil {
		log.Printf("engine: mark flushed %d: %v", flushedThroughSegment, err)
	}
	hasReplicas, minSeg := false, 0
	if e.replicaFloor != nil {
		hasReplicas, minSeg = e.replicaFloor()
	}
	if _, err := e.wal.Cleanup(hasReplicas, minSeg); err != nil {
		log.Printf("engine: wal cleanup: %v", err)
	}

	e.maybeCompactLocked()
	e.updateDiskMetricsLocked()
}

// updateDiskMetricsLocked recomputes the WAL-bytes and total-disk-bytes
// gauges by walking the data directory. Called after every flush and
// compaction, which are the only events that change on-disk footprint by
// more than a single WAL record.
func (e *Engine) updateDiskMetricsLocked() {
	walBytes, err := dirSize(filepath.Join(e.dataDir, "wal_segments"))
	if err != nil {
		log.Printf("engine: wal size: %v", err)
	} else {
		e.Metrics.WALBytes.Set(uint64(walBytes))
	}

	total, err := dirSize(e.dataDir)
	if err != nil {
		log.Printf("engine: disk usage: %v", err)
		return
	}
	e.Metrics.DiskBytes.Set(uint64(total))
}

// dirSize sums the size of every regular file under dir, recursively.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

func flushMemtableToFile(mt *memtable.Memtable, path string) error {
	entries := mt.EntriesSorted()
	w, err := sstable.NewWriter(path, uint(len(entries)))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Add(e.Key, e.Value, e.Timestamp); err != nil {
			_ = w.Abort()
			return err
		}
	}
	return w.Finish()
}

// runFlushWorker is the single background flush consumer: a dedicated
// goroutine reads flush jobs off a channel and runs them serially.
func (e *Engine) runFlushWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-e.flushCh:
			job.run()
			select {
			case e.flushResults <- job:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Get checks the active memtable, then the immutable memtable, then every
// SSTable, resolving by highest timestamp (ties broken by the higher file
// id) rather than by list/id order: a compaction output keeps its inputs'
// newest timestamp but takes a fresh, larger id, so after a restart id
// order alone no longer implies recency (a non-compacted table can hold a
// newer write under a lower id than a compacted table holding older data).
// Bloom negatives short-circuit per table; every bloom-positive table must
// still be read to find the true newest value.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, ErrClosed
	}

	start := time.Now()
	defer func() { e.Metrics.ReadLatency.Observe(time.Since(start)) }()
	e.Metrics.ReadsTotal.Inc()

	if v, ts, ok := e.active.Get(key); ok {
		return e.finishGet(v, ts)
	}
	if e.immutable != nil {
		if v, ts, ok := e.immutable.Get(key); ok {
			return e.finishGet(v, ts)
		}
	}

	var (
		bestValue []byte
		bestTS    uint64
		bestID    int
		found     bool
	)
	for _, r := range e.sstables {
		res, err := r.Get(key)
		if err != nil {
			log.Printf("engine: read sstable %s: %v", r.Path(), err)
			continue
		}
		if res.BloomNegative {
			e.Metrics.BloomNegatives.Inc()
			continue
		}
		if !res.Found {
			e.Metrics.BloomFalsePos.Inc()
			continue
		}
		e.Metrics.BloomHits.Inc()
		if !found || res.Timestamp > bestTS || (res.Timestamp == bestTS && r.ID() > bestID) {
			bestValue, bestTS, bestID, found = res.Value, res.Timestamp, r.ID(), true
		}
	}
	if found {
		return e.finishGet(bestValue, bestTS)
	}

	e.Metrics.ReadMisses.Inc()
	return nil, false, nil
}

func (e *Engine) finishGet(value []byte, _ uint64) ([]byte, bool, error) {
	if len(value) == 0 {
		e.Metrics.ReadMisses.Inc()
		return nil, false, nil
	}
	e.Metrics.ReadHits.Inc()
	return value, true, nil
}

// Scan collects candidate entries from every source, sorts by key
// ascending then timestamp descending, keeps the newest per key, and
// drops tombstones (a deleted key is absent from a scan, as from a Get).
func (e *Engine) Scan(start, end []byte) ([]entry.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	var all []entry.Entry
	all = append(all, e.active.Scan(start, end)...)
	if e.immutable != nil {
		all = append(all, e.immutable.Scan(start, end)...)
	}
	for _, r := range e.sstables {
		entries, err := r.Scan(start, end)
		if err != nil {
			log.Printf("engine: scan sstable %s: %v", r.Path(), err)
			continue
		}
		all = append(all, entries...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if c := bytes.Compare(all[i].Key, all[j].Key); c != 0 {
			return c < 0
		}
		return all[i].Timestamp > all[j].Timestamp
	})

	var out []entry.Entry
	for i, en := range all {
		if i > 0 && bytes.Equal(en.Key, all[i-1].Key) {
			continue
		}
		if en.IsTombstone() {
			continue
		}
		out = append(out, en)
	}
	return out, nil
}

// Close stops the flush worker, closes every SSTable reader, and closes
// the WAL.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sstables := e.sstables
	e.sstables = nil
	e.mu.Unlock()

	e.cancel()
	_ = e.g.Wait()

	var firstErr error
	for _, r := range sstables {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
