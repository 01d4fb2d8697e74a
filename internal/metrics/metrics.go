// Package metrics exposes CityHall's counters, gauges, and latency
// histograms. Counters are backed by sync/atomic for the computed ratios
// the dashboard needs (hit rate, bloom FPR) and mirrored into prometheus
// client_golang collectors for scraping.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counter pairs an atomic u64 (for in-process ratio math) with the
// prometheus.Counter it mirrors into for export.
type counter struct {
	v    uint64
	prom prometheus.Counter
}

func newCounter(name, help string) *counter {
	return &counter{prom: prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
}

func (c *counter) Add(n uint64) {
	atomic.AddUint64(&c.v, n)
	c.prom.Add(float64(n))
}

func (c *counter) Inc() { c.Add(1) }

func (c *counter) Value() uint64 { return atomic.LoadUint64(&c.v) }

// gauge pairs an atomic u64 with its prometheus.Gauge mirror.
type gauge struct {
	v    uint64
	prom prometheus.Gauge
}

func newGauge(name, help string) *gauge {
	return &gauge{prom: prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})}
}

func (g *gauge) Set(n uint64) {
	atomic.StoreUint64(&g.v, n)
	g.prom.Set(float64(n))
}

func (g *gauge) Value() uint64 { return atomic.LoadUint64(&g.v) }

// Engine holds the storage engine's counters, gauges, and histograms.
type Engine struct {
	WritesTotal      *counter
	WriteBytes       *counter
	ReadsTotal       *counter
	ReadHits         *counter
	ReadMisses       *counter
	BloomHits        *counter
	BloomNegatives   *counter
	BloomFalsePos    *counter
	FlushesTotal       *counter
	CompactionsTotal   *counter
	FlushBytesWritten  *counter
	CompactionBytesIn  *counter
	CompactionBytesOut *counter

	MemtableBytes   *gauge
	MemtableEntries *gauge
	SSTableCount    *gauge
	WALBytes        *gauge
	DiskBytes       *gauge

	ReadLatency        *Histogram
	FlushDuration       *Histogram
	CompactionDuration *Histogram
}

// NewEngine builds an Engine metric set and registers its prometheus
// collectors under reg. Pass a fresh prometheus.NewRegistry() per engine
// instance (rather than the global default registry) so multiple embedded
// engines in one process don't collide on metric names.
func NewEngine(reg prometheus.Registerer) *Engine {
	e := &Engine{
		WritesTotal:      newCounter("cityhall_writes_total", "Total PUT/DELETE operations accepted."),
		WriteBytes:       newCounter("cityhall_write_bytes_total", "Total key+value bytes written."),
		ReadsTotal:       newCounter("cityhall_reads_total", "Total GET operations."),
		ReadHits:         newCounter("cityhall_read_hits_total", "GETs that found a value."),
		ReadMisses:       newCounter("cityhall_read_misses_total", "GETs that found nothing."),
		BloomHits:        newCounter("cityhall_bloom_hits_total", "Bloom positives that led to a block read."),
		BloomNegatives:   newCounter("cityhall_bloom_negatives_total", "Bloom negatives that skipped a block read."),
		BloomFalsePos:    newCounter("cityhall_bloom_false_positives_total", "Bloom positives that did not find the key."),
		FlushesTotal:       newCounter("cityhall_flushes_total", "Memtable flushes completed."),
		CompactionsTotal:   newCounter("cityhall_compactions_total", "Compaction runs completed."),
		FlushBytesWritten:  newCounter("cityhall_flush_bytes_written_total", "Bytes written to new SSTables by flushes."),
		CompactionBytesIn:  newCounter("cityhall_compaction_bytes_in_total", "Input SSTable bytes consumed by compactions."),
		CompactionBytesOut: newCounter("cityhall_compaction_bytes_out_total", "Output SSTable bytes produced by compactions."),

		MemtableBytes:   newGauge("cityhall_memtable_bytes", "Active memtable approximate size."),
		MemtableEntries: newGauge("cityhall_memtable_entries", "Active memtable key count."),
		SSTableCount:    newGauge("cityhall_sstable_count", "Number of live SSTable files."),
		WALBytes:        newGauge("cityhall_wal_bytes", "Approximate bytes held in WAL segment files."),
		DiskBytes:       newGauge("cityhall_disk_bytes", "Approximate total bytes used by the data directory."),

		ReadLatency:        NewHistogram(10000),
		FlushDuration:      NewHistogram(10000),
		CompactionDuration: NewHistogram(10000),
	}

	reg.MustRegister(
		e.WritesTotal.prom, e.WriteBytes.prom, e.ReadsTotal.prom, e.ReadHits.prom, e.ReadMisses.prom,
		e.BloomHits.prom, e.BloomNegatives.prom, e.BloomFalsePos.prom,
		e.FlushesTotal.prom, e.CompactionsTotal.prom,
		e.FlushBytesWritten.prom, e.CompactionBytesIn.prom, e.CompactionBytesOut.prom,
		e.MemtableBytes.prom, e.MemtableEntries.prom, e.SSTableCount.prom, e.WALBytes.prom, e.DiskBytes.prom,
	)
	return e
}

// WriteAmplification returns total bytes written to SSTables (by flush and
// by compaction output) per byte of client-visible write, or 0 with no
// writes yet.
func (e *Engine) WriteAmplification() float64 {
	written := float64(e.FlushBytesWritten.Value() + e.CompactionBytesOut.Value())
	client := float64(e.WriteBytes.Value())
	if client == 0 {
		return 0
	}
	return written / client
}

// CompactionSpaceSavings returns the fraction of compaction input bytes
// reclaimed by deduplication, or 0 with no compactions yet.
func (e *Engine) CompactionSpaceSavings() float64 {
	in := float64(e.CompactionBytesIn.Value())
	out := float64(e.CompactionBytesOut.Value())
	if in == 0 {
		return 0
	}
	return (in - out) / in
}

// HitRate returns read hits / (hits + misses), or 0 with no reads yet.
func (e *Engine) HitRate() float64 {
	hits := float64(e.ReadHits.Value())
	misses := float64(e.ReadMisses.Value())
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}

// BloomFalsePositiveRate returns false-positives / (hits + false-positives).
func (e *Engine) BloomFalsePositiveRate() float64 {
	hits := float64(e.BloomHits.Value())
	fp := float64(e.BloomFalsePos.Value())
	if hits+fp == 0 {
		return 0
	}
	return fp / (hits + fp)
}

// Replication holds a replica agent's sync counters, gauges, and
// latency histogram, scoped separately from the storage engine's Engine
// metrics and registered under whichever registerer the caller passes.
type Replication struct {
	SegmentsSynced *counter
	EntriesApplied *counter
	SyncFailures   *counter

	LastSyncedSegment *gauge

	SyncLatency *Histogram
}

// NewReplication builds a Replication metric set and registers its
// prometheus collectors under reg.
func NewReplication(reg prometheus.Registerer) *Replication {
	r := &Replication{
		SegmentsSynced: newCounter("cityhall_replica_segments_synced_total", "Closed segments successfully applied."),
		EntriesApplied: newCounter("cityhall_replica_entries_applied_total", "WAL entries applied from synced segments."),
		SyncFailures:   newCounter("cityhall_replica_sync_failures_total", "Sync rounds that ended in failure."),

		LastSyncedSegment: newGauge("cityhall_replica_last_synced_segment", "Most recently applied segment number."),

		SyncLatency: NewHistogram(10000),
	}

	reg.MustRegister(
		r.SegmentsSynced.prom, r.EntriesApplied.prom, r.SyncFailures.prom, r.LastSyncedSegment.prom,
	)
	return r
}
