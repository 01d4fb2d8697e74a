package engine

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cityhall/cityhall/internal/sstable"
)

// minCompactionFiles is the minimum number of same-tier SSTables that
// triggers a compaction run.
const minCompactionFiles = 4

// sizeTierFactor bounds a compaction group: every file in the group must
// be within this factor of the group's smallest file.
const sizeTierFactor = 1.5

// compactionThrottle limits how often a compaction run may start.
const compactionThrottle = time.Second

type sizedIndex struct {
	idx  int
	size int64
}

// maybeCompactLocked runs size-tiered compaction at most once per
// compactionThrottle, selecting the largest contiguous-by-size group of
// tables within sizeTierFactor of the group's minimum. Must be called with
// e.mu held.
func (e *Engine) maybeCompactLocked() {
	if len(e.sstables) < minCompactionFiles {
		return
	}
	if time.Since(e.lastCompaction) < compactionThrottle {
		return
	}

	sizes := make([]sizedIndex, 0, len(e.sstables))
	for i, r := range e.sstables {
		info, err := os.Stat(r.Path())
		if err != nil {
			continue
		}
		sizes = append(sizes, sizedIndex{idx: i, size: info.Size()})
	}
	if len(sizes) < minCompactionFiles {
		return
	}

	sortBySize(sizes)

	bestStart, bestLen := 0, 1
	for start := 0; start < len(sizes); start++ {
		limit := float64(sizes[start].size) * sizeTierFactor
		end := start
		for end+1 < len(sizes) && float64(sizes[end+1].size) <= limit {
			end++
		}
		if length := end - start + 1; length > bestLen {
			bestLen = length
			bestStart = start
		}
	}
	if bestLen < minCompactionFiles {
		return
	}

	e.lastCompaction = time.Now()
	group := sizes[bestStart : bestStart+bestLen]
	e.runCompactionLocked(group)
}

func sortBySize(s []sizedIndex) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].size < s[j-1].size; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// runCompactionLocked merges the selected group into a single new SSTable
// via a k-way heap merge, installing the result only on full success; a
// failure mid-write leaves the prior readers untouched: a partially
// written merge output is never installed.
func (e *Engine) runCompactionLocked(group []sizedIndex) {
	start := time.Now()

	groupIdx := make(map[int]bool, len(group))
	minIdx := group[0].idx
	readers := make([]*sstable.Reader, 0, len(group))
	for _, g := range group {
		groupIdx[g.idx] = true
		if g.idx < minIdx {
			minIdx = g.idx
		}
		readers = append(readers, e.sstables[g.idx])
	}

	id := e.nextID
	e.nextID++
	outPath := filepath.Join(e.sstDir, sstable.FileName(id))

	// The merge reads through iterators built from the group's existing
	// readers (Reader.NewIterator shares the reader's open file handle); no
	// reader is reopened, and e.mu stays held for the whole merge.
	w, err := sstable.NewWriter(outPath, uint(estimateEntries(readers)))
	if err != nil {
		log.Printf("engine: compaction: open writer: %v", err)
		return
	}

	mi := sstable.NewMergeIterator(readers)
	for mi.Next() {
		en := mi.Entry()
		if err := w.Add(en.Key, en.Value, en.Timestamp); err != nil {
			log.Printf("engine: compaction: write entry: %v", err)
			_ = w.Abort()
			return
		}
	}
	if err := w.Finish(); err != nil {
		log.Printf("engine: compaction: finish: %v", err)
		return
	}

	merged, err := sstable.OpenReader(outPath)
	if err != nil {
		log.Printf("engine: compaction: open merged table: %v", err)
		_ = os.Remove(outPath)
		return
	}

	// Install: collapse the group's slots into one, at the position of
	// its most-recent (lowest index, since the list is newest-first)
	// member, preserving every other reader's relative recency.
	newList := make([]*sstable.Reader, 0, len(e.sstables)-len(group)+1)
	var oldPaths []string
	for i, r := range e.sstables {
		if groupIdx[i] {
			if i == minIdx {
				newList = append(newList, merged)
			}
			oldPaths = append(oldPaths, r.Path())
			r.Close()
			continue
		}
		newList = append(newList, r)
	}
	e.sstables = newList

	for _, p := range oldPaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("engine: compaction: remove old table %s: %v", p, err)
		}
	}

	var bytesIn int64
	for _, g := range group {
		bytesIn += g.size
	}
	var bytesOut int64
	if info, err := os.Stat(outPath); err == nil {
		bytesOut = info.Size()
	}
	e.Metrics.CompactionBytesIn.Add(uint64(bytesIn))
	e.Metrics.CompactionBytesOut.Add(uint64(bytesOut))

	e.Metrics.CompactionsTotal.Inc()
	e.Metrics.SSTableCount.Set(uint64(len(e.sstables)))
	e.Metrics.CompactionDuration.Observe(time.Since(start))
}

func estimateEntries(readers []*sstable.Reader) int {
	// A rough upper bound (sum of inputs) is fine: it only sizes the
	// bloom filter, which degrades gracefully if oversized.
	total := 0
	for _, r := range readers {
		info, err := os.Stat(r.Path())
		if err != nil {
			continue
		}
		// Crude: assume ~64 bytes/entry average to avoid a second full scan.
		total += int(info.Size()/64) + 1
	}
	if total == 0 {
		total = 1
	}
	return total
}
