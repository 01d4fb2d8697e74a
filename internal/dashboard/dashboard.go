// Package dashboard serves a minimal read-only JSON view of a leader's
// replica registry and metrics, reachable from `cmd/cityhall server
// --dashboard-port`. It has no bearing on core correctness.
package dashboard

import (
	"encoding/json"
	"net/http"

	"github.com/cityhall/cityhall/internal/metrics"
	"github.com/cityhall/cityhall/internal/replication/leader"
)

// Snapshot is the dashboard's JSON response shape.
type Snapshot struct {
	Replicas []leader.ReplicaInfo `json:"replicas"`
	Engine   EngineSnapshot       `json:"engine"`
}

// EngineSnapshot is the subset of engine metrics worth surfacing read-only.
type EngineSnapshot struct {
	WritesTotal             uint64  `json:"writes_total"`
	ReadsTotal              uint64  `json:"reads_total"`
	HitRate                 float64 `json:"hit_rate"`
	BloomFalsePositiveRate  float64 `json:"bloom_false_positive_rate"`
	FlushesTotal            uint64  `json:"flushes_total"`
	CompactionsTotal        uint64  `json:"compactions_total"`
	WriteAmplification      float64 `json:"write_amplification"`
	CompactionSpaceSavings  float64 `json:"compaction_space_savings"`
	MemtableBytes           uint64  `json:"memtable_bytes"`
	SSTableCount            uint64  `json:"sstable_count"`
	WALBytes                uint64  `json:"wal_bytes"`
	DiskBytes               uint64  `json:"disk_bytes"`
}

// Handler serves GET /status with a Snapshot of registry and metrics state.
type Handler struct {
	registry *leader.Registry
	eng      *metrics.Engine
}

// NewHandler builds a dashboard Handler over registry and eng. Either may
// be nil; the corresponding section of the snapshot is then left empty.
func NewHandler(registry *leader.Registry, eng *metrics.Engine) *Handler {
	return &Handler{registry: registry, eng: eng}
}

// Mux returns an http.ServeMux with the dashboard's routes registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.handleStatus)
	return mux
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := Snapshot{}
	if h.registry != nil {
		snap.Replicas = h.registry.Snapshot()
	}
	if h.eng != nil {
		snap.Engine = EngineSnapshot{
			WritesTotal:            h.eng.WritesTotal.Value(),
			ReadsTotal:             h.eng.ReadsTotal.Value(),
			HitRate:                h.eng.HitRate(),
			BloomFalsePositiveRate: h.eng.BloomFalsePositiveRate(),
			FlushesTotal:           h.eng.FlushesTotal.Value(),
			CompactionsTotal:       h.eng.CompactionsTotal.Value(),
			WriteAmplification:     h.eng.WriteAmplification(),
			CompactionSpaceSavings: h.eng.CompactionSpaceSavings(),
			MemtableBytes:          h.eng.MemtableBytes.Value(),
			SSTableCount:           h.eng.SSTableCount.Value(),
			WALBytes:               h.eng.WALBytes.Value(),
			DiskBytes:              h.eng.DiskBytes.Value(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// ListenAndServe starts the dashboard HTTP server on addr. It blocks
// until the server stops or errors.
func (h *Handler) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, h.Mux())
}
