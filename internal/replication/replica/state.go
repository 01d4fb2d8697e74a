package replica

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// PersistedState is the durable record of a replica agent's identity and
// progress, written to replica_state.json.
type PersistedState struct {
	ReplicaID            string `json:"replica_id"`
	LeaderAddr           string `json:"leader_addr"`
	LastSyncedSegment    int    `json:"last_synced_segment"`
	LeaderCurrentSegment int    `json:"leader_current_segment"`
	LastSyncTime         int64  `json:"last_sync_time"`
	TotalSegmentsSynced  uint64 `json:"total_segments_synced"`
	TotalEntriesApplied  uint64 `json:"total_entries_applied"`
}

const stateFileName = "replica_state.json"

// LoadOrCreateState reads dir/replica_state.json, or creates a fresh
// state with a newly generated replica_id if the file is absent.
func LoadOrCreateState(dir string) (*PersistedState, error) {
	path := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		st := &PersistedState{ReplicaID: uuid.NewString(), LastSyncedSegment: 0}
		if err := SaveState(dir, st); err != nil {
			return nil, err
		}
		return st, nil
	}

	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("replica: corrupt state file %s: %w", path, err)
	}
	return &st, nil
}

// SaveState writes st to dir/replica_state.json atomically: the new
// content is written to a .tmp sibling, fsynced, then renamed over the
// destination so a crash never observes a half-written file.
func SaveState(dir string, st *PersistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, stateFileName)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
