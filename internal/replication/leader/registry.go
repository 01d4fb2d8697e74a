// Package leader implements the replication server a CityHall leader node
// runs so replicas can pull closed WAL segments.
package leader

import (
	"sync"
	"time"
)

// ReplicaState is a connected replica's lifecycle state as tracked by the registry.
type ReplicaState int

const (
	Connected ReplicaState = iota
	Syncing
	Idle
	Offline
)

func (s ReplicaState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Syncing:
		return "Syncing"
	case Idle:
		return "Idle"
	case Offline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// ReplicaInfo is one registry entry: a replica's last-known progress and
// state. LastSyncedSegment starts at the value the replica reported in its
// Handshake and then tracks the last segment number it actually asked for
// via GetSegment, which is what gates WAL retention — it must
// never be advanced by a mere ListSegments inventory request.
type ReplicaInfo struct {
	ReplicaID         string
	RemoteAddr        string
	State             ReplicaState
	LastSyncedSegment int
	BytesSent         uint64
	LastSeen          time.Time
}

// Registry tracks connected replicas for the WAL retention floor and for
// dashboard reporting. Stale entries are swept to Offline; swept entries
// stay in the registry (Snapshot still reports them) and are never removed.
type Registry struct {
	mu       sync.Mutex
	replicas map[string]*ReplicaInfo
	maxAge   time.Duration
}

// NewRegistry creates a Registry that sweeps entries unseen for longer
// than maxAge to Offline.
func NewRegistry(maxAge time.Duration) *Registry {
	return &Registry{replicas: make(map[string]*ReplicaInfo), maxAge: maxAge}
}

// Register records a handshake from replicaID, creating or refreshing its entry.
func (r *Registry) Register(replicaID string, lastSyncedSegment int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas[replicaID] = &ReplicaInfo{
		ReplicaID:         replicaID,
		State:             Connected,
		LastSyncedSegment: lastSyncedSegment,
		LastSeen:          time.Now(),
	}
}

// UpdateProgress records replicaID's latest requested segment and refreshes LastSeen.
func (r *Registry) UpdateProgress(replicaID string, segment int, state ReplicaState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.entryLocked(replicaID)
	info.LastSyncedSegment = segment
	info.State = state
	info.LastSeen = time.Now()
}

// Heartbeat refreshes replicaID's state and LastSeen without touching its
// requested-segment floor. Used for requests (e.g. ListSegments) that are
// not themselves a GetSegment and must not move the WAL retention floor.
func (r *Registry) Heartbeat(replicaID string, state ReplicaState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.entryLocked(replicaID)
	info.State = state
	info.LastSeen = time.Now()
}

// SetRemoteAddr records the dialed-from address for a replica connection.
func (r *Registry) SetRemoteAddr(replicaID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(replicaID).RemoteAddr = addr
}

// AddBytesSent accumulates bytes served to replicaID (dashboard reporting only).
func (r *Registry) AddBytesSent(replicaID string, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(replicaID).BytesSent += n
}

func (r *Registry) entryLocked(replicaID string) *ReplicaInfo {
	info, ok := r.replicas[replicaID]
	if !ok {
		info = &ReplicaInfo{ReplicaID: replicaID}
		r.replicas[replicaID] = info
	}
	return info
}

// Snapshot returns a copy of every tracked replica, for the dashboard.
func (r *Registry) Snapshot() []ReplicaInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReplicaInfo, 0, len(r.replicas))
	for _, info := range r.replicas {
		out = append(out, *info)
	}
	return out
}

// MinReplicaSegment returns the smallest LastSyncedSegment across replicas
// that are not Offline, and whether any such replica exists.
func (r *Registry) MinReplicaSegment() (hasReplicas bool, minSegment int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.replicas {
		if info.State == Offline {
			continue
		}
		if !hasReplicas || info.LastSyncedSegment < minSegment {
			minSegment = info.LastSyncedSegment
			hasReplicas = true
		}
	}
	return hasReplicas, minSegment
}

// SweepOffline marks any replica unseen for longer than maxAge as Offline.
func (r *Registry) SweepOffline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.maxAge)
	for _, info := range r.replicas {
		if info.State != Offline && info.LastSeen.Before(cutoff) {
			info.State = Offline
		}
	}
}
