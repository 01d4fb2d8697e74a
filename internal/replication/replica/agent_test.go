package replica

import (
	"context"
	"testing"
	"time"

	"github.com/cityhall/cityhall/internal/engine"
	"github.com/cityhall/cityhall/internal/replication/leader"
	"github.com/cityhall/cityhall/internal/wal"
	"github.com/prometheus/client_golang/prometheus"
)

func TestChooseTargetNextAvailable(t *testing.T) {
	target, ok := chooseTarget(3, []int{1, 2, 3, 4})
	if !ok || target != 3 {
		t.Fatalf("chooseTarget = (%d, %v), want (3, true)", target, ok)
	}
}

func TestChooseTargetSkipsForwardWhenBehind(t *testing.T) {
	target, ok := chooseTarget(1, []int{5, 6, 7})
	if !ok || target != 5 {
		t.Fatalf("chooseTarget = (%d, %v), want (5, true)", target, ok)
	}
}

func TestChooseTargetNoOpWhenAhead(t *testing.T) {
	_, ok := chooseTarget(10, []int{1, 2, 3})
	if ok {
		t.Fatalf("chooseTarget should report no target when next is ahead of the leader's closed set")
	}
}

func TestAgentSyncsSegmentFromLeader(t *testing.T) {
	leaderEng, err := engine.Open(engine.Options{
		DataDir:        t.TempDir(),
		MemtableBudget: 1 << 20,
		WAL:            wal.Options{SegmentSize: 64},
		Registerer:     prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("engine.Open (leader): %v", err)
	}
	defer leaderEng.Close()

	for i := 0; i < 20; i++ {
		if err := leaderEng.Put([]byte{byte(i)}, []byte("0123456789")); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}

	srv, err := leader.NewServer("127.0.0.1:0", leaderEng)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start()
	defer srv.Stop()

	replicaWAL, _, err := wal.Open(t.TempDir(), wal.Options{})
	if err != nil {
		t.Fatalf("wal.Open (replica): %v", err)
	}
	defer replicaWAL.Close()

	agent, err := NewAgent(Options{
		LeaderAddr:   srv.Addr().String(),
		StateDir:     t.TempDir(),
		SyncInterval: 10 * time.Millisecond,
	}, replicaWAL)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5 && agent.LastSyncedSegment() == 0; i++ {
		agent.tick(ctx)
	}

	if agent.LastSyncedSegment() == 0 {
		t.Fatalf("agent never advanced past segment 0")
	}
	if agent.Health().State() != Healthy {
		t.Fatalf("agent health = %v, want Healthy", agent.Health().State())
	}
}

func TestAgentBackoffAndHealthOnUnreachableLeader(t *testing.T) {
	replicaWAL, _, err := wal.Open(t.TempDir(), wal.Options{})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	defer replicaWAL.Close()

	agent, err := NewAgent(Options{
		LeaderAddr:     "127.0.0.1:1",
		StateDir:       t.TempDir(),
		SyncInterval:   time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
	}, replicaWAL)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < maxConsecutiveFailures; i++ {
		agent.tick(ctx)
	}

	if agent.Health().State() != Unhealthy {
		t.Fatalf("health = %v, want Unhealthy after %d failures", agent.Health().State(), maxConsecutiveFailures)
	}
	if agent.State() != ConnUnhealthy {
		t.Fatalf("connState = %v, want Unhealthy", agent.State())
	}
}
