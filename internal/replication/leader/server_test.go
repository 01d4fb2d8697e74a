package leader

import (
	"net"
	"testing"
	"time"

	"github.com/cityhall/cityhall/internal/engine"
	"github.com/cityhall/cityhall/internal/replication/protocol"
	"github.com/cityhall/cityhall/internal/wal"
	"github.com/prometheus/client_golang/prometheus"
)

func openTestEngineWithSmallSegments(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{
		DataDir:        t.TempDir(),
		MemtableBudget: 1 << 20,
		WAL:            wal.Options{SegmentSize: 64},
		Registerer:     prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func dialAndHandshake(t *testing.T, addr net.Addr, replicaID string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := protocol.WriteFrame(conn, protocol.Handshake{ReplicaID: replicaID, LastSyncedSegment: 0}); err != nil {
		t.Fatalf("WriteFrame(Handshake): %v", err)
	}
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame(HandshakeAck): %v", err)
	}
	if _, ok := msg.(protocol.HandshakeAck); !ok {
		t.Fatalf("got %#v, want HandshakeAck", msg)
	}
	return conn
}

func TestServerHandshakeThenListAndGetSegment(t *testing.T) {
	eng := openTestEngineWithSmallSegments(t)

	for i := 0; i < 20; i++ {
		if err := eng.Put([]byte{byte(i)}, []byte("0123456789")); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}

	srv, err := NewServer("127.0.0.1:0", eng)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start()
	defer srv.Stop()

	conn := dialAndHandshake(t, srv.Addr(), "replica-1")
	defer conn.Close()

	if err := protocol.WriteFrame(conn, protocol.ListSegments{}); err != nil {
		t.Fatalf("WriteFrame(ListSegments): %v", err)
	}
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame(SegmentList): %v", err)
	}
	sl, ok := msg.(protocol.SegmentList)
	if !ok {
		t.Fatalf("got %#v, want SegmentList", msg)
	}
	if len(sl.Segments) == 0 {
		t.Fatalf("expected at least one closed segment from WAL rotation")
	}

	target := sl.Segments[0]
	if err := protocol.WriteFrame(conn, protocol.GetSegment{SegmentNumber: target}); err != nil {
		t.Fatalf("WriteFrame(GetSegment): %v", err)
	}
	msg, err = protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame(SegmentData): %v", err)
	}
	sd, ok := msg.(protocol.SegmentData)
	if !ok || sd.SegmentNumber != target {
		t.Fatalf("got %#v, want SegmentData for segment %d", msg, target)
	}
	if len(sd.Entries) == 0 {
		t.Fatalf("SegmentData for segment %d has no entries", target)
	}
}

func TestServerRejectsRequestBeforeHandshake(t *testing.T) {
	eng := openTestEngineWithSmallSegments(t)

	srv, err := NewServer("127.0.0.1:0", eng)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start()
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteFrame(conn, protocol.ListSegments{}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, ok := msg.(protocol.Error); !ok {
		t.Fatalf("got %#v, want Error before handshake", msg)
	}
}

func TestServerGetUnknownSegmentNotFound(t *testing.T) {
	eng := openTestEngineWithSmallSegments(t)

	srv, err := NewServer("127.0.0.1:0", eng)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start()
	defer srv.Stop()

	conn := dialAndHandshake(t, srv.Addr(), "replica-2")
	defer conn.Close()

	if err := protocol.WriteFrame(conn, protocol.GetSegment{SegmentNumber: 999}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, ok := msg.(protocol.SegmentNotFound); !ok {
		t.Fatalf("got %#v, want SegmentNotFound", msg)
	}
}

func TestServerStopClosesConnections(t *testing.T) {
	eng := openTestEngineWithSmallSegments(t)

	srv, err := NewServer("127.0.0.1:0", eng)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start()

	conn := dialAndHandshake(t, srv.Addr(), "replica-3")
	defer conn.Close()

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected read error after server Stop")
	}
}
