package leader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cityhall/cityhall/internal/engine"
	"github.com/cityhall/cityhall/internal/replication/protocol"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrHandshakeRequired is logged (not sent over the wire as a distinct
// tag) when a replica sends any request before its Handshake.
var ErrHandshakeRequired = errors.New("leader: handshake must precede any other request")

const offlineSweepInterval = 5 * time.Second

// Server is the TCP replication endpoint a leader node runs so replicas
// can discover and pull closed WAL segments.
type Server struct {
	LeaderID string

	engine   *engine.Engine
	registry *Registry

	ln     net.Listener
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer creates a replication server bound to addr. The engine's
// replica retention floor is wired to the server's Registry so the WAL
// never discards a segment a connected replica hasn't yet pulled.
func NewServer(addr string, eng *engine.Engine) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	registry := NewRegistry(3 * offlineSweepInterval)
	eng.SetReplicaFloor(registry.MinReplicaSegment)

	s := &Server{
		LeaderID: uuid.NewString(),
		engine:   eng,
		registry: registry,
		ln:       ln,
		g:        g,
		ctx:      ctx,
		cancel:   cancel,
	}
	return s, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Registry exposes the replica registry for dashboard reporting.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start launches the accept loop and the offline-sweep loop in the
// server's errgroup. It returns immediately; call Wait to block until
// the server stops.
func (s *Server) Start() {
	s.g.Go(func() error {
		return s.acceptLoop()
	})
	s.g.Go(func() error {
		return s.sweepLoop()
	})
}

// Wait blocks until the server's goroutines exit, returning the first
// non-nil, non-cancellation error encountered.
func (s *Server) Wait() error {
	err := s.g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stop closes the listener, cancels outstanding connection handlers, and
// waits for them to return.
func (s *Server) Stop() error {
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleConn(conn); err != nil {
				log.Printf("leader: connection %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) sweepLoop() error {
	ticker := time.NewTicker(offlineSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.registry.SweepOffline()
		}
	}
}

// handleConn enforces that a Handshake is the first message on the
// connection, then dispatches every subsequent request from the same
// replica until the connection closes or the server shuts down.
func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	handshakeComplete := false
	var replicaID string

	for {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			return err
		}

		if !handshakeComplete {
			hs, ok := msg.(protocol.Handshake)
			if !ok {
				protocol.WriteFrame(conn, protocol.Error{Message: ErrHandshakeRequired.Error()})
				return ErrHandshakeRequired
			}
			replicaID = hs.ReplicaID
			s.registry.Register(replicaID, hs.LastSyncedSegment)
			s.registry.SetRemoteAddr(replicaID, conn.RemoteAddr().String())
			handshakeComplete = true

			ack := protocol.HandshakeAck{
				LeaderID:       s.LeaderID,
				CurrentSegment: s.engine.WAL().CurrentSegmentNumber(),
			}
			if err := protocol.WriteFrame(conn, ack); err != nil {
				return err
			}
			continue
		}

		if err := s.dispatch(conn, replicaID, msg); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(conn net.Conn, replicaID string, msg interface{}) error {
	switch m := msg.(type) {
	case protocol.ListSegments:
		closed, err := s.engine.WAL().ListClosedSegments()
		if err != nil {
			return protocol.WriteFrame(conn, protocol.Error{Message: err.Error()})
		}
		// A replica listing the inventory hasn't requested any segment yet:
		// only refresh liveness, never the requested-segment floor (see
		// ReplicaInfo.LastSyncedSegment doc).
		s.registry.Heartbeat(replicaID, Idle)
		return protocol.WriteFrame(conn, protocol.SegmentList{
			Segments:       closed,
			CurrentSegment: s.engine.WAL().CurrentSegmentNumber(),
		})
	case protocol.GetSegment:
		s.registry.UpdateProgress(replicaID, m.SegmentNumber, Syncing)
		entries, err := s.engine.WAL().ReadSegment(m.SegmentNumber)
		if err != nil {
			return protocol.WriteFrame(conn, protocol.SegmentNotFound{SegmentNumber: m.SegmentNumber})
		}
		s.registry.UpdateProgress(replicaID, m.SegmentNumber, Idle)
		var sent uint64
		for _, e := range entries {
			sent += uint64(len(e.Key) + len(e.Value))
		}
		s.registry.AddBytesSent(replicaID, sent)
		return protocol.WriteFrame(conn, protocol.SegmentData{SegmentNumber: m.SegmentNumber, Entries: entries})
	default:
		err := fmt.Errorf("leader: unexpected request type %T", msg)
		protocol.WriteFrame(conn, protocol.Error{Message: err.Error()})
		return err
	}
}
