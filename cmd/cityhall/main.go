// Command cityhall is a thin CLI wrapping pkg/kv, the leader replication
// server, and the replica agent. It exists to give every core component a
// runnable entry point; it is not exercised by package tests.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cityhall/cityhall/internal/dashboard"
	"github.com/cityhall/cityhall/internal/engine"
	"github.com/cityhall/cityhall/internal/replication/leader"
	"github.com/cityhall/cityhall/internal/replication/replica"
	"github.com/cityhall/cityhall/internal/wal"
	"github.com/cityhall/cityhall/pkg/kv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "replica":
		err = runReplica(os.Args[2:])
	case "put":
		err = runPut(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  cityhall server --data-dir=DIR [--listen=ADDR] [--dashboard-port=PORT]
  cityhall replica start --data-dir=DIR --leader=ADDR
  cityhall replica status --data-dir=DIR
  cityhall put --data-dir=DIR KEY VALUE
  cityhall get --data-dir=DIR KEY
  cityhall delete --data-dir=DIR KEY`)
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "data directory")
	listen := fs.String("listen", ":7070", "replication listen address")
	dashboardPort := fs.String("dashboard-port", "", "dashboard listen address, e.g. :8080 (empty disables it)")
	walBufferSize := fs.Int("wal-buffer-size", wal.DefaultBufferSize, "WAL in-memory write buffer, in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}

	reg := prometheus.NewRegistry()
	eng, err := engine.Open(engine.Options{
		DataDir:    *dataDir,
		Registerer: reg,
		WAL:        wal.Options{BufferSize: *walBufferSize},
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	srv, err := leader.NewServer(*listen, eng)
	if err != nil {
		return fmt.Errorf("start replication server: %w", err)
	}
	srv.Start()
	fmt.Printf("cityhall: leader %s listening on %s\n", srv.LeaderID, srv.Addr())

	if *dashboardPort != "" {
		h := dashboard.NewHandler(srv.Registry(), eng.Metrics)
		go func() {
			if err := h.ListenAndServe(*dashboardPort); err != nil {
				fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
			}
		}()
		fmt.Printf("cityhall: dashboard listening on %s\n", *dashboardPort)
	}

	waitForSignal()
	return srv.Stop()
}

func runReplica(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("replica requires a subcommand: start | status")
	}

	switch args[0] {
	case "start":
		fs := flag.NewFlagSet("replica start", flag.ExitOnError)
		dataDir := fs.String("data-dir", "", "replica data directory")
		leaderAddr := fs.String("leader", "", "leader replication address")
		syncInterval := fs.Duration("sync-interval", time.Second, "interval between sync rounds")
		connectTimeout := fs.Duration("connect-timeout", 5*time.Second, "TCP connect timeout")
		readTimeout := fs.Duration("read-timeout", 10*time.Second, "read timeout per request")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *dataDir == "" {
			return fmt.Errorf("--data-dir is required")
		}
		if *leaderAddr == "" {
			return fmt.Errorf("--leader is required")
		}
		return startReplica(*dataDir, *leaderAddr, *syncInterval, *connectTimeout, *readTimeout)
	case "status":
		fs := flag.NewFlagSet("replica status", flag.ExitOnError)
		dataDir := fs.String("data-dir", "", "replica data directory")
		format := fs.String("format", "text", "output format: text | json | compact")
		verbose := fs.Bool("verbose", false, "include health counters")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *dataDir == "" {
			return fmt.Errorf("--data-dir is required")
		}
		return replicaStatus(*dataDir, *format, *verbose)
	default:
		return fmt.Errorf("unknown replica subcommand %q", args[0])
	}
}

func startReplica(dataDir, leaderAddr string, syncInterval, connectTimeout, readTimeout time.Duration) error {
	w, _, err := wal.Open(filepath.Join(dataDir, "wal_segments"), wal.Options{})
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	agent, err := replica.NewAgent(replica.Options{
		LeaderAddr:     leaderAddr,
		StateDir:       dataDir,
		SyncInterval:   syncInterval,
		ConnectTimeout: connectTimeout,
		ReadTimeout:    readTimeout,
	}, w)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	fmt.Printf("cityhall: replica %s syncing from %s\n", agent.ReplicaID(), leaderAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		waitForSignal()
		cancel()
	}()

	return agent.Run(ctx)
}

// replicaStatus reports the persisted replica_state.json for the data
// directory, in one of three formats.
// Staleness/health classification (warning/stale thresholds) needs
// a live Health tracker, which only exists inside a running Agent; a
// standalone `status` invocation against state on disk reports the raw
// persisted counters instead.
func replicaStatus(dataDir, format string, verbose bool) error {
	st, err := replica.LoadOrCreateState(dataDir)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "compact":
		fmt.Printf("%s seg=%d leader_seg=%d synced=%d applied=%d\n",
			st.ReplicaID, st.LastSyncedSegment, st.LeaderCurrentSegment,
			st.TotalSegmentsSynced, st.TotalEntriesApplied)
		return nil
	default:
		fmt.Printf("replica_id: %s\nleader_addr: %s\nlast_synced_segment: %d\nleader_current_segment: %d\n",
			st.ReplicaID, st.LeaderAddr, st.LastSyncedSegment, st.LeaderCurrentSegment)
		if verbose {
			fmt.Printf("last_sync_time: %d\ntotal_segments_synced: %d\ntotal_entries_applied: %d\n",
				st.LastSyncTime, st.TotalSegmentsSynced, st.TotalEntriesApplied)
		}
		return nil
	}
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *dataDir == "" || len(rest) != 2 {
		return fmt.Errorf("usage: cityhall put --data-dir=DIR KEY VALUE")
	}

	db, err := kv.Open(*dataDir, kv.Options{})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Put(rest[0], rest[1])
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *dataDir == "" || len(rest) != 1 {
		return fmt.Errorf("usage: cityhall get --data-dir=DIR KEY")
	}

	db, err := kv.Open(*dataDir, kv.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := db.Get(rest[0])
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if *dataDir == "" || len(rest) != 1 {
		return fmt.Errorf("usage: cityhall delete --data-dir=DIR KEY")
	}

	db, err := kv.Open(*dataDir, kv.Options{})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Delete(rest[0])
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
