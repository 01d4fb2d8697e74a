// Package kv is the embeddable facade over a CityHall storage engine: a
// small, stable surface for callers that want Put/Get/Delete/Scan without
// reaching into internal/engine directly.
package kv

import (
	"errors"
	"fmt"

	"github.com/cityhall/cityhall/internal/engine"
	"github.com/cityhall/cityhall/internal/metrics"
	"github.com/cityhall/cityhall/internal/wal"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("kv: key not found")
	// ErrClosed is returned when the DB is closed.
	ErrClosed = errors.New("kv: db is closed")
)

// Options configures Open.
type Options struct {
	// MemtableBudget is the memtable byte budget before a flush is triggered.
	MemtableBudget int
	// WALSegmentSize overrides the WAL's segment rotation threshold.
	WALSegmentSize int64
	// Registerer collects this DB's metrics. Defaults to a private registry.
	Registerer prometheus.Registerer
}

// DB is a single-node, embeddable key-value database backed by a
// CityHall LSM engine.
type DB struct {
	eng    *engine.Engine
	closed bool
}

// Open opens or creates a database rooted at path.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: path cannot be empty")
	}

	eng, err := engine.Open(engine.Options{
		DataDir:        path,
		MemtableBudget: opts.MemtableBudget,
		WAL:            wal.Options{SegmentSize: opts.WALSegmentSize},
		Registerer:     opts.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open: %w", err)
	}
	return &DB{eng: eng}, nil
}

// Close closes the database and releases all resources.
func (db *DB) Close() error {
	if db.closed {
		return ErrClosed
	}
	db.closed = true
	return db.eng.Close()
}

// Put stores a key-value pair, replacing any existing value.
func (db *DB) Put(key, value string) error {
	if db.closed {
		return ErrClosed
	}
	if err := db.eng.Put([]byte(key), []byte(value)); err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

// Get retrieves the value for a key, returning ErrNotFound if absent.
func (db *DB) Get(key string) (string, error) {
	if db.closed {
		return "", ErrClosed
	}
	val, found, err := db.eng.Get([]byte(key))
	if err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return "", ErrClosed
		}
		return "", fmt.Errorf("kv: get: %w", err)
	}
	if !found {
		return "", ErrNotFound
	}
	return string(val), nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (db *DB) Delete(key string) error {
	if db.closed {
		return ErrClosed
	}
	if err := db.eng.Delete([]byte(key)); err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// Entry is one key-value pair returned by Scan.
type Entry struct {
	Key   string
	Value string
}

// Scan returns every live key in [start, end) in ascending order. An empty
// start or end leaves that bound open.
func (db *DB) Scan(start, end string) ([]Entry, error) {
	if db.closed {
		return nil, ErrClosed
	}
	var startB, endB []byte
	if start != "" {
		startB = []byte(start)
	}
	if end != "" {
		endB = []byte(end)
	}
	entries, err := db.eng.Scan(startB, endB)
	if err != nil {
		return nil, fmt.Errorf("kv: scan: %w", err)
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Key: string(e.Key), Value: string(e.Value)}
	}
	return out, nil
}

// Metrics exposes the underlying engine's metrics collection.
func (db *DB) Metrics() *metrics.Engine {
	return db.eng.Metrics
}

// Engine returns the underlying storage engine for callers that need the
// full surface (e.g. wiring a replication server to the same WAL).
func (db *DB) Engine() *engine.Engine {
	return db.eng
}
