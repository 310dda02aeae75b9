// Package stats persists periodic snapshots of driver and writer counters in
// BadgerDB, with automatic TTL-based cleanup.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	// DataTTL bounds how long snapshots are kept.
	DataTTL = 7 * 24 * time.Hour

	prefixSnapshot = "snap:"
)

// Store wraps BadgerDB with snapshot operations.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Snapshot is one sample of a source's counters.
type Snapshot struct {
	ID       string           `json:"id"`
	Source   string           `json:"source"`
	Taken    time.Time        `json:"taken"`
	Counters map[string]int64 `json:"counters"`
	Latency  *Percentiles     `json:"latency,omitempty"`
}

// New opens the store in dataDir.
func New(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, ttl: DataTTL}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs value log garbage collection periodically.
func (s *Store) RunGC(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger gc failed", "error", err)
			}
		}
	}
}

func snapshotKey(source string, taken time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixSnapshot, source, taken.UnixNano(), id))
}

// Save stores snap with the store TTL, assigning an ID if it has none.
func (s *Store) Save(snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Taken.IsZero() {
		snap.Taken = time.Now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(snapshotKey(snap.Source, snap.Taken, snap.ID), data).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

// List returns the snapshots of source, oldest first. A positive limit
// keeps only the most recent ones.
func (s *Store) List(source string, limit int) ([]*Snapshot, error) {
	var snaps []*Snapshot

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSnapshot + source + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var snap Snapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				continue
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}
	return snaps, nil
}

// Latest returns the most recent snapshot of source.
func (s *Store) Latest(source string) (*Snapshot, error) {
	snaps, err := s.List(source, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshot for %s", source)
	}
	return snaps[0], nil
}
