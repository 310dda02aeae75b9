package stats

import (
	"context"
	"log/slog"
	"time"
)

// Source is one component whose counters are snapshotted.
type Source struct {
	Name     string
	Counters func() map[string]int64
	// Latency is optional; it is reset after every snapshot.
	Latency *LatencyRecorder
}

// Snapshotter periodically saves the counters of its sources.
type Snapshotter struct {
	store    *Store
	interval time.Duration
	sources  []Source
	log      *slog.Logger
}

// NewSnapshotter creates a snapshotter writing to store every interval.
func NewSnapshotter(store *Store, interval time.Duration, logger *slog.Logger, sources ...Source) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		store:    store,
		interval: interval,
		sources:  sources,
		log:      logger,
	}
}

// Collect takes and saves one snapshot per source.
func (s *Snapshotter) Collect(now time.Time) []*Snapshot {
	snaps := make([]*Snapshot, 0, len(s.sources))
	for _, src := range s.sources {
		snap := &Snapshot{
			Source:   src.Name,
			Taken:    now,
			Counters: src.Counters(),
		}
		if src.Latency != nil {
			p := src.Latency.Take()
			snap.Latency = &p
		}
		if err := s.store.Save(snap); err != nil {
			s.log.Warn("failed to save snapshot", "source", src.Name, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// Run collects until ctx is done, then takes a final snapshot.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Collect(time.Now())
			return
		case now := <-ticker.C:
			s.Collect(now)
		}
	}
}
