// Package reaper implements the two background reclamation loops: the expiry
// reaper, which removes records past their TTL on a cron schedule, and the
// orphan reaper, which reconciles the object backend against the metadata
// store on a fixed interval.
package reaper

import (
	"sync"
	"time"
)

// Stats accumulates in-process counters for one reaper. Lost on restart.
type Stats struct {
	mu                  sync.Mutex
	totalRuns           int64
	totalDeleted        int64
	totalBytesReclaimed int64
	totalDuration       time.Duration
	lastRun             time.Time
}

// StatsSnapshot is a point-in-time copy of a reaper's counters.
type StatsSnapshot struct {
	TotalRuns           int64         `json:"totalRuns"`
	TotalDeleted        int64         `json:"totalDeleted"`
	TotalBytesReclaimed int64         `json:"totalBytesReclaimed"`
	LastRun             time.Time     `json:"lastRun"`
	AverageDuration     time.Duration `json:"averageDuration"`
}

// recordRun folds one completed run into the counters.
func (s *Stats) recordRun(deleted int64, bytesReclaimed int64, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRuns++
	s.totalDeleted += deleted
	s.totalBytesReclaimed += bytesReclaimed
	s.totalDuration += duration
	s.lastRun = time.Now().UTC()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalRuns:           s.totalRuns,
		TotalDeleted:        s.totalDeleted,
		TotalBytesReclaimed: s.totalBytesReclaimed,
		LastRun:             s.lastRun,
	}
	if s.totalRuns > 0 {
		snap.AverageDuration = s.totalDuration / time.Duration(s.totalRuns)
	}
	return snap
}

// Result summarizes one reaper run.
type Result struct {
	// Deleted is the number of files removed (or, in dry-run mode, that would
	// have been removed).
	Deleted int64 `json:"deleted"`
	// BytesFreed is the total content size of the removed files.
	BytesFreed int64 `json:"bytesFreed"`
	// Errors counts per-item failures. Failures never abort a run.
	Errors int64 `json:"errors"`
	// DryRun reports whether deletions were only simulated.
	DryRun bool `json:"dryRun"`
	// Duration is the wall time the run took.
	Duration time.Duration `json:"duration"`
}
