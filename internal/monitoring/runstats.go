// Package monitoring holds the process-wide diagnostic logger and
// lightweight counters for calibration runs.
package monitoring

import "sync/atomic"

// RunStats accumulates calibration run counters. The zero value is ready to
// use; counters are safe for concurrent update.
type RunStats struct {
	started    atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	iterations atomic.Int64
}

// RunStarted records the start of a calibration run.
func (s *RunStats) RunStarted() { s.started.Add(1) }

// RunSucceeded records a successful run.
func (s *RunStats) RunSucceeded() { s.succeeded.Add(1) }

// RunFailed records a failed run.
func (s *RunStats) RunFailed() { s.failed.Add(1) }

// AddIterations records consensus iterations consumed by a run.
func (s *RunStats) AddIterations(n int) { s.iterations.Add(int64(n)) }

// Snapshot returns the current counter values.
func (s *RunStats) Snapshot() (started, succeeded, failed, iterations int64) {
	return s.started.Load(), s.succeeded.Load(), s.failed.Load(), s.iterations.Load()
}
