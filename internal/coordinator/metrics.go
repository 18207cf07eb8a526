package coordinator

import "sync/atomic"

// Metrics counts coordinator activity. All fields are updated atomically and
// exposed through Snapshot for logging and diagnostics.
type Metrics struct {
	Runs              atomic.Int64 // evaluations started
	Matches           atomic.Int64 // evaluations that matched
	SignalsPersisted  atomic.Int64
	DuplicateSignals  atomic.Int64 // suppressed by the uniqueness constraint
	SkippedBusy       atomic.Int64 // same key still evaluating
	Dropped           atomic.Int64 // queue overflow
	TimeoutErrors     atomic.Int64
	RuntimeErrors     atomic.Int64
	OtherErrors       atomic.Int64
	DecisionsApplied  atomic.Int64
	DecisionsRejected atomic.Int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"runs":               m.Runs.Load(),
		"matches":            m.Matches.Load(),
		"signals_persisted":  m.SignalsPersisted.Load(),
		"duplicate_signals":  m.DuplicateSignals.Load(),
		"skipped_busy":       m.SkippedBusy.Load(),
		"dropped":            m.Dropped.Load(),
		"timeout_errors":     m.TimeoutErrors.Load(),
		"runtime_errors":     m.RuntimeErrors.Load(),
		"other_errors":       m.OtherErrors.Load(),
		"decisions_applied":  m.DecisionsApplied.Load(),
		"decisions_rejected": m.DecisionsRejected.Load(),
	}
}
