package app

import (
	"sync/atomic"
	"time"

	"github.com/dshills/keyreplay/internal/input/macro"
)

// Metrics tracks recording and playback activity.
type Metrics struct {
	recordings      atomic.Uint64
	recordedActions atomic.Uint64

	playbacks    atomic.Uint64
	completed    atomic.Uint64
	stopped      atomic.Uint64
	aborted      atomic.Uint64
	executed     atomic.Uint64
	failures     atomic.Uint64
	gateTimeouts atomic.Uint64
	playTotalNs  atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRecording counts a finished recording.
func (m *Metrics) RecordRecording(seq *macro.Sequence) {
	m.recordings.Add(1)
	m.recordedActions.Add(uint64(seq.Len()))
}

// RecordCompletion counts a finished playback.
func (m *Metrics) RecordCompletion(c macro.Completion) {
	m.playbacks.Add(1)
	switch c.Reason {
	case macro.ReasonCompleted:
		m.completed.Add(1)
	case macro.ReasonStopped:
		m.stopped.Add(1)
	case macro.ReasonAborted:
		m.aborted.Add(1)
	}
	m.executed.Add(uint64(c.Executed))
	m.failures.Add(uint64(c.Failures))
	m.gateTimeouts.Add(uint64(c.GateTimeouts))
	m.playTotalNs.Add(c.Elapsed.Nanoseconds())
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Recordings      uint64
	RecordedActions uint64

	Playbacks    uint64
	Completed    uint64
	Stopped      uint64
	Aborted      uint64
	Executed     uint64
	Failures     uint64
	GateTimeouts uint64
	PlayTime     time.Duration

	Uptime time.Duration
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Recordings:      m.recordings.Load(),
		RecordedActions: m.recordedActions.Load(),
		Playbacks:       m.playbacks.Load(),
		Completed:       m.completed.Load(),
		Stopped:         m.stopped.Load(),
		Aborted:         m.aborted.Load(),
		Executed:        m.executed.Load(),
		Failures:        m.failures.Load(),
		GateTimeouts:    m.gateTimeouts.Load(),
		PlayTime:        time.Duration(m.playTotalNs.Load()),
		Uptime:          time.Since(m.startTime),
	}
}

// FailureRate returns failures per executed action.
func (s MetricsSnapshot) FailureRate() float64 {
	if s.Executed == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Executed)
}
