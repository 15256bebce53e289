package recovery

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// ErrorRecord is a queued failure.
type ErrorRecord struct {
	ID        string
	Err       error
	Type      string
	Context   map[string]string
	Timestamp time.Time
}

// Outcome is the result of processing an ErrorRecord.
type Outcome uint8

const (
	// OutcomePending is the zero value of unresolved results.
	OutcomePending Outcome = iota
	OutcomeRecovered
	OutcomeUnrecovered
	OutcomeAborted
	OutcomeCleared
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeUnrecovered:
		return "unrecovered"
	case OutcomeAborted:
		return "aborted"
	case OutcomeCleared:
		return "cleared"
	}
	return fmt.Sprintf("Outcome(%d)", o)
}

// Result describes how a record was processed.
type Result struct {
	Record  ErrorRecord
	Outcome Outcome

	// Strategy names the strategy that recovered or aborted.
	Strategy string

	// Attempts counts strategy invocations across all handlers.
	Attempts int

	// Err is nil when recovered. Otherwise it wraps ErrRecoveryExhausted,
	// ErrAbort or ErrCleared.
	Err error
}

// Pending is the future result of a queued record.
type Pending struct {
	record ErrorRecord
	done   chan struct{}
	result Result
}

func newPending(rec ErrorRecord) *Pending {
	return &Pending{record: rec, done: make(chan struct{})}
}

// Record returns the queued record.
func (p *Pending) Record() ErrorRecord { return p.record }

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the result without blocking.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result{Record: p.record}, false
	}
}

// Wait blocks until the result is available or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{Record: p.record}, ctx.Err()
	}
}

// resolve must be called exactly once.
func (p *Pending) resolve(res Result) {
	p.result = res
	close(p.done)
}

func cloneContext(ctx map[string]string) map[string]string {
	if ctx == nil {
		return map[string]string{}
	}
	return maps.Clone(ctx)
}
