package macro

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/keyreplay/internal/capture"
	"github.com/dshills/keyreplay/internal/platform"
)

// DefaultMoveInterval is the minimum spacing between recorded pointer moves.
const DefaultMoveInterval = 50 * time.Millisecond

// RecorderOptions configure a Recorder.
type RecorderOptions struct {
	// Source delivers raw input while recording. Required.
	Source platform.HookSource

	// Clock defaults to time.Now.
	Clock func() time.Time

	// MoveInterval coalesces pointer moves. Zero uses DefaultMoveInterval;
	// a negative value records every move.
	MoveInterval time.Duration

	// SuppressAutoRepeat drops repeated key-downs of held keys.
	SuppressAutoRepeat bool

	// Ignore drops matching events before they become actions, e.g. the
	// hotkey that toggles recording.
	Ignore func(capture.Event) bool

	// Errors receives failures raised on the capture path.
	Errors capture.ErrorReporter

	Logger *slog.Logger
}

// Recorder turns capture events into a Sequence.
type Recorder struct {
	listener *capture.Listener
	clock    func() time.Time
	ignore   func(capture.Event) bool
	logger   *slog.Logger

	mu           sync.Mutex
	recording    bool
	name         string
	started      time.Time
	last         time.Time
	moveInterval time.Duration
	actions      []Action

	// Pointer position of the last recorded action and the newest move
	// dropped by coalescing since then.
	pointer     capture.Event
	havePointer bool
	pending     capture.Event
	havePending bool

	frozen *Sequence
}

// NewRecorder creates a recorder bound to opts.Source.
func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	listener, err := capture.NewListener(capture.Options{
		Source:             opts.Source,
		Clock:              clock,
		SuppressAutoRepeat: opts.SuppressAutoRepeat,
		Errors:             opts.Errors,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		listener: listener,
		clock:    clock,
		ignore:   opts.Ignore,
		logger:   logger.With("component", "recorder"),
	}
	r.setMoveIntervalLocked(opts.MoveInterval)
	return r, nil
}

// SetMoveInterval changes move coalescing. It takes effect immediately,
// including for a recording in progress.
func (r *Recorder) SetMoveInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setMoveIntervalLocked(d)
}

func (r *Recorder) setMoveIntervalLocked(d time.Duration) {
	switch {
	case d == 0:
		r.moveInterval = DefaultMoveInterval
	case d < 0:
		r.moveInterval = 0
	default:
		r.moveInterval = d
	}
}

// MoveInterval returns the effective move coalescing interval.
func (r *Recorder) MoveInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moveInterval
}

// Start begins a new recording named name. Any frozen sequence that was
// not retrieved is discarded. If the capture subscription fails the
// recorder stays idle and the error wraps capture.ErrCaptureUnavailable.
func (r *Recorder) Start(name string) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	now := r.clock()
	r.recording = true
	r.name = name
	r.started = now
	r.last = now
	r.actions = nil
	r.havePointer = false
	r.havePending = false
	r.frozen = nil
	r.mu.Unlock()

	if err := r.listener.Start(r.Record); err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		r.logger.Error("recording failed to start", "sequence", name, "error", err)
		return err
	}
	r.logger.Info("recording started", "sequence", name)
	return nil
}

// Stop ends the recording and freezes the sequence. A coalesced move still
// pending is kept as the final action. Events arriving after Stop are
// dropped. The frozen sequence is returned even when releasing
// the capture subscription fails.
func (r *Recorder) Stop() (*Sequence, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.flushLocked()
	r.recording = false
	seq := newSequence(r.name, r.started, r.actions)
	r.actions = nil
	r.frozen = seq
	r.mu.Unlock()

	err := r.listener.Stop()
	r.logger.Info("recording stopped", "sequence", seq.Name(), "actions", seq.Len(), "duration", seq.TotalDelay())
	return seq, err
}

// Sequence returns the last frozen sequence, if any.
func (r *Recorder) Sequence() (*Sequence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen, r.frozen != nil
}

// IsRecording returns true while a recording is in progress.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// CurrentName returns the name of the recording in progress, or "".
func (r *Recorder) CurrentName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return r.name
	}
	return ""
}

// Len returns the number of actions recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

// Record appends an event to the recording in progress. It is the capture
// handler and may also be fed directly. Does nothing when not recording.
func (r *Recorder) Record(ev capture.Event) {
	if r.ignore != nil && r.ignore(ev) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}
	if ev.Arrival.IsZero() {
		ev.Arrival = r.clock()
	}

	if ev.Kind == capture.KindPointerMove {
		if ev.Arrival.Sub(r.last) < r.moveInterval {
			r.pending = ev
			r.havePending = true
			return
		}
		r.appendLocked(ev)
		return
	}

	r.flushLocked()
	r.appendLocked(ev)
}

// flushLocked appends the last coalesced move unless the pointer is
// already there.
func (r *Recorder) flushLocked() {
	if !r.havePending {
		return
	}
	if !r.havePointer || r.pointer.Position() != r.pending.Position() {
		r.appendLocked(r.pending)
	}
	r.havePending = false
}

func (r *Recorder) appendLocked(ev capture.Event) {
	delay := ev.Arrival.Sub(r.last)
	if delay < 0 {
		delay = 0
	} else {
		r.last = ev.Arrival
	}

	var a Action
	switch ev.Kind {
	case capture.KindKeyDown:
		a = KeyDown(ev.Code, delay)
	case capture.KindKeyUp:
		a = KeyUp(ev.Code, delay)
	case capture.KindPointerMove:
		a = PointerMove(ev.X, ev.Y, delay)
		r.havePending = false
	case capture.KindPointerDown:
		a = PointerDown(ev.Button, ev.X, ev.Y, delay)
	case capture.KindPointerUp:
		a = PointerUp(ev.Button, ev.X, ev.Y, delay)
	case capture.KindWheel:
		a = Wheel(ev.Delta, ev.X, ev.Y, delay)
	default:
		return
	}
	if !ev.Kind.IsKey() {
		r.pointer = ev
		r.havePointer = true
	}
	r.actions = append(r.actions, a)
}
