package capture

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/platform"
)

// Options configure a Listener.
type Options struct {
	// Source delivers raw hook events. Required.
	Source platform.HookSource

	// Clock stamps events the source did not timestamp. Defaults to time.Now.
	Clock func() time.Time

	// SuppressAutoRepeat drops key-down events for keys already held,
	// which is how operating systems report auto-repeat.
	SuppressAutoRepeat bool

	// Errors receives handler panics. Optional.
	Errors ErrorReporter

	Logger *slog.Logger
}

// Listener converts a HookSource stream into capture events.
type Listener struct {
	source   platform.HookSource
	clock    func() time.Time
	suppress bool
	errors   ErrorReporter
	logger   *slog.Logger

	mu      sync.Mutex
	sub     platform.Subscription
	handler Handler
	held    map[key.Code]bool
	mods    key.Modifier
	dropped uint64
}

// NewListener validates options and constructs a listener.
func NewListener(opts Options) (*Listener, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("hook source must not be nil")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{
		source:   opts.Source,
		clock:    clock,
		suppress: opts.SuppressAutoRepeat,
		errors:   opts.Errors,
		logger:   logger.With("component", "capture"),
		held:     make(map[key.Code]bool),
	}, nil
}

// Start subscribes to the hook source and begins delivering events to h.
// A subscription failure is returned wrapped in ErrCaptureUnavailable.
func (l *Listener) Start(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler must not be nil")
	}

	l.mu.Lock()
	if l.sub != nil {
		l.mu.Unlock()
		return ErrAlreadyListening
	}
	l.handler = h
	l.held = make(map[key.Code]bool)
	l.mods = key.ModNone
	l.mu.Unlock()

	// Subscribing outside the lock: sources may deliver synchronously.
	sub, err := l.source.Subscribe(l.onHook)
	if err != nil {
		l.mu.Lock()
		l.handler = nil
		l.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	l.logger.Debug("capture started")
	return nil
}

// Stop releases the subscription. Events delivered afterwards are dropped.
// Stop is idempotent.
func (l *Listener) Stop() error {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.handler = nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("release capture subscription: %w", err)
	}
	l.logger.Debug("capture stopped")
	return nil
}

// Active reports whether the listener holds a subscription.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub != nil
}

// Dropped returns the number of raw events discarded by normalisation.
func (l *Listener) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// onHook runs on the hook-callback path.
func (l *Listener) onHook(raw platform.HookEvent) {
	l.mu.Lock()
	h := l.handler
	if h == nil {
		l.mu.Unlock()
		return
	}
	ev, ok := l.normalizeLocked(raw)
	if !ok {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.deliver(h, ev)
}

func (l *Listener) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			err := &HandlerPanicError{Event: ev, Value: r}
			l.logger.Error("capture handler panic", "event", ev.String(), "panic", r)
			if l.errors != nil {
				l.errors.Report(err, map[string]string{
					"component": "capture",
					"event":     ev.String(),
				})
			}
		}
	}()
	h(ev)
}

// normalizeLocked converts a raw event. Caller must hold l.mu.
func (l *Listener) normalizeLocked(raw platform.HookEvent) (Event, bool) {
	arrival := raw.At()
	if arrival.IsZero() {
		arrival = l.clock()
	}

	switch e := raw.(type) {
	case platform.KeyHook:
		if e.Code == key.CodeNone {
			return Event{}, false
		}
		ev := Event{Code: e.Code, Arrival: arrival}
		if e.Down {
			if l.suppress && l.held[e.Code] {
				return Event{}, false
			}
			l.held[e.Code] = true
			l.mods = l.mods.With(e.Code.AsModifier())
			ev.Kind = KindKeyDown
		} else {
			delete(l.held, e.Code)
			l.mods = l.mods.Without(e.Code.AsModifier())
			ev.Kind = KindKeyUp
		}
		ev.Modifiers = l.mods
		return ev, true

	case platform.PointerHook:
		ev := Event{X: e.X, Y: e.Y, Modifiers: l.mods, Arrival: arrival}
		switch e.Action {
		case platform.PointerMoved:
			ev.Kind = KindPointerMove
		case platform.PointerPressed:
			ev.Kind = KindPointerDown
			ev.Button = e.Button
		case platform.PointerReleased:
			ev.Kind = KindPointerUp
			ev.Button = e.Button
		default:
			return Event{}, false
		}
		if ev.Kind != KindPointerMove && !ev.Button.Valid() {
			return Event{}, false
		}
		return ev, true

	case platform.WheelHook:
		if e.Delta == 0 {
			return Event{}, false
		}
		return Event{Kind: KindWheel, X: e.X, Y: e.Y, Delta: e.Delta, Modifiers: l.mods, Arrival: arrival}, true
	}
	return Event{}, false
}
