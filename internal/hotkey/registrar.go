package hotkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/dshills/keyreplay/internal/capture"
	"github.com/dshills/keyreplay/internal/input/key"
)

// Options configure a Registrar.
type Options struct {
	// Backend installs bindings at the OS level. Defaults to a LocalBackend.
	Backend Backend

	// QueueSize bounds pending callbacks. Defaults to DefaultQueueSize.
	QueueSize int

	// Errors receives callback panics.
	Errors capture.ErrorReporter

	Logger *slog.Logger
}

// Stats describes dispatcher activity.
type Stats struct {
	Registered int
	Dispatched uint64
	Dropped    uint64
	Panicked   uint64
	QueueDepth int
}

type entry struct {
	binding  Binding
	callback Callback
}

// Registrar owns the hotkey table.
type Registrar struct {
	mu        sync.Mutex
	bindings  map[string]*entry
	observers []func(Binding)
	suspended bool
	closed    bool

	backend  Backend
	dispatch *dispatcher
	errors   capture.ErrorReporter
	logger   *slog.Logger
}

// NewRegistrar creates a registrar and starts its dispatcher.
func NewRegistrar(opts Options) *Registrar {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewLocalBackend()
	}
	r := &Registrar{
		bindings: make(map[string]*entry),
		backend:  backend,
		errors:   opts.Errors,
		logger:   logger.With("component", "hotkey"),
	}
	r.dispatch = newDispatcher(opts.QueueSize, r.callbackPanicked)
	return r
}

func (r *Registrar) callbackPanicked(b Binding, value any, stack []byte) {
	r.logger.Error("hotkey callback panicked", "id", b.ID, "panic", value, "stack", string(stack))
	if r.errors != nil {
		r.errors.Report(&CallbackPanicError{ID: b.ID, Value: value}, map[string]string{
			"component": "hotkey",
			"id":        b.ID,
		})
	}
}

// conflictLocked returns the enabled binding other than id using combo.
func (r *Registrar) conflictLocked(id string, combo key.Combo) (string, bool) {
	for other, e := range r.bindings {
		if other != id && e.binding.Enabled && e.binding.Combo() == combo {
			return other, true
		}
	}
	return "", false
}

// Register adds an enabled binding and installs it on the backend.
func (r *Registrar) Register(id string, mods key.Modifier, code key.Code, cb Callback) error {
	b := Binding{ID: id, Modifiers: mods, Key: code, Enabled: true}
	if err := b.validate(); err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("%w: %s has no callback", ErrInvalidBinding, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.bindings[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if existing, ok := r.conflictLocked(id, b.Combo()); ok {
		return &ConflictError{ID: id, Existing: existing, Combo: b.Combo()}
	}
	if !r.suspended {
		if err := r.backend.Install(b); err != nil {
			return fmt.Errorf("install hotkey %s: %w", id, err)
		}
	}
	r.bindings[id] = &entry{binding: b, callback: cb}
	r.logger.Debug("hotkey registered", "id", id, "combo", b.Combo().String())
	return nil
}

// RegisterCombo registers a binding from a combo string such as
// "Ctrl+Shift+F9".
func (r *Registrar) RegisterCombo(id, spec string, cb Callback) error {
	combo, err := key.ParseCombo(spec)
	if err != nil {
		return fmt.Errorf("hotkey %s: %w", id, err)
	}
	return r.Register(id, combo.Modifiers, combo.Code, cb)
}

// Unregister removes id. It reports whether the binding existed.
func (r *Registrar) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bindings[id]
	if !ok {
		return false
	}
	delete(r.bindings, id)
	if e.binding.Enabled && !r.suspended {
		if err := r.backend.Uninstall(id); err != nil {
			r.logger.Warn("uninstall hotkey failed", "id", id, "error", err)
		}
	}
	return true
}

// IsRegistered reports whether id is in the table.
func (r *Registrar) IsRegistered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[id]
	return ok
}

// Lookup returns the binding for id.
func (r *Registrar) Lookup(id string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bindings[id]
	if !ok {
		return Binding{}, false
	}
	return e.binding, true
}

// ListRegistered returns every binding sorted by ID.
func (r *Registrar) ListRegistered() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, id := range slices.Sorted(maps.Keys(r.bindings)) {
		out = append(out, r.bindings[id].binding)
	}
	return out
}

// Enable re-enables id, failing if another enabled binding took its combo.
func (r *Registrar) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bindings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if e.binding.Enabled {
		return nil
	}
	combo := e.binding.Combo()
	if existing, ok := r.conflictLocked(id, combo); ok {
		return &ConflictError{ID: id, Existing: existing, Combo: combo}
	}
	b := e.binding
	b.Enabled = true
	if !r.suspended {
		if err := r.backend.Install(b); err != nil {
			return fmt.Errorf("install hotkey %s: %w", id, err)
		}
	}
	e.binding = b
	return nil
}

// Disable keeps id in the table but stops it firing.
func (r *Registrar) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bindings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if !e.binding.Enabled {
		return nil
	}
	if !r.suspended {
		if err := r.backend.Uninstall(id); err != nil {
			return fmt.Errorf("uninstall hotkey %s: %w", id, err)
		}
	}
	e.binding.Enabled = false
	return nil
}

// SuspendAll uninstalls every enabled binding from the backend. The table
// is unchanged and presses are ignored until ResumeAll.
func (r *Registrar) SuspendAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.suspended {
		return nil
	}
	r.suspended = true
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(r.bindings)) {
		if !r.bindings[id].binding.Enabled {
			continue
		}
		if err := r.backend.Uninstall(id); err != nil {
			errs = append(errs, fmt.Errorf("uninstall hotkey %s: %w", id, err))
		}
	}
	r.logger.Info("hotkeys suspended", "count", len(r.bindings))
	return errors.Join(errs...)
}

// ResumeAll reinstalls every enabled binding.
func (r *Registrar) ResumeAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if !r.suspended {
		return nil
	}
	r.suspended = false
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(r.bindings)) {
		b := r.bindings[id].binding
		if !b.Enabled {
			continue
		}
		if err := r.backend.Install(b); err != nil {
			errs = append(errs, fmt.Errorf("install hotkey %s: %w", id, err))
		}
	}
	r.logger.Info("hotkeys resumed", "count", len(r.bindings))
	return errors.Join(errs...)
}

// IsSuspended reports whether SuspendAll is in effect.
func (r *Registrar) IsSuspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

// OnPress adds an observer called on the dispatcher goroutine before each
// callback.
func (r *Registrar) OnPress(fn func(Binding)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Press dispatches the enabled binding matching the combo. It reports
// whether a callback was queued.
func (r *Registrar) Press(mods key.Modifier, code key.Code) bool {
	combo := key.Combo{Modifiers: mods, Code: code}

	r.mu.Lock()
	if r.closed || r.suspended {
		r.mu.Unlock()
		return false
	}
	var match *entry
	for _, e := range r.bindings {
		if e.binding.Enabled && e.binding.Combo() == combo {
			match = e
			break
		}
	}
	if match == nil {
		r.mu.Unlock()
		return false
	}
	p := press{binding: match.binding, callback: match.callback, observe: slices.Clone(r.observers)}
	r.mu.Unlock()

	return r.enqueue(p)
}

// Trigger dispatches the binding with the given ID, as a backend that
// reports presses by registration ID would. Disabled bindings and a
// suspended registrar do not fire.
func (r *Registrar) Trigger(id string) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	e, ok := r.bindings[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if r.suspended || !e.binding.Enabled {
		r.mu.Unlock()
		return false, nil
	}
	p := press{binding: e.binding, callback: e.callback, observe: slices.Clone(r.observers)}
	r.mu.Unlock()

	return r.enqueue(p), nil
}

// HandleEvent routes key-down capture events to Press. It is suitable as
// a capture.Handler.
func (r *Registrar) HandleEvent(ev capture.Event) {
	if ev.Kind == capture.KindKeyDown {
		r.Press(ev.Modifiers, ev.Code)
	}
}

// IsHotkey reports whether ev is a key event for an enabled binding. The
// recorder uses it to keep hotkey presses out of recordings.
func (r *Registrar) IsHotkey(ev capture.Event) bool {
	if !ev.Kind.IsKey() {
		return false
	}
	combo := key.Combo{Modifiers: ev.Modifiers, Code: ev.Code}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conflictLocked("", combo)
	return ok
}

func (r *Registrar) enqueue(p press) bool {
	if err := r.dispatch.enqueue(p); err != nil {
		r.logger.Warn("hotkey press dropped", "id", p.binding.ID, "error", err)
		return false
	}
	return true
}

// Stats returns dispatcher counters.
func (r *Registrar) Stats() Stats {
	r.mu.Lock()
	n := len(r.bindings)
	r.mu.Unlock()
	return Stats{
		Registered: n,
		Dispatched: r.dispatch.dispatched.Load(),
		Dropped:    r.dispatch.dropped.Load(),
		Panicked:   r.dispatch.panicked.Load(),
		QueueDepth: r.dispatch.depth(),
	}
}

// Close unregisters every binding and stops the dispatcher, waiting for
// queued callbacks until ctx ends. Close is idempotent.
func (r *Registrar) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var errs []error
	if !r.suspended {
		for _, id := range slices.Sorted(maps.Keys(r.bindings)) {
			if !r.bindings[id].binding.Enabled {
				continue
			}
			if err := r.backend.Uninstall(id); err != nil {
				errs = append(errs, fmt.Errorf("uninstall hotkey %s: %w", id, err))
			}
		}
	}
	clear(r.bindings)
	r.mu.Unlock()

	if err := r.dispatch.stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop hotkey dispatcher: %w", err))
	}
	return errors.Join(errs...)
}
