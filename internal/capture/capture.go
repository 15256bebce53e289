// Package capture normalises raw OS input notifications into timestamped
// capture events.
//
// A Listener owns one HookSource subscription. Every raw event is converted
// into an Event, stamped with its arrival time, and handed to the handler on
// the hook-callback path. The handler must not block.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/keyreplay/internal/input/key"
	"github.com/dshills/keyreplay/internal/input/mouse"
)

// ErrCaptureUnavailable indicates the hook subscription could not be
// established. It is fatal to recording and is not retried.
var ErrCaptureUnavailable = errors.New("input capture unavailable")

// ErrAlreadyListening indicates Start was called on an active listener.
var ErrAlreadyListening = errors.New("listener already active")

// Kind identifies the type of a capture event.
type Kind uint8

const (
	KindKeyDown Kind = iota + 1
	KindKeyUp
	KindPointerDown
	KindPointerUp
	KindPointerMove
	KindWheel
)

var kindNames = map[Kind]string{
	KindKeyDown:     "KeyDown",
	KindKeyUp:       "KeyUp",
	KindPointerDown: "PointerDown",
	KindPointerUp:   "PointerUp",
	KindPointerMove: "PointerMove",
	KindWheel:       "Wheel",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsKey reports whether k is a keyboard event.
func (k Kind) IsKey() bool {
	return k == KindKeyDown || k == KindKeyUp
}

// Event is a normalised input notification. Events are consumed
// immediately by the recorder and never retained.
type Event struct {
	Kind Kind

	// Code is set for key events.
	Code key.Code

	// Button is set for pointer down/up events.
	Button mouse.Button

	// X and Y are screen coordinates for pointer and wheel events.
	X, Y int

	// Delta is the wheel rotation; positive scrolls up.
	Delta int

	// Modifiers are the modifier keys held when the event arrived.
	Modifiers key.Modifier

	// Arrival is when the event reached the listener (or the OS
	// timestamp, when the hook source provides one).
	Arrival time.Time
}

// Position returns the pointer position of the event.
func (e Event) Position() mouse.Position {
	return mouse.Position{X: e.X, Y: e.Y}
}

func (e Event) String() string {
	switch {
	case e.Kind.IsKey():
		return fmt.Sprintf("%s %s", e.Kind, e.Code)
	case e.Kind == KindWheel:
		return fmt.Sprintf("%s %+d at (%d,%d)", e.Kind, e.Delta, e.X, e.Y)
	case e.Kind == KindPointerMove:
		return fmt.Sprintf("%s (%d,%d)", e.Kind, e.X, e.Y)
	default:
		return fmt.Sprintf("%s %s at (%d,%d)", e.Kind, e.Button, e.X, e.Y)
	}
}

// Handler receives normalised events on the hook-callback path.
type Handler func(Event)

// ErrorReporter receives failures that must not cross the hook-callback
// boundary. The recovery manager implements it.
type ErrorReporter interface {
	Report(err error, context map[string]string)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(err error, context map[string]string)

// Report calls the underlying function.
func (f ErrorReporterFunc) Report(err error, context map[string]string) {
	f(err, context)
}

// HandlerPanicError wraps a panic raised by a capture handler.
type HandlerPanicError struct {
	Event Event
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("capture handler panicked on %s: %v", e.Event, e.Value)
}
