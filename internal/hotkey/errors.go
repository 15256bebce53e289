package hotkey

import (
	"errors"
	"fmt"

	"github.com/dshills/keyreplay/internal/input/key"
)

// Sentinel errors for the hotkey package.
var (
	// ErrDuplicateID is returned when a binding ID is already registered.
	ErrDuplicateID = errors.New("hotkey id already registered")

	// ErrBindingConflict is returned when an enabled binding already uses
	// the same combo.
	ErrBindingConflict = errors.New("hotkey combo already bound")

	// ErrUnknownID is returned for operations on an unregistered ID.
	ErrUnknownID = errors.New("hotkey id not registered")

	// ErrInvalidBinding is returned for an empty ID, a missing key, a
	// modifier used as the key, or a nil callback.
	ErrInvalidBinding = errors.New("invalid hotkey binding")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hotkey registrar closed")

	// ErrQueueFull is returned when the dispatcher cannot accept a press.
	ErrQueueFull = errors.New("hotkey dispatch queue is full")
)

// ConflictError reports the binding that already owns a combo.
type ConflictError struct {
	ID       string
	Existing string
	Combo    key.Combo
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("hotkey %q: %s already bound by %q", e.ID, e.Combo, e.Existing)
}

// Unwrap returns ErrBindingConflict.
func (e *ConflictError) Unwrap() error {
	return ErrBindingConflict
}

// CallbackPanicError wraps a panic raised by a hotkey callback.
type CallbackPanicError struct {
	ID    string
	Value any
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("hotkey %q callback panicked: %v", e.ID, e.Value)
}
