package macro

import (
	"context"
	"errors"
	"fmt"
)

// Contract violations returned synchronously.
var (
	ErrNilSequence      = errors.New("sequence must not be nil")
	ErrEmptySequence    = errors.New("sequence has no actions")
	ErrInvalidAction    = errors.New("invalid action")
	ErrInvalidState     = errors.New("invalid player state")
	ErrAlreadyRecording = errors.New("recorder already recording")
	ErrNotRecording     = errors.New("recorder not recording")
	ErrNoGate           = errors.New("sequence waits on images but no visual gate is configured")
	ErrRetryExpired     = errors.New("playback moved past the failed action")
)

// InjectionError reports an action the Injector failed to execute.
type InjectionError struct {
	Sequence string
	Pass     int
	Index    int
	Action   Action
	Err      error

	retry func(ctx context.Context) error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("%s: action %d (%s) failed: %v", e.Sequence, e.Index, e.Action.Type, e.Err)
}

func (e *InjectionError) Unwrap() error {
	return e.Err
}

// Retry executes the failed action again. Recovery strategies call it
// from their own goroutine while the player waits. Once the player has
// moved past the action, Retry returns ErrRetryExpired without injecting.
func (e *InjectionError) Retry(ctx context.Context) error {
	if e.retry == nil {
		return fmt.Errorf("action %s cannot be retried", e.Action.Type)
	}
	return e.retry(ctx)
}

// PanicError wraps a panic raised while executing an action.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
