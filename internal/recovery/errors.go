package recovery

import (
	"errors"
	"fmt"
)

var (
	// ErrAbort is returned by a strategy to stop the failing operation.
	ErrAbort = errors.New("recovery requested abort")

	// ErrRecoveryExhausted means no strategy recovered the failure.
	ErrRecoveryExhausted = errors.New("recovery exhausted")

	// ErrNotHandled is returned by strategies that decline a failure.
	ErrNotHandled = errors.New("failure not handled")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recovery manager closed")

	// ErrCleared resolves records removed by ClearQueue or Close.
	ErrCleared = errors.New("recovery record cleared")

	ErrDuplicateName = errors.New("strategy name already registered")
	ErrNilStrategy   = errors.New("strategy must not be nil")
)

// StrategyPanicError wraps a panic raised by a strategy.
type StrategyPanicError struct {
	Strategy string
	Value    any
}

func (e *StrategyPanicError) Error() string {
	return fmt.Sprintf("strategy %s panicked: %v", e.Strategy, e.Value)
}
