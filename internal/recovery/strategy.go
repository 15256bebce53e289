package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Retryable is implemented by failures that can re-run the operation that
// produced them.
type Retryable interface {
	error
	Retry(ctx context.Context) error
}

// RetryOperation re-runs the failed operation when the failure is
// Retryable. Combine it with WithMaxRetry and WithRetryDelay.
func RetryOperation() Strategy {
	return StrategyFunc(func(ctx context.Context, rec ErrorRecord) error {
		var r Retryable
		if !errors.As(rec.Err, &r) {
			return fmt.Errorf("%w: %s is not retryable", ErrNotHandled, rec.Type)
		}
		return r.Retry(ctx)
	})
}

// Log records the failure and declines it, letting lower-priority
// strategies run.
func Log(logger *slog.Logger, level slog.Level) Strategy {
	return StrategyFunc(func(ctx context.Context, rec ErrorRecord) error {
		attrs := make([]any, 0, 4+2*len(rec.Context))
		attrs = append(attrs, "record_id", rec.ID, "error", rec.Err)
		for k, v := range rec.Context {
			attrs = append(attrs, k, v)
		}
		logger.Log(ctx, level, "failure", attrs...)
		return ErrNotHandled
	})
}

// Abort stops the failing operation unconditionally.
func Abort() Strategy {
	return StrategyFunc(func(context.Context, ErrorRecord) error {
		return ErrAbort
	})
}

// Ignore treats every failure as recovered.
func Ignore() Strategy {
	return StrategyFunc(func(context.Context, ErrorRecord) error {
		return nil
	})
}
