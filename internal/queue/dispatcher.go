package queue

import (
	"context"
	"fmt"
	"time"

	"schoolcheckin/internal/models"
)

// DispatchResult is what the backend reports for a persisted action.
type DispatchResult struct {
	SessionID string
}

// Dispatcher sends one action to the backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, action models.QueuedAction) (DispatchResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, action models.QueuedAction) (DispatchResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, action models.QueuedAction) (DispatchResult, error) {
	return f(ctx, action)
}

// DispatchWithTimeout races d.Dispatch against timeout. When the timer wins the call
// is abandoned and the result is an error wrapping context.DeadlineExceeded, whether
// or not the dispatcher honours ctx.
func DispatchWithTimeout(ctx context.Context, d Dispatcher, action models.QueuedAction, timeout time.Duration) (DispatchResult, error) {
	if timeout <= 0 {
		return d.Dispatch(ctx, action)
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		res DispatchResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := d.Dispatch(dctx, action)
		done <- result{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-dctx.Done():
		if ctx.Err() != nil {
			return DispatchResult{}, ctx.Err()
		}
		return DispatchResult{}, fmt.Errorf("dispatch timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
}
