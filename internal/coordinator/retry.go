package coordinator

import (
	"context"
	"time"
)

// RetryPolicy controls in-run retries of a failing step. A step is marked
// failed only after its last attempt fails.
type RetryPolicy struct {
	// MaxAttempts is the total number of runs; values below 1 mean 1.
	MaxAttempts int
	// Backoff is multiplied by the attempt number before each retry.
	Backoff time.Duration
}

// Attempt describes the current run of a step. Runners read it from the
// context to adjust a retried call, for example by showing the model the
// previous error.
type Attempt struct {
	Number        int
	PreviousError string
}

type attemptKey struct{}

func withAttempt(ctx context.Context, a Attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// AttemptFromContext returns the attempt carried by ctx, or attempt 1.
func AttemptFromContext(ctx context.Context) Attempt {
	if a, ok := ctx.Value(attemptKey{}).(Attempt); ok {
		return a
	}
	return Attempt{Number: 1}
}

// do runs fn until it succeeds, attempts run out or ctx ends. onRetry is
// called before every attempt after the first. It returns the result, the
// number of attempts made and the last error.
func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) (any, error), onRetry func(attempt int, lastErr error)) (any, int, error) {
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if p.Backoff > 0 {
				select {
				case <-ctx.Done():
					return nil, attempt - 1, lastErr
				case <-time.After(p.Backoff * time.Duration(attempt-1)):
				}
			}
		}

		a := Attempt{Number: attempt}
		if lastErr != nil {
			a.PreviousError = lastErr.Error()
		}
		out, err := fn(withAttempt(ctx, a))
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempt, err
		}
	}
	return nil, attempts, lastErr
}
