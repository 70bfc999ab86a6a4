package errors

import (
	"context"
	"time"
)

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Errors holds every failed attempt's error, oldest first.
	Errors []error

	// Attempts is the number of attempts made.
	Attempts int

	// Exhausted is true when the policy ran out of attempts.
	Exhausted bool

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// RetryHooks observes a retry loop.
type RetryHooks struct {
	// BeforeAttempt is called before each attempt. Returning false stops
	// the loop without running fn.
	BeforeAttempt func(attempt int) bool

	// OnFailure is called after each failed attempt with the zero-based
	// attempt number. willRetry reports whether another attempt follows.
	OnFailure func(attempt int, err error, willRetry bool)

	// Retryable optionally overrides the default retryability check.
	Retryable func(error) bool
}

// WithRetry executes a function with retries based on the policy.
func WithRetry[T any](policy RetryPolicy, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), policy, RetryHooks{}, func(_ context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext executes fn until it succeeds, returns a non-retryable
// error, exhausts policy.MaxAttempts or ctx is cancelled. Attempts are
// strictly sequential; the delay between attempts follows Delay.
func WithRetryContext[T any](
	ctx context.Context,
	policy RetryPolicy,
	hooks RetryHooks,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	policy = policy.Normalize()
	start := time.Now()

	isRetryable := hooks.Retryable
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	var errs []error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: CategoryPermanent, Retries: attempt, Context: "context cancelled"},
				Errors:   errs,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		if hooks.BeforeAttempt != nil && !hooks.BeforeAttempt(attempt) {
			return RetryResult[T]{
				Err:      context.Canceled,
				Errors:   errs,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Errors:   errs,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}

		errs = append(errs, err)
		retry := isRetryable(err) && attempt < policy.MaxAttempts-1

		if hooks.OnFailure != nil {
			hooks.OnFailure(attempt, err, retry)
		}

		if !retry {
			return RetryResult[T]{
				Err:       err,
				Errors:    errs,
				Attempts:  attempt + 1,
				Exhausted: true,
				Duration:  time.Since(start),
			}
		}

		timer := time.NewTimer(Delay(attempt, policy))
		select {
		case <-ctx.Done():
			timer.Stop()
			return RetryResult[T]{
				Err:      &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Retries: attempt + 1, Context: "context cancelled during backoff"},
				Errors:   errs,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		case <-timer.C:
		}
	}

	// Unreachable with MaxAttempts >= 1; kept for the compiler.
	return RetryResult[T]{
		Errors:    errs,
		Attempts:  policy.MaxAttempts,
		Exhausted: true,
		Duration:  time.Since(start),
	}
}
