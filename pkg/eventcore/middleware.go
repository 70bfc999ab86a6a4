package eventcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// RecoveryMiddleware turns a handler panic into a HandlerExecutionError.
// The bus recovers panics anyway; this keeps a panic from skipping
// middleware further out, such as LoggingMiddleware.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt event.DomainEvent) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &event.HandlerExecutionError{
						Event:   evt,
						Handler: HandlerName(ctx),
						Panic:   r,
						Stack:   string(debug.Stack()),
					}
				}
			}()
			return next(ctx, evt)
		}
	}
}

// LoggingMiddleware logs every handler call at debug level, and failures
// at warn.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt event.DomainEvent) error {
			elapsed := observability.TimedOperation()
			err := next(ctx, evt)

			l := observability.EnrichLogger(logger, evt.ID(), string(evt.Kind()), HandlerName(ctx), 0)
			if l == nil {
				return err
			}
			if err != nil {
				l.Warn("handler returned error", "duration_ms", elapsed(), "error", err)
			} else {
				l.Debug("handler returned", "duration_ms", elapsed())
			}
			return err
		}
	}
}

// IdempotencyMiddleware rejects events whose key was already handled
// successfully within ttl, returning an IdempotencyError, which is not
// retried. key defaults to the event ID. At most size keys are remembered.
//
// A key is recorded only when the handler succeeds, so a failed attempt
// can be retried. Concurrent deliveries of the same key are serialized.
func IdempotencyMiddleware(size int, ttl time.Duration, key func(event.DomainEvent) string) Middleware {
	if key == nil {
		key = func(evt event.DomainEvent) string { return evt.ID() }
	}
	seen := expirable.NewLRU[string, time.Time](size, nil, ttl)

	var (
		mu       sync.Mutex
		inflight = make(map[string]chan struct{})
	)

	// acquire waits out a concurrent delivery of k and reports whether k
	// still needs handling.
	acquire := func(ctx context.Context, k string) (bool, error) {
		for {
			mu.Lock()
			if seen.Contains(k) {
				mu.Unlock()
				return false, nil
			}
			wait, busy := inflight[k]
			if !busy {
				inflight[k] = make(chan struct{})
				mu.Unlock()
				return true, nil
			}
			mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	release := func(k string, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			seen.Add(k, time.Now())
		}
		close(inflight[k])
		delete(inflight, k)
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, evt event.DomainEvent) error {
			k := key(evt)
			fresh, err := acquire(ctx, k)
			if err != nil {
				return err
			}
			if !fresh {
				return &event.IdempotencyError{Event: evt, Handler: HandlerName(ctx), Key: k}
			}

			err = next(ctx, evt)
			release(k, err == nil)
			return err
		}
	}
}

// BreakerMiddleware guards a handler with a circuit breaker. While the
// circuit is open the handler is not called and the attempt fails with a
// retryable error wrapping gobreaker.ErrOpenState, so retries back off
// until the breaker half-opens.
func BreakerMiddleware(st gobreaker.Settings) Middleware {
	cb := gobreaker.NewCircuitBreaker(st)

	return func(next Handler) Handler {
		return func(ctx context.Context, evt event.DomainEvent) error {
			_, err := cb.Execute(func() (interface{}, error) {
				return nil, next(ctx, evt)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return &event.HandlerExecutionError{
					Event:   evt,
					Handler: HandlerName(ctx),
					Err:     fmt.Errorf("circuit %s: %w", cb.Name(), err),
				}
			}
			return err
		}
	}
}
