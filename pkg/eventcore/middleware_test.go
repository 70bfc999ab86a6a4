package eventcore_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) eventcore.Middleware {
		return func(next eventcore.Handler) eventcore.Handler {
			return func(ctx context.Context, evt event.DomainEvent) error {
				order = append(order, name+">")
				err := next(ctx, evt)
				order = append(order, "<"+name)
				return err
			}
		}
	}

	h := eventcore.Chain(func(context.Context, event.DomainEvent) error {
		order = append(order, "handler")
		return nil
	}, tag("outer"), tag("inner"))

	require.NoError(t, h(context.Background(), event.New(teamCreated, "team", "t1", nil)))
	assert.Equal(t, []string{"outer>", "inner>", "handler", "<inner", "<outer"}, order)
}

func TestGlobalMiddlewareWrapsSubscriptionMiddleware(t *testing.T) {
	var mu sync.Mutex
	var order []string
	tag := func(name string) eventcore.Middleware {
		return func(next eventcore.Handler) eventcore.Handler {
			return func(ctx context.Context, evt event.DomainEvent) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, evt)
			}
		}
	}

	bus := newBus(t, eventcore.WithGlobalMiddleware(tag("global")))
	bus.Subscribe(teamCreated, noop, eventcore.WithMiddleware(tag("local")))

	_, err := bus.PublishAndWait(context.Background(), teamCreated, "team", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"global", "local"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := eventcore.Chain(func(context.Context, event.DomainEvent) error {
		panic("bad state")
	}, eventcore.RecoveryMiddleware())

	err := h(context.Background(), event.New(teamCreated, "team", "t1", nil))
	var execErr *event.HandlerExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "bad state", execErr.Panic)
	assert.True(t, ecerrors.IsRetryable(err))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	bus := newBus(t, eventcore.WithGlobalMiddleware(eventcore.LoggingMiddleware(logger)))
	bus.Subscribe(teamCreated, func(context.Context, event.DomainEvent) error {
		return errors.New("nope")
	}, eventcore.WithName("logged"), eventcore.WithRetryPolicy(ecerrors.NoRetry))

	_, err := bus.PublishAndWait(context.Background(), teamCreated, "team", "t1", nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"handler returned error"`)
	assert.Contains(t, out, `"handler":"logged"`)
	assert.Contains(t, out, `"event_type":"team.created"`)
}

func TestIdempotencyMiddleware(t *testing.T) {
	bus := newBus(t)

	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	bus.Subscribe(teamCreated, func(context.Context, event.DomainEvent) error {
		calls.Add(1)
		if fail.Load() {
			return errors.New("first try fails")
		}
		return nil
	},
		eventcore.WithName("once-only"),
		eventcore.WithRetryPolicy(ecerrors.NoRetry),
		eventcore.WithMiddleware(eventcore.IdempotencyMiddleware(100, time.Minute, nil)),
	)

	ctx := context.Background()
	evt := event.New(teamCreated, "team", "t1", nil)

	require.NoError(t, bus.PublishEventAndWait(ctx, evt))
	assert.Equal(t, int32(1), calls.Load())

	fail.Store(false)
	require.NoError(t, bus.PublishEventAndWait(ctx, evt))
	assert.Equal(t, int32(2), calls.Load(), "failed attempts are not remembered")

	require.NoError(t, bus.PublishEventAndWait(ctx, evt))
	assert.Equal(t, int32(2), calls.Load())

	env, ok := bus.DLQ().FailedEvent(evt.ID())
	require.True(t, ok)
	var idem *event.IdempotencyError
	require.ErrorAs(t, env.Err, &idem)
	assert.Equal(t, evt.ID(), idem.Key)
	assert.Equal(t, "once-only", idem.Handler)
	assert.Equal(t, 1, env.RetryCount, "duplicates are not retried")
}

func TestIdempotencyMiddlewareCustomKey(t *testing.T) {
	var calls atomic.Int32
	h := eventcore.Chain(func(context.Context, event.DomainEvent) error {
		calls.Add(1)
		return nil
	}, eventcore.IdempotencyMiddleware(10, time.Minute, func(evt event.DomainEvent) string {
		return evt.AggregateID()
	}))

	ctx := context.Background()
	require.NoError(t, h(ctx, event.New(teamCreated, "team", "t1", nil)))
	assert.Error(t, h(ctx, event.New(teamCreated, "team", "t1", nil)))
	require.NoError(t, h(ctx, event.New(teamCreated, "team", "t2", nil)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyMiddlewareSerializesConcurrentDuplicates(t *testing.T) {
	var calls atomic.Int32
	h := eventcore.Chain(func(context.Context, event.DomainEvent) error {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil
	}, eventcore.IdempotencyMiddleware(10, time.Minute, nil))

	evt := event.New(teamCreated, "team", "t1", nil)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h(context.Background(), evt)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerMiddleware(t *testing.T) {
	var calls atomic.Int32
	h := eventcore.Chain(func(context.Context, event.DomainEvent) error {
		calls.Add(1)
		return errors.New("upstream down")
	}, eventcore.BreakerMiddleware(gobreaker.Settings{
		Name:    "upstream",
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	}))

	ctx := context.Background()
	evt := event.New(teamCreated, "team", "t1", nil)
	for range 2 {
		assert.EqualError(t, h(ctx, evt), "upstream down")
	}

	err := h(ctx, evt)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, ecerrors.IsRetryable(err), "an open circuit is worth retrying later")
	assert.Equal(t, int32(2), calls.Load(), "open circuit skips the handler")
}
