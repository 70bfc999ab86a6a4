package eventcore

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// dispatch delivers evt to subs, which arrive sorted by priority. Each
// priority tier runs concurrently. The next tier starts once every handler
// of the current tier has settled its first attempt; retries and backoff
// continue outside that barrier. dispatch returns when every delivery is
// done.
//
// seed, when set, is the dead-letter envelope being redelivered. Its
// CreatedAt carries over to any new failure record.
func (b *Bus) dispatch(pubCtx context.Context, lt *lifetime, evt event.DomainEvent, subs []*subscription, seed *event.Envelope) {
	// Handlers outlive the publisher's ctx but not the bus lifetime.
	ctx, cancel := context.WithCancel(context.WithoutCancel(pubCtx))
	defer cancel()
	stop := context.AfterFunc(lt.ctx, cancel)
	defer stop()

	var all sync.WaitGroup
	defer all.Wait()

	for start := 0; start < len(subs); {
		end := start + 1
		for end < len(subs) && subs[end].priority == subs[start].priority {
			end++
		}

		var settled sync.WaitGroup
		for _, sub := range subs[start:end] {
			all.Add(1)
			settled.Add(1)
			go func() {
				defer all.Done()
				var once sync.Once
				release := func() { once.Do(settled.Done) }
				defer release()

				ok := b.deliver(ctx, evt, sub, seed, release)
				if sub.once {
					b.settleOnce(sub, ok)
				}
			}()
		}
		settled.Wait()

		if ctx.Err() != nil {
			return
		}
		start = end
	}
}

// settleOnce unregisters a once subscription after a successful delivery.
// A failed delivery gives up the claim so a later event can fire it.
func (b *Bus) settleOnce(sub *subscription, delivered bool) {
	if !delivered {
		sub.fired.Store(false)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// deliver runs one subscription against evt until it succeeds, fails
// permanently, or exhausts its retry policy. Attempts are sequential.
// settled is called once the first attempt has finished. deliver reports
// whether the handler succeeded.
func (b *Bus) deliver(ctx context.Context, evt event.DomainEvent, sub *subscription, seed *event.Envelope, settled func()) bool {
	if sub.sem != nil {
		select {
		case sub.sem <- struct{}{}:
			defer func() { <-sub.sem }()
		case <-ctx.Done():
			return false
		}
	}

	kind := string(evt.Kind())
	var env *event.Envelope
	attempt := 0

	res := ecerrors.WithRetryContext(ctx, sub.retry, ecerrors.RetryHooks{
		BeforeAttempt: func(n int) bool {
			attempt = n + 1
			return true
		},
		OnFailure: func(n int, err error, willRetry bool) {
			if env == nil {
				env = newFailureEnvelope(evt, sub.name, seed)
			}
			env.RecordFailure(err, time.Now())
			observability.LogHandlerFailure(b.log(), evt.ID(), kind, sub.name, n+1, err, willRetry)
			if willRetry {
				b.cfg.Metrics.RecordRetry(ctx, kind, sub.name)
				b.notifyFailure(Failure{Envelope: env.Clone(), Err: err})
			}
			if n == 0 {
				settled()
			}
		},
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.invoke(ctx, evt, sub, attempt)
	})

	if res.Err == nil {
		return true
	}
	if !res.Exhausted || ctx.Err() != nil {
		// Cancelled by Dispose.
		b.log().Debug("delivery abandoned", "event_id", evt.ID(), "handler", sub.name, "attempts", res.Attempts)
		return false
	}

	terminal := res.Err
	if ecerrors.IsRetryable(res.Err) {
		terminal = &event.RetryExhaustedError{Event: evt, Handler: sub.name, Attempts: res.Errors}
	}

	// Errors keeps every attempt; Err becomes the terminal error.
	env.Err = terminal
	env.MarkDeadLetter()
	if err := b.cfg.DLQ.Send(ctx, env); err != nil {
		b.log().Error("dead-letter send failed",
			"event_id", evt.ID(),
			"event_type", kind,
			"handler", sub.name,
			"error", err,
		)
	}
	b.notifyFailure(Failure{Envelope: env.Clone(), Err: terminal, Terminal: true})
	return false
}

// newFailureEnvelope starts the failure record for one delivery. A
// redelivered envelope keeps its original CreatedAt.
func newFailureEnvelope(evt event.DomainEvent, handler string, seed *event.Envelope) *event.Envelope {
	env := event.NewEnvelope(evt, handler)
	if seed != nil && !seed.CreatedAt.IsZero() {
		env.CreatedAt = seed.CreatedAt
	}
	return env
}

// invoke runs a single attempt under the subscription's validator, timeout,
// span and metrics.
func (b *Bus) invoke(ctx context.Context, evt event.DomainEvent, sub *subscription, attempt int) error {
	if sub.validate != nil {
		if err := sub.validate(evt); err != nil {
			var verr *event.HandlerValidationError
			if !errors.As(err, &verr) {
				verr = &event.HandlerValidationError{Event: evt, Err: err}
			}
			verr.Handler = sub.name
			return verr
		}
	}

	ctx, span := b.cfg.Spans.StartHandlerSpan(ctx, sub.name, attempt)
	ctx = withHandlerName(ctx, sub.name)
	elapsed := observability.TimedOperation()
	start := time.Now()

	var err error
	if sub.timeout > 0 {
		err = b.callWithTimeout(ctx, evt, sub)
	} else {
		err = b.call(ctx, evt, sub)
	}

	b.cfg.Metrics.RecordHandlerExecution(ctx, string(evt.Kind()), sub.name, time.Since(start), err)
	b.cfg.Spans.EndSpanWithError(span, err)
	if err == nil {
		observability.LogHandlerComplete(b.log(), evt.ID(), sub.name, elapsed())
	}
	return err
}

// callWithTimeout races the handler against a timer. A handler that loses
// keeps running in its goroutine; its late result is discarded.
func (b *Bus) callWithTimeout(ctx context.Context, evt event.DomainEvent, sub *subscription) error {
	ctx, cancel := context.WithTimeout(ctx, sub.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- b.call(ctx, evt, sub)
	}()

	timer := time.NewTimer(sub.timeout)
	defer timer.Stop()

	timedOut := &event.HandlerTimeoutError{Event: evt, Handler: sub.name, Timeout: sub.timeout}
	select {
	case err := <-result:
		// A handler that gave up because its deadline passed still timed out.
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut
		}
		return err
	case <-timer.C:
		return timedOut
	}
}

// call invokes the handler, turning panics and untyped errors into
// HandlerExecutionError.
func (b *Bus) call(ctx context.Context, evt event.DomainEvent, sub *subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &event.HandlerExecutionError{
				Event:   evt,
				Handler: sub.name,
				Panic:   r,
				Stack:   string(debug.Stack()),
			}
		}
	}()

	err = sub.handler(ctx, evt)
	if err == nil {
		return nil
	}
	return classify(evt, sub.name, err)
}

// classify attaches the handler name to typed handler errors and wraps
// anything else.
func classify(evt event.DomainEvent, handler string, err error) error {
	var (
		execErr *event.HandlerExecutionError
		timeout *event.HandlerTimeoutError
		verr    *event.HandlerValidationError
		idemErr *event.IdempotencyError
	)
	switch {
	case errors.As(err, &verr):
		if verr.Handler == "" {
			verr.Handler = handler
		}
		return err
	case errors.As(err, &idemErr):
		if idemErr.Handler == "" {
			idemErr.Handler = handler
		}
		return err
	case errors.As(err, &execErr), errors.As(err, &timeout):
		return err
	default:
		return &event.HandlerExecutionError{Event: evt, Handler: handler, Err: err}
	}
}
