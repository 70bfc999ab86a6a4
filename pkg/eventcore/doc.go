// Package eventcore is an in-process event bus with a durable event log, a
// dead-letter queue, and a tenant-scoped hot tier for audit records.
//
// # Overview
//
//   - Bus: publish/subscribe with per-handler retry, timeout and priority
//   - store: append-only event log (memory or SQLite) written before dispatch
//   - dlq: envelopes whose handler gave up, with retry and export
//   - hottier: bounded audit store queried per tenant
//   - archive: forwards archive candidates and dead letters over watermill
//
// # Publishing
//
//	bus := eventcore.NewBus(eventcore.DefaultBusConfig,
//	    eventcore.WithLogger(logger),
//	    eventcore.WithMetrics(observability.NewMetricsRecorder()),
//	)
//	bus.Initialize("tenant-1", "user-7")
//
//	evt, err := bus.Publish(ctx, "team.created", "team", teamID, payload)
//
// Publish returns once the event is stored and dispatch is scheduled. It
// fails only for a disposed bus, an invalid event, or a store error; handler
// failures are never returned to the publisher. PublishAndWait also waits
// for every handler to finish.
//
// The emission context (context ID and actor ID) stamped on an event comes
// from, in order: the event itself, event.WithEmissionContext on ctx, and
// the bus default set by Initialize.
//
// # Subscribing
//
//	unsub := bus.Subscribe("team.created", func(ctx context.Context, evt event.DomainEvent) error {
//	    return sendWelcome(ctx, evt.AggregateID())
//	},
//	    eventcore.WithName("welcome"),
//	    eventcore.WithRetryPolicy(ecerrors.RetryPolicy{MaxAttempts: 5}),
//	    eventcore.WithTimeout(5*time.Second),
//	)
//	defer unsub()
//
// Each matching subscription handles an event in its own goroutine, so a
// failing or slow handler does not affect the others. Subscriptions with a
// higher WithPriority finish, retries included, before lower ones start.
//
// # Failures
//
// A handler error, panic or timeout is a failed attempt. Transient failures
// are retried with backoff until the policy's MaxAttempts; permanent ones
// (HandlerValidationError, IdempotencyError, or any error categorized as
// permanent) stop at once. Either way the envelope then goes to the
// dead-letter queue. OnFailure observes every failed attempt.
//
//	proc := eventcore.NewProcessor(bus, eventcore.ProcessorConfig{Interval: time.Minute})
//	proc.Start(ctx)
//	defer proc.Stop()
//
// # Observing
//
// Observe and ObserveAll return iterators over events published after
// ranging begins:
//
//	for evt := range bus.ObserveAll(ctx) {
//	    fmt.Println(evt.Kind())
//	}
//
// An observer that falls behind loses events instead of blocking publishers.
package eventcore
