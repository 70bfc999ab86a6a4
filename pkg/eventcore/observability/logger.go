// Package observability provides structured logging, metrics, and tracing
// helpers for eventcore.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every Log* helper accepts a nil logger.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds dispatch context to a logger.
// Returns a new logger with event_id, event_type, handler, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, evt.ID(), "team.created", "audit", 1)
//	enriched.Info("doing work") // includes event_id, event_type, handler, attempt
func EnrichLogger(logger *slog.Logger, eventID, kind, handler string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", kind),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
	)
}

// LogPublish logs an accepted event.
func LogPublish(logger *slog.Logger, eventID, kind string, subscribers int) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", kind),
		slog.Int("subscribers", subscribers),
	)
}

// LogHandlerComplete logs a successful handler invocation.
func LogHandlerComplete(logger *slog.Logger, eventID, handler string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("handler completed",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerFailure logs one failed attempt. willRetry distinguishes a
// scheduled retry from a terminal failure.
func LogHandlerFailure(logger *slog.Logger, eventID, kind, handler string, attempt int, err error, willRetry bool) {
	if logger == nil {
		return
	}
	level := slog.LevelWarn
	if !willRetry {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "handler failed",
		slog.String("event_id", eventID),
		slog.String("event_type", kind),
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
		slog.String("error", errString(err)),
		slog.Bool("will_retry", willRetry),
	)
}

// LogDeadLetter logs an envelope entering the dead-letter queue.
func LogDeadLetter(logger *slog.Logger, eventID, kind, handler string, retryCount int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", kind),
		slog.String("handler", handler),
		slog.Int("retry_count", retryCount),
		slog.String("error", errString(err)),
	)
}

// LogObserverDrop logs an event dropped because an observer's buffer was full.
func LogObserverDrop(logger *slog.Logger, eventID, kind string) {
	if logger == nil {
		return
	}
	logger.Warn("observer buffer full, event dropped",
		slog.String("event_id", eventID),
		slog.String("event_type", kind),
	)
}

// LogHotTierEviction logs an audit event pushed out of the hot tier.
func LogHotTierEviction(logger *slog.Logger, evictedID, tenantID string) {
	if logger == nil {
		return
	}
	logger.Debug("hot tier evicted oldest event",
		slog.String("audit_id", evictedID),
		slog.String("tenant_id", tenantID),
	)
}

// LogStoreError logs a failed event store operation (non-fatal to dispatch).
func LogStoreError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event store failed",
		slog.String("operation", op),
		slog.String("error", errString(err)),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
