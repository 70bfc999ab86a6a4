package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

// ErrInvalidEnvelope indicates an envelope without an event.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// HandlerExecutionError reports that a handler returned an error or panicked.
type HandlerExecutionError struct {
	Event   DomainEvent
	Handler string
	Err     error

	// Panic is the recovered value when the handler panicked.
	Panic any
	// Stack is the stack trace captured at the panic.
	Stack string
}

// Error implements the error interface.
func (e *HandlerExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %s panicked on event %s: %v", e.Handler, e.Event.ID(), e.Panic)
	}
	return fmt.Sprintf("handler %s failed on event %s: %v", e.Handler, e.Event.ID(), e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerExecutionError) Unwrap() error {
	return e.Err
}

// Category defers to the wrapped error; panics are retryable.
func (e *HandlerExecutionError) Category() ecerrors.Category {
	if e.Err == nil {
		return ecerrors.CategoryTransient
	}
	return ecerrors.Categorize(e.Err)
}

// HandlerTimeoutError reports that a handler exceeded its execution window.
type HandlerTimeoutError struct {
	Event   DomainEvent
	Handler string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %s on event %s", e.Handler, e.Timeout, e.Event.ID())
}

// Category marks timeouts as retryable.
func (e *HandlerTimeoutError) Category() ecerrors.Category {
	return ecerrors.CategoryTransient
}

// HandlerValidationError reports that the payload failed handler-declared validation.
type HandlerValidationError struct {
	Event   DomainEvent
	Handler string
	Field   string
	Err     error
}

// Error implements the error interface.
func (e *HandlerValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("handler %s rejected event %s: field %s: %v", e.Handler, e.Event.ID(), e.Field, e.Err)
	}
	return fmt.Sprintf("handler %s rejected event %s: %v", e.Handler, e.Event.ID(), e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerValidationError) Unwrap() error {
	return e.Err
}

// Category marks validation failures as permanent.
func (e *HandlerValidationError) Category() ecerrors.Category {
	return ecerrors.CategoryPermanent
}

// IdempotencyError reports that a handler-declared idempotency check failed,
// usually because the event was already processed.
type IdempotencyError struct {
	Event   DomainEvent
	Handler string
	Key     string
}

// Error implements the error interface.
func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("handler %s already processed key %q (event %s)", e.Handler, e.Key, e.Event.ID())
}

// Category marks idempotency violations as permanent.
func (e *IdempotencyError) Category() ecerrors.Category {
	return ecerrors.CategoryPermanent
}

// HandlerNotFoundError reports a lookup miss when addressing a handler by name.
type HandlerNotFoundError struct {
	Kind    Kind
	Handler string
}

// Error implements the error interface.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler named %q subscribed to %s", e.Handler, e.Kind)
}

// RetryExhaustedError carries every attempt's error once a handler has used
// up its retry policy.
type RetryExhaustedError struct {
	Event    DomainEvent
	Handler  string
	Attempts []error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "handler %s exhausted %d attempts on event %s", e.Handler, len(e.Attempts), e.Event.ID())
	if n := len(e.Attempts); n > 0 {
		fmt.Fprintf(&b, ": %v", e.Attempts[n-1])
	}
	return b.String()
}

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *RetryExhaustedError) Unwrap() []error {
	return e.Attempts
}

// Category marks exhaustion as terminal.
func (e *RetryExhaustedError) Category() ecerrors.Category {
	return ecerrors.CategoryPermanent
}
