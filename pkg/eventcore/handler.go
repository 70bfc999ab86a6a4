package eventcore

import (
	"context"
	"reflect"
	"runtime"
	"strings"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Handler processes one event. A returned error or a panic counts as a
// failed attempt and is retried per the subscription's policy.
type Handler func(ctx context.Context, evt event.DomainEvent) error

// Middleware wraps handlers to add cross-cutting concerns.
type Middleware func(next Handler) Handler

// Chain applies middleware in order, with the first middleware outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// TypedHandler adapts a handler that wants a decoded payload. A payload
// that does not convert to T fails validation and is not retried.
func TypedHandler[T any](fn func(ctx context.Context, evt event.DomainEvent, payload T) error) Handler {
	return func(ctx context.Context, evt event.DomainEvent) error {
		payload, err := event.PayloadAs[T](evt)
		if err != nil {
			return err
		}
		return fn(ctx, evt, payload)
	}
}

type handlerNameKey struct{}

// HandlerName returns the name of the subscription whose handler is
// running in ctx.
func HandlerName(ctx context.Context) string {
	name, _ := ctx.Value(handlerNameKey{}).(string)
	return name
}

func withHandlerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, handlerNameKey{}, name)
}

// funcPointer identifies a handler for Off. Closures built from the same
// function literal share a pointer.
func funcPointer(h Handler) uintptr {
	if h == nil {
		return 0
	}
	return reflect.ValueOf(h).Pointer()
}

// funcName derives a readable default subscription name.
func funcName(h Handler) string {
	fn := runtime.FuncForPC(funcPointer(h))
	if fn == nil {
		return "handler"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
