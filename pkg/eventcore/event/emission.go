package event

import "context"

// EmissionContext identifies who is emitting events and on whose behalf.
// It is stamped onto every event published with it.
type EmissionContext struct {
	ContextID string
	ActorID   string
}

// IsZero reports whether no emission fields are set.
func (ec EmissionContext) IsZero() bool {
	return ec.ContextID == "" && ec.ActorID == ""
}

type emissionKey struct{}

// WithEmissionContext returns a context carrying ec. Values set here take
// precedence over a bus's default emission context.
func WithEmissionContext(ctx context.Context, ec EmissionContext) context.Context {
	return context.WithValue(ctx, emissionKey{}, ec)
}

// EmissionFrom extracts the emission context from ctx.
func EmissionFrom(ctx context.Context) (EmissionContext, bool) {
	if ctx == nil {
		return EmissionContext{}, false
	}
	ec, ok := ctx.Value(emissionKey{}).(EmissionContext)
	return ec, ok
}
