package echo

import "context"

type ctxKey struct{}

// WithCurrent binds the Echo a cell entry mutates. The cell loop sets this
// before dispatching tools so control tools that mutate session state act on
// the same container the cell does: a candidate fork when the cell runs as a
// variant, the session otherwise.
func WithCurrent(ctx context.Context, e *Echo) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

// Current returns the Echo bound to ctx, if any.
func Current(ctx context.Context) (*Echo, bool) {
	e, ok := ctx.Value(ctxKey{}).(*Echo)
	return e, ok
}
