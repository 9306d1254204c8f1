package engine

import "context"

type contextKey string

const depthKey contextKey = "agent_depth"

// WithDepth returns a context carrying the agent nesting depth. The root
// runner runs at depth 0; each sub-agent spawn adds one.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// DepthFromContext returns the agent nesting depth, 0 if unset.
func DepthFromContext(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey).(int); ok {
		return d
	}
	return 0
}
