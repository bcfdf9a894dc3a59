// Package runcontext carries run identity through context values so
// handlers and their helpers can tag logs without plumbing ids.
package runcontext

import "context"

type contextKey string

const (
	taskIDKey    contextKey = "task_id"
	contextIDKey contextKey = "context_id"
)

func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey, taskID)
}

func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(taskIDKey).(string); ok {
		return val
	}
	return ""
}

func WithContextID(ctx context.Context, contextID string) context.Context {
	if contextID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextIDKey, contextID)
}

func ContextIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(contextIDKey).(string); ok {
		return val
	}
	return ""
}
