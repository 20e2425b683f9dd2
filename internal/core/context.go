package core

import "context"

type contextKey string

const ctxKeyTrigger contextKey = "sync_trigger"

// ContextWithTrigger records what started a run (for example "schedule" or
// "api:10.0.0.4"). Runs started from the CLI carry no trigger.
func ContextWithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, ctxKeyTrigger, trigger)
}

// TriggerFromContext returns the trigger stored by ContextWithTrigger.
func TriggerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTrigger).(string); ok {
		return v
	}
	return ""
}
