package core

import "context"

type contextKey string

const (
	ctxKeyTrigger   contextKey = "audit_trigger"
	ctxKeyIPAddress contextKey = "audit_ip"
)

// ContextWithTrigger records who emitted the due signal for audit logging.
func ContextWithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, ctxKeyTrigger, trigger)
}

// ContextWithIPAddress adds the caller's IP address to context for audit logging.
func ContextWithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyIPAddress, ip)
}

// TriggerFromContext extracts the trigger from context.
func TriggerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTrigger).(string); ok {
		return v
	}
	return ""
}

// IPAddressFromContext extracts the IP address from context.
func IPAddressFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyIPAddress).(string); ok {
		return v
	}
	return ""
}
