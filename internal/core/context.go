package core

import "context"

type contextKey string

const ContextKeyClientIP contextKey = "client_ip"

// WithClientIP records the caller address for audit rows.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ContextKeyClientIP, ip)
}

func ClientIPFrom(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}
