package telephony

import (
	"context"
)

// clientIPKey is an unexported context key for passing the webhook source IP
// through internal layers.
type clientIPKey struct{}

// WithClientIP attaches the resolved client IP. Gin handlers should use
// c.ClientIP() so trusted-proxy settings apply.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	v := ctx.Value(clientIPKey{})
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
