package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// withTrigger marks runs started by r as API runs from the client IP.
func withTrigger(ctx context.Context, r *http.Request) context.Context {
	return core.ContextWithTrigger(ctx, "api:"+clientIP(r))
}

// clientIP returns the host part of RemoteAddr, already rewritten by
// TrustedRealIP for trusted proxies.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
