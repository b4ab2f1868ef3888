package wrapper

import (
	"net"
	"net/http"
	"strings"
)

// RemoteIPer is implemented by argument types that know their caller's
// address.
type RemoteIPer interface {
	RemoteIP() string
}

// clientIP returns the caller address carried by arg, or "" when it has none.
func clientIP(arg any) string {
	switch v := arg.(type) {
	case *http.Request:
		if v == nil {
			return ""
		}
		return RequestIP(v)
	case RemoteIPer:
		return strings.TrimSpace(v.RemoteIP())
	default:
		return ""
	}
}

// RequestIP returns the caller address of r: the first X-Forwarded-For hop,
// then X-Real-IP, then the host part of RemoteAddr.
func RequestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requestSummary stands in for an *http.Request argument, which has no JSON
// form of its own.
func requestSummary(r *http.Request) map[string]any {
	out := map[string]any{"method": r.Method}
	if r.URL != nil {
		out["path"] = r.URL.Path
	}
	return out
}
