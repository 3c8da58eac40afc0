package middle

import (
	"net/http"
	"strings"

	"github.com/openbilling/freekassa/infra/response"
)

// GetClientIP extracts the real client IP from the request
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}

// GatewayIPWhitelist restricts a route to the gateway's published notifier
// IPs. An empty whitelist allows all, which keeps local development and
// tests working without configuration.
func GatewayIPWhitelist(whitelist string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, ip := range strings.Split(whitelist, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed[ip] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) > 0 && !allowed[GetClientIP(r)] {
				response.Error(w, http.StatusForbidden, "IP not whitelisted", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
