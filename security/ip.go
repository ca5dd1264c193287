package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address from the request.
//
// When trustProxy is false the connection's remote address is used, which is
// the safe default: X-Forwarded-For is attacker-controlled unless a trusted
// reverse proxy strips it. When trustProxy is true, trustedProxyCount tells
// us how many rightmost entries of X-Forwarded-For were appended by proxies
// we control, and the entry immediately before them is the client.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port (some test setups)
		return r.RemoteAddr
	}
	return host
}

// clientIPFromXFF picks the client entry out of an X-Forwarded-For header.
// Format is "client, proxy1, proxy2" with each hop appending itself; the
// client is the entry just left of the trusted proxies.
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
