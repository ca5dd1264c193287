package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders applies the standard response headers for authorization
// server endpoints. OAuth responses carry credentials, so caching is disabled
// outright and framing, sniffing, and referrer leakage are shut off.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// RFC 6749 section 5.1 requires no-store on token responses
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")

	// HSTS applies only when the issuer itself is served over TLS
	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
