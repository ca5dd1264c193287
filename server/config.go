package server

import (
	"log/slog"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// LoginURL is where unauthenticated authorization requests are redirected.
	// The original request URL is carried in the return_url query parameter.
	LoginURL string

	// DefaultTenant is the tenant used when a request names none
	// Default: "default"
	DefaultTenant string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 120 (2 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// RotateRefreshTokens enables refresh token rotation (OAuth 2.1)
	// Default: true (secure by default)
	RotateRefreshTokens bool // default: true

	// RequirePKCEForPublicClients makes code_challenge mandatory on
	// authorization requests from public clients
	// WARNING: Disabling this exposes public clients to code interception
	// Default: true
	RequirePKCEForPublicClients bool // default: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// When false, only S256 is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool // default: false

	// RequireRevocationClientAuth requires confidential clients to
	// authenticate on /revoke (RFC 7009 section 2.1). Public clients always
	// pass with client_id alone.
	// Default: true
	RequireRevocationClientAuth bool // default: true

	// SupportedScopes lists the scopes clients may be granted
	// If empty, any scope registered on a client is allowed
	SupportedScopes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP from
	// X-Forwarded-For as ips[len(ips) - TrustedProxyCount - 1]
	// Default: 1
	TrustedProxyCount int // default: 1

	// AllowInsecureHTTP permits a non-localhost http:// issuer
	// WARNING: OAuth over HTTP exposes codes and tokens to interception
	// Default: false
	AllowInsecureHTTP bool // default: false
}

// applySecureDefaults applies secure-by-default configuration values.
// Principle: secure by default, opt-in for less secure options.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 120 // 2 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.DefaultTenant == "" {
		config.DefaultTenant = "default"
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// Uses a heuristic to detect if config is new (all security bools false) vs
// explicitly configured.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	// Heuristic: if all security bools are false, it's likely a fresh config
	isDefaultConfig := !config.RotateRefreshTokens &&
		!config.RequirePKCEForPublicClients &&
		!config.RequireRevocationClientAuth &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy

	if isDefaultConfig {
		config.RotateRefreshTokens = true
		config.RequirePKCEForPublicClients = true
		config.RequireRevocationClientAuth = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		return
	}

	// User has explicitly configured security - log warnings for insecure settings
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCEForPublicClients {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is not required for public clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCEForPublicClients=true for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-1")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if !config.RotateRefreshTokens {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens remain valid until expiry",
			"recommendation", "Set RotateRefreshTokens=true for OAuth 2.1 compliance")
	}
	if !config.RequireRevocationClientAuth {
		logger.Warn("⚠️  SECURITY WARNING: Revocation client authentication is DISABLED",
			"risk", "Third parties can revoke tokens they observe",
			"recommendation", "Set RequireRevocationClientAuth=true per RFC 7009 section 2.1")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
