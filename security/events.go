package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the codebase and greppable in log pipelines.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access token (and optionally a
	// refresh token) is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed for a new pair
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked via the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// Authorization flow events

	// EventCodeIssued is logged when an authorization code is issued
	EventCodeIssued = "authorization_code_issued"

	// EventCodeReplay is logged when redemption of an already-consumed code
	// is attempted; a strong indicator of a captured or double-submitted code
	EventCodeReplay = "authorization_code_replay"

	// Violation events

	// EventAuthFailure is logged when client or grant validation fails
	EventAuthFailure = "auth_failure"

	// EventPKCEFailure is logged when a code_verifier does not match the
	// recorded challenge
	EventPKCEFailure = "pkce_validation_failed"

	// EventScopeEscalation is logged when a client requests scopes outside
	// its policy or outside the original grant on refresh
	EventScopeEscalation = "scope_escalation_attempt"

	// EventRedirectMismatch is logged when a redirect URI fails exact-match
	// validation at issuance or redemption
	EventRedirectMismatch = "redirect_uri_mismatch"

	// EventRateLimitExceeded is logged when a request is dropped by the rate limiter
	EventRateLimitExceeded = "rate_limit_exceeded"
)
