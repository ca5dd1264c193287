package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers use errors.Is
// to distinguish conditions internally; none of these strings are ever sent
// to OAuth clients.
var (
	// ErrClientNotFound is returned when a client ID is not registered for the tenant
	ErrClientNotFound = errors.New("client not found")

	// ErrCodeNotFound is returned when an authorization code does not exist
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed is returned when an authorization code was already redeemed
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrCodeExpired is returned when an authorization code is past its TTL
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound is returned when an access or refresh token does not exist
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenRevoked is returned when a token was revoked or rotated out
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenExpired is returned when a token is past its TTL
	ErrTokenExpired = errors.New("token expired")

	// ErrClientMismatch is returned when a token is bound to a different client
	ErrClientMismatch = errors.New("token bound to different client")
)

// Client type values
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client status values
const (
	ClientStatusActive    = "active"
	ClientStatusSuspended = "suspended"
)

// Refresh token revocation reasons. Rotated is functionally identical to
// revoked but recorded separately for audit.
const (
	RevokedReasonRevoked = "revoked"
	RevokedReasonRotated = "rotated"
)

// ClientStore defines the interface for registered OAuth client persistence.
// Clients are mutated only through administrative paths; the OAuth flows
// treat them as read-only apart from the last-used timestamp.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by tenant and client ID
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)

	// UpdateClientLastUsed records the last successful token issuance time.
	// Best-effort telemetry; failures must not fail the grant.
	UpdateClientLastUsed(ctx context.Context, tenantID, clientID string, at time.Time) error

	// ListClients lists all registered clients for a tenant (admin use)
	ListClients(ctx context.Context, tenantID string) ([]*Client, error)
}

// CodeStore defines the interface for authorization code persistence.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode persists an issued authorization code with TTL
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicConsumeAuthorizationCode atomically checks that a code exists, is
	// not expired and not yet consumed, and marks it consumed in the same
	// operation. Exactly one of N concurrent callers succeeds; all others get
	// ErrCodeConsumed (or ErrCodeNotFound / ErrCodeExpired).
	//
	// SECURITY: this MUST be a compare-and-set against the store, never a
	// read-then-write pair. It is the single hard concurrency requirement of
	// the whole subsystem.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for access and refresh token persistence.
// Revocation is logical (revoked=true); expired entries may linger until a
// reaper removes them.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken persists an access token record
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token record by its opaque value
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken marks an access token revoked. Returns
	// ErrTokenNotFound if the token does not exist; revoking an
	// already-revoked token is not an error.
	RevokeAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken persists a refresh token record
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record by its opaque value
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken marks a refresh token revoked with the given reason
	RevokeRefreshToken(ctx context.Context, token, reason string) error

	// AtomicRotateRefreshToken atomically validates the old refresh token
	// (exists, not revoked, not expired, bound to clientID), marks it
	// rotated, and persists the replacement in the same operation. Returns
	// the old record on success so the caller can mint from its grant.
	//
	// SECURITY: the old token is invalidated in the same atomic step the new
	// one is created, closing the replay window. Exactly one of N concurrent
	// callers succeeds.
	AtomicRotateRefreshToken(ctx context.Context, oldToken, clientID string, replacement *RefreshToken) (*RefreshToken, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID     string
	TenantID     string
	SecretHash   string // bcrypt hash, present iff confidential
	ClientType   string // "public" or "confidential"
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
	Status       string // "active" or "suspended"
	Name         string
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// IsConfidential reports whether the client can hold a secret
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// IsActive reports whether the client may participate in flows
func (c *Client) IsActive() bool {
	return c.Status == ClientStatusActive
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
// Matching is exact string equality, never prefix or normalized comparison.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode represents an issued, single-use authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	TenantID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string // "plain" or "S256", empty when no PKCE
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// AccessToken represents an issued access token record.
// The Token value is opaque to the store; when a signer is configured it is a
// self-contained signed token, otherwise a random string. Bookkeeping is
// identical either way.
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string // empty for client_credentials grants
	TenantID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RefreshToken represents an issued refresh token record
type RefreshToken struct {
	Token         string
	ClientID      string
	UserID        string
	TenantID      string
	Scope         string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedReason string // "revoked" or "rotated" when Revoked is true
}
