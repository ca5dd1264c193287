// Package signer defines the token-signing capability consumed by the token
// service. The core bookkeeping (scope, expiry, revocation) is independent of
// token encoding: Opaque issues random store-backed strings, JWT issues
// self-contained signed tokens. Both are revoked and expired through the same
// storage records.
package signer

import (
	"time"

	"golang.org/x/oauth2"
)

// Claims is the minimal claim set bound into an access token
type Claims struct {
	Subject   string // user ID, empty for client_credentials
	ClientID  string
	TenantID  string
	Scope     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	TokenID   string // unique per token, random when empty
}

// Signer mints access token strings from claims. Implementations must be
// safe for concurrent use.
type Signer interface {
	// Sign produces the access token string for the given claims
	Sign(claims Claims) (string, error)
}

// Opaque issues unguessable random token strings with no embedded claims.
// Resource servers resolve them against the token store.
type Opaque struct{}

// NewOpaque creates the default opaque signer
func NewOpaque() *Opaque {
	return &Opaque{}
}

// Sign returns a cryptographically random token string. GenerateVerifier
// yields 256 bits of entropy in the unreserved character set.
func (*Opaque) Sign(Claims) (string, error) {
	return oauth2.GenerateVerifier(), nil
}
