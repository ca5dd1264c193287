package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/internal/util"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/signer"
	"github.com/authgate-io/authgate/storage"
)

// Grant type identifiers (RFC 6749)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// Token type hints for revocation (RFC 7009)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// ErrScopeWidening indicates a refresh request asking for scopes beyond the
// original grant
var ErrScopeWidening = errors.New("requested scope exceeds original grant")

// TokenService mints, refreshes, and revokes tokens.
type TokenService struct {
	store   storage.TokenStore
	signer  signer.Signer
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// TokenPair is the result of a successful grant
type TokenPair struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64 // seconds
	RefreshToken string // empty when the grant yields none
	Scope        string
}

// MintForAuthorizationCode issues an access token, plus a refresh token when
// the client's grant policy includes refresh_token, for a redeemed code.
func (s *TokenService) MintForAuthorizationCode(ctx context.Context, client *storage.Client, userID, tenantID, scope string) (*TokenPair, error) {
	withRefresh := false
	for _, g := range client.GrantTypes {
		if g == GrantTypeRefreshToken {
			withRefresh = true
			break
		}
	}

	pair, err := s.mint(ctx, client, userID, tenantID, scope, withRefresh)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued(userID, client.ClientID, tenantID, GrantTypeAuthorizationCode, scope)
	}
	if s.metrics != nil {
		s.metrics.RecordTokensIssued(ctx, client.ClientID, GrantTypeAuthorizationCode, withRefresh)
	}
	return pair, nil
}

// MintForClientCredentials issues an access token for the client itself.
// No user, no refresh token (RFC 6749 section 4.4.3).
func (s *TokenService) MintForClientCredentials(ctx context.Context, client *storage.Client, tenantID, scope string) (*TokenPair, error) {
	pair, err := s.mint(ctx, client, "", tenantID, scope, false)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued("", client.ClientID, tenantID, GrantTypeClientCredentials, scope)
	}
	if s.metrics != nil {
		s.metrics.RecordTokensIssued(ctx, client.ClientID, GrantTypeClientCredentials, false)
	}
	return pair, nil
}

// Refresh exchanges a refresh token for a new token pair. The requested scope
// may narrow the original grant but never widen it; the narrowed scope
// becomes the new access token's scope. With rotation enabled (default) the
// old refresh token is atomically marked rotated in the same store step that
// persists its replacement, so only one of N concurrent refreshes can win.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string, client *storage.Client, requestedScope string) (*TokenPair, error) {
	old, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if old.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	if security.IsExpired(old.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	if old.ClientID != client.ClientID {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(old.UserID, client.ClientID, "", "refresh_token_client_mismatch")
		}
		return nil, storage.ErrClientMismatch
	}

	grantedScope := old.Scope
	if requestedScope != "" {
		if !IsScopeSubset(requestedScope, old.Scope) {
			if s.auditor != nil {
				s.auditor.LogScopeEscalation(old.UserID, client.ClientID, requestedScope, old.Scope)
			}
			if s.metrics != nil {
				s.metrics.RecordScopeEscalation(ctx, client.ClientID)
			}
			return nil, fmt.Errorf("%w: requested %q, granted %q", ErrScopeWidening, requestedScope, old.Scope)
		}
		grantedScope = requestedScope
	}

	now := time.Now()
	accessToken, err := s.mintAccessToken(ctx, client, old.UserID, old.TenantID, grantedScope, now)
	if err != nil {
		return nil, err
	}

	pair := &TokenPair{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scope:        grantedScope,
	}

	if s.config.RotateRefreshTokens {
		// The replacement keeps the original grant's scope so a narrowed
		// access token does not permanently shrink the grant.
		replacement := &storage.RefreshToken{
			Token:     generateRandomToken(),
			ClientID:  client.ClientID,
			UserID:    old.UserID,
			TenantID:  old.TenantID,
			Scope:     old.Scope,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Duration(s.config.RefreshTokenTTL) * time.Second),
		}
		if _, err := s.store.AtomicRotateRefreshToken(ctx, refreshToken, client.ClientID, replacement); err != nil {
			// Lost the rotation race, or the token was revoked between the
			// read above and the atomic step. Either way the grant fails.
			return nil, err
		}
		pair.RefreshToken = replacement.Token

		if s.metrics != nil {
			s.metrics.RecordTokenRotated(ctx, client.ClientID)
		}
		s.logger.Debug("Rotated refresh token",
			"client_id", client.ClientID,
			"old_prefix", util.SafeTruncate(refreshToken, codeLogLength),
			"new_prefix", util.SafeTruncate(replacement.Token, codeLogLength))
	}

	if s.auditor != nil {
		s.auditor.LogTokenRefreshed(old.UserID, client.ClientID, old.TenantID, s.config.RotateRefreshTokens)
	}
	if s.metrics != nil {
		s.metrics.RecordTokensIssued(ctx, client.ClientID, GrantTypeRefreshToken, s.config.RotateRefreshTokens)
	}
	return pair, nil
}

// Revoke disables a token per RFC 7009. The hint orders the lookup; a wrong
// hint means both stores are tried. Tokens bound to a different client are
// left untouched. The return value reports whether a live token was actually
// disabled; callers must answer 200 to the caller regardless.
func (s *TokenService) Revoke(ctx context.Context, token, tokenTypeHint, clientID, ipAddress string) bool {
	var found bool
	var tokenType string

	if tokenTypeHint == TokenTypeHintRefreshToken {
		found, tokenType = s.revokeRefresh(ctx, token, clientID), TokenTypeHintRefreshToken
		if !found {
			found, tokenType = s.revokeAccess(ctx, token, clientID), TokenTypeHintAccessToken
		}
	} else {
		found, tokenType = s.revokeAccess(ctx, token, clientID), TokenTypeHintAccessToken
		if !found {
			found, tokenType = s.revokeRefresh(ctx, token, clientID), TokenTypeHintRefreshToken
		}
	}

	if s.auditor != nil {
		s.auditor.LogTokenRevoked(clientID, ipAddress, tokenType, found)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRevoked(ctx, clientID, tokenType, found)
	}
	return found
}

func (s *TokenService) revokeAccess(ctx context.Context, token, clientID string) bool {
	record, err := s.store.GetAccessToken(ctx, token)
	if err != nil || record.Revoked || record.ClientID != clientID {
		return false
	}
	if err := s.store.RevokeAccessToken(ctx, token); err != nil {
		s.logger.Warn("Failed to revoke access token",
			"token_prefix", util.SafeTruncate(token, codeLogLength),
			"error", err)
		return false
	}
	return true
}

func (s *TokenService) revokeRefresh(ctx context.Context, token, clientID string) bool {
	record, err := s.store.GetRefreshToken(ctx, token)
	if err != nil || record.Revoked || record.ClientID != clientID {
		return false
	}
	if err := s.store.RevokeRefreshToken(ctx, token, storage.RevokedReasonRevoked); err != nil {
		s.logger.Warn("Failed to revoke refresh token",
			"token_prefix", util.SafeTruncate(token, codeLogLength),
			"error", err)
		return false
	}
	return true
}

// mint issues and persists an access token, optionally with a refresh token
func (s *TokenService) mint(ctx context.Context, client *storage.Client, userID, tenantID, scope string, withRefresh bool) (*TokenPair, error) {
	now := time.Now()

	accessToken, err := s.mintAccessToken(ctx, client, userID, tenantID, scope, now)
	if err != nil {
		return nil, err
	}

	pair := &TokenPair{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.config.AccessTokenTTL,
		Scope:       scope,
	}

	if withRefresh {
		refresh := &storage.RefreshToken{
			Token:     generateRandomToken(),
			ClientID:  client.ClientID,
			UserID:    userID,
			TenantID:  tenantID,
			Scope:     scope,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Duration(s.config.RefreshTokenTTL) * time.Second),
		}
		if err := s.store.SaveRefreshToken(ctx, refresh); err != nil {
			return nil, fmt.Errorf("failed to save refresh token: %w", err)
		}
		pair.RefreshToken = refresh.Token
	}

	return pair, nil
}

func (s *TokenService) mintAccessToken(ctx context.Context, client *storage.Client, userID, tenantID, scope string, now time.Time) (string, error) {
	expiresAt := now.Add(time.Duration(s.config.AccessTokenTTL) * time.Second)

	accessToken, err := s.signer.Sign(signer.Claims{
		Subject:   userID,
		ClientID:  client.ClientID,
		TenantID:  tenantID,
		Scope:     scope,
		ExpiresAt: expiresAt,
		IssuedAt:  now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	record := &storage.AccessToken{
		Token:     accessToken,
		ClientID:  client.ClientID,
		UserID:    userID,
		TenantID:  tenantID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.store.SaveAccessToken(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save access token: %w", err)
	}
	return accessToken, nil
}
