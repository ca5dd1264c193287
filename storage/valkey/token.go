package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authgate-io/authgate/internal/util"
	"github.com/authgate-io/authgate/storage"
)

// ============================================================
// TokenStore implementation
// ============================================================

// SaveAccessToken stores an access token record. When an encryptor is
// configured the record body is encrypted at rest; access tokens are never
// read by the Lua scripts, so opaque ciphertext is fine here.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}
	if len(token.Token) > MaxTokenLength {
		return fmt.Errorf("access token exceeds maximum length")
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	value := string(data)
	if s.encryptor.IsEnabled() {
		value, err = s.encryptor.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt access token record: %w", err)
		}
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.accessTokenKey(token.Token)).Value(value).
			Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID,
		"ttl", ttl)
	return nil
}

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if len(token) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}

	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.accessTokenKey(token)).Build(),
	).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	if s.encryptor.IsEnabled() {
		data, err = s.encryptor.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token record: %w", err)
		}
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return fromAccessTokenJSON(&j), nil
}

// RevokeAccessToken marks an access token revoked. Revocation is one-way so
// a plain read-modify-write is safe; concurrent revocations converge on the
// same final state.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	record, err := s.GetAccessToken(ctx, token)
	if err != nil {
		return err
	}
	if record.Revoked {
		return nil
	}
	record.Revoked = true

	data, err := json.Marshal(toAccessTokenJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	value := string(data)
	if s.encryptor.IsEnabled() {
		value, err = s.encryptor.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt access token record: %w", err)
		}
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.accessTokenKey(token)).Value(value).
			Keepttl().Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	s.logger.Debug("Revoked access token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	return nil
}

// SaveRefreshToken stores a refresh token record in plaintext JSON. The Lua
// rotation and revocation scripts decode the record server-side, so these
// records cannot be encrypted at rest.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if len(token.Token) > MaxTokenLength {
		return fmt.Errorf("refresh token exceeds maximum length")
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.refreshTokenKey(token.Token)).Value(string(data)).
			Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID,
		"ttl", ttl)
	return nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if len(token) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}

	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.refreshTokenKey(token)).Build(),
	).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return fromRefreshTokenJSON(&j), nil
}

// RevokeRefreshToken marks a refresh token revoked with the given reason.
// An existing reason is preserved so a token rotated out earlier keeps its
// rotated marker when later revoked explicitly.
func (s *Store) RevokeRefreshToken(ctx context.Context, token, reason string) error {
	if len(token) > MaxTokenLength {
		return storage.ErrTokenNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeRefreshToken).
			Numkeys(1).Key(s.refreshTokenKey(token)).
			Arg(reason).Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrTokenNotFound
	}

	s.logger.Debug("Revoked refresh token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength),
		"reason", reason)
	return nil
}

// AtomicRotateRefreshToken validates the old token, marks it rotated, and
// persists the replacement in one server-side Lua step. Only one of N
// concurrent refresh attempts with the same token can win; the rest observe
// the token as already revoked.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, oldToken, clientID string, replacement *storage.RefreshToken) (*storage.RefreshToken, error) {
	if len(oldToken) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}
	if replacement == nil || replacement.Token == "" {
		return nil, fmt.Errorf("invalid replacement refresh token")
	}

	ttl := calculateTTL(replacement.ExpiresAt)
	if ttl <= 0 {
		return nil, fmt.Errorf("replacement refresh token already expired")
	}

	data, err := json.Marshal(toRefreshTokenJSON(replacement))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal replacement refresh token: %w", err)
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	ttlSeconds := strconv.FormatInt(int64(ttl.Seconds())+1, 10)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(2).
			Key(s.refreshTokenKey(oldToken)).
			Key(s.refreshTokenKey(replacement.Token)).
			Arg(now, clientID, string(data), ttlSeconds).Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "EXPIRED":
		return nil, storage.ErrTokenExpired
	case "REVOKED":
		return nil, storage.ErrTokenRevoked
	case "CLIENT_MISMATCH":
		return nil, storage.ErrClientMismatch
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(oldToken, tokenIDLogLength),
		"new_prefix", util.SafeTruncate(replacement.Token, tokenIDLogLength),
		"client_id", clientID)
	return fromRefreshTokenJSON(&j), nil
}
