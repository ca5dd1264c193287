package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/authgate-io/authgate/internal/util"
	"github.com/authgate-io/authgate/storage"
)

// ============================================================
// CodeStore implementation
// ============================================================

// SaveAuthorizationCode stores an authorization code with a TTL derived from
// its expiry. The key expiry includes the clock-skew grace so the Lua script
// decides expiry, not key eviction.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if len(code.Code) > MaxTokenLength {
		return fmt.Errorf("authorization code exceeds maximum length")
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).
			Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID,
		"ttl", ttl)
	return nil
}

// AtomicConsumeAuthorizationCode redeems a code exactly once. The check and
// the consumed mark happen in a single server-side Lua step, so concurrent
// redeemers across replicas cannot both succeed. On replay the already
// consumed record is returned alongside ErrCodeConsumed so callers can audit
// the attempt.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if len(code) > MaxTokenLength {
		return nil, storage.ErrCodeNotFound
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).
			Numkeys(1).Key(s.codeKey(code)).
			Arg(now).Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "CONSUMED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "CONSUMED:")), &j); err != nil {
			return nil, storage.ErrCodeConsumed
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeConsumed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
		"client_id", j.ClientID)
	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes a code record
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.codeKey(code)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
