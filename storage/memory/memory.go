// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments. Atomicity is provided by a write lock around each
// check-and-set, so the single-use and rotation guarantees hold under
// concurrent requests within the process.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/internal/util"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/storage"
)

const (
	// tokenIDLogLength is the number of leading characters of a code or
	// token that may appear in logs
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client            // tenantID/clientID -> client
	codes         map[string]*storage.AuthorizationCode // code -> record
	accessTokens  map[string]*storage.AccessToken       // token -> record
	refreshTokens map[string]*storage.RefreshToken      // token -> record

	inst *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// The cleanup pass is storage hygiene only; expiry is always enforced lazily
// at validation time, so correctness does not depend on the interval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the structured logger used by the store
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation and registers
// storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	s.inst = inst
	return inst.RegisterStorageSizeCallbacks(
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.clients)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.codes)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.accessTokens)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.refreshTokens)) },
	)
}

// Stop terminates the background cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

func (s *Store) recordOp(ctx context.Context, op, result string, start time.Time) {
	if s.inst == nil {
		return
	}
	s.inst.Metrics().RecordStorageOperation(ctx, op, result, float64(time.Since(start).Microseconds())/1000.0)
}

func clientKey(tenantID, clientID string) string {
	return tenantID + "/" + clientID
}

// ==================== ClientStore ====================

// SaveClient persists a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *client
	s.clients[clientKey(client.TenantID, client.ClientID)] = &clone

	s.logger.Debug("Saved client",
		"client_id", client.ClientID,
		"tenant_id", client.TenantID,
		"client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by tenant and client ID
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientKey(tenantID, clientID)]
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	// Return a copy so callers cannot mutate the stored record
	clone := *client
	return &clone, nil
}

// UpdateClientLastUsed records the last successful token issuance time
func (s *Store) UpdateClientLastUsed(ctx context.Context, tenantID, clientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientKey(tenantID, clientID)]
	if !ok {
		return storage.ErrClientNotFound
	}
	client.LastUsedAt = at
	return nil
}

// ListClients lists all registered clients for a tenant
func (s *Store) ListClients(ctx context.Context, tenantID string) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clients []*storage.Client
	for _, client := range s.clients {
		if client.TenantID == tenantID {
			clone := *client
			clients = append(clients, &clone)
		}
	}
	return clients, nil
}

// ==================== CodeStore ====================

// SaveAuthorizationCode persists an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	start := time.Now()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *code
	s.codes[code.Code] = &clone
	s.recordOp(ctx, "save_code", "ok", start)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is live and
// marks it consumed. Exactly one of N concurrent callers succeeds.
//
// The write lock makes the check-and-set atomic: once a goroutine observes
// Consumed=false and flips it, every later caller sees Consumed=true.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		s.recordOp(ctx, "consume_code", "not_found", start)
		return nil, storage.ErrCodeNotFound
	}

	if security.IsExpired(record.ExpiresAt) {
		s.recordOp(ctx, "consume_code", "expired", start)
		return nil, fmt.Errorf("%w: expired at %s", storage.ErrCodeExpired, record.ExpiresAt.Format(time.RFC3339))
	}

	if record.Consumed {
		s.recordOp(ctx, "consume_code", "already_consumed", start)
		// Return a copy so the caller can audit the replay without being
		// able to mutate the stored record
		clone := *record
		return &clone, storage.ErrCodeConsumed
	}

	record.Consumed = true
	s.recordOp(ctx, "consume_code", "ok", start)

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	clone := *record
	return &clone, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	return nil
}

// ==================== TokenStore ====================

// SaveAccessToken persists an access token record
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	start := time.Now()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.accessTokens[token.Token] = &clone
	s.recordOp(ctx, "save_access_token", "ok", start)
	return nil
}

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	clone := *record
	return &clone, nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.accessTokens[token]
	if !ok {
		s.recordOp(ctx, "revoke_access_token", "not_found", start)
		return storage.ErrTokenNotFound
	}

	record.Revoked = true
	s.recordOp(ctx, "revoke_access_token", "ok", start)
	return nil
}

// SaveRefreshToken persists a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	start := time.Now()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.refreshTokens[token.Token] = &clone
	s.recordOp(ctx, "save_refresh_token", "ok", start)
	return nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	clone := *record
	return &clone, nil
}

// RevokeRefreshToken marks a refresh token revoked with the given reason
func (s *Store) RevokeRefreshToken(ctx context.Context, token, reason string) error {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		s.recordOp(ctx, "revoke_refresh_token", "not_found", start)
		return storage.ErrTokenNotFound
	}

	if !record.Revoked {
		record.Revoked = true
		record.RevokedReason = reason
	}
	s.recordOp(ctx, "revoke_refresh_token", "ok", start)
	return nil
}

// AtomicRotateRefreshToken atomically validates and rotates out the old
// refresh token while persisting its replacement. Exactly one of N
// concurrent callers succeeds; losers observe the rotated-out state.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, oldToken, clientID string, replacement *storage.RefreshToken) (*storage.RefreshToken, error) {
	start := time.Now()

	if replacement == nil || replacement.Token == "" {
		return nil, fmt.Errorf("invalid replacement refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[oldToken]
	if !ok {
		s.recordOp(ctx, "rotate_refresh_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	}

	if record.Revoked {
		s.recordOp(ctx, "rotate_refresh_token", "revoked", start)
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenRevoked, record.RevokedReason)
	}

	if security.IsExpired(record.ExpiresAt) {
		s.recordOp(ctx, "rotate_refresh_token", "expired", start)
		return nil, storage.ErrTokenExpired
	}

	// Binding check happens inside the lock: a mismatched client must not
	// consume the token.
	if record.ClientID != clientID {
		s.recordOp(ctx, "rotate_refresh_token", "client_mismatch", start)
		return nil, storage.ErrClientMismatch
	}

	// Rotate out the old token and persist the new one in the same
	// critical section; there is no window in which both are usable
	// or neither exists.
	record.Revoked = true
	record.RevokedReason = storage.RevokedReasonRotated

	clone := *replacement
	s.refreshTokens[replacement.Token] = &clone

	s.recordOp(ctx, "rotate_refresh_token", "ok", start)
	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(oldToken, tokenIDLogLength),
		"new_prefix", util.SafeTruncate(replacement.Token, tokenIDLogLength))

	old := *record
	return &old, nil
}

// ==================== Cleanup ====================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired reaps expired codes and tokens. Correctness never depends
// on this: every read path re-checks expiry.
func (s *Store) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for code, record := range s.codes {
		if security.IsExpired(record.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for token, record := range s.accessTokens {
		if security.IsExpired(record.ExpiresAt) {
			delete(s.accessTokens, token)
			removed++
		}
	}
	for token, record := range s.refreshTokens {
		if security.IsExpired(record.ExpiresAt) {
			delete(s.refreshTokens, token)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
}
