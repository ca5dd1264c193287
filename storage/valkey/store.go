package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authgate:"

	// tokenIDLogLength is the number of characters to include when logging
	// codes and tokens
	tokenIDLogLength = 8

	// connectionVerifyTimeout bounds the initial PING
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength caps token and code key lengths to prevent abuse via
	// oversized requests
	MaxTokenLength = 512
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authgate:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default())
	Logger *slog.Logger

	// Encryptor optionally encrypts access token records at rest
	Encryptor *security.Encryptor
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	encryptor *security.Encryptor
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a Valkey-backed storage instance and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		TLSConfig:   cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Address, err)
	}

	logger.Info("Connected to valkey storage", "address", cfg.Address, "prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		encryptor: cfg.Encryptor,
	}, nil
}

// Close releases the underlying connection
func (s *Store) Close() {
	s.client.Close()
}

// ============================================================
// Key builders
// ============================================================

func (s *Store) clientKey(tenantID, clientID string) string {
	return fmt.Sprintf("%sclient:%s:%s", s.prefix, tenantID, clientID)
}

func (s *Store) clientIndexKey(tenantID string) string {
	return fmt.Sprintf("%sclients:%s", s.prefix, tenantID)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%sat:%s", s.prefix, token)
}

func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srt:%s", s.prefix, token)
}

// calculateTTL converts an absolute expiry into a relative TTL, keeping the
// clock-skew grace so the lazy expiry check fires before the key vanishes.
func calculateTTL(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	return time.Until(expiresAt.Add(security.DefaultClockSkewGracePeriod))
}

// ============================================================
// Lua scripts for atomic operations
// ============================================================
//
// Each EVAL runs atomically on the server, which is what makes these
// check-and-set operations safe across horizontally scaled replicas.

// luaConsumeCode atomically checks an authorization code and marks it
// consumed in the same server-side step.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the record JSON (pre-consumption) on success
//   - "NOT_FOUND" when the key does not exist
//   - "EXPIRED" when the record is past expires_at
//   - "CONSUMED:<json>" when the code was already redeemed (record returned
//     so the caller can audit the replay)
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if record.consumed then
    return 'CONSUMED:' .. data
end

record.consumed = true
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')

return data
`

// luaRotateRefreshToken atomically validates the old refresh token, marks it
// rotated, and persists the replacement.
//
// KEYS[1] = old refresh token key
// KEYS[2] = replacement refresh token key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = expected client_id binding
// ARGV[3] = replacement record JSON
// ARGV[4] = replacement TTL in seconds
//
// Returns:
//   - the old record JSON (pre-rotation) on success
//   - "NOT_FOUND", "EXPIRED", "REVOKED", or "CLIENT_MISMATCH" otherwise
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

if record.revoked then
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if record.client_id ~= ARGV[2] then
    return 'CLIENT_MISMATCH'
end

record.revoked = true
record.revoked_reason = 'rotated'
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])

return data
`

// luaRevokeRefreshToken atomically marks a refresh token revoked, preserving
// an existing revocation reason (a rotated-out token stays rotated).
//
// KEYS[1] = refresh token key
// ARGV[1] = revocation reason
//
// Returns "OK" or "NOT_FOUND".
const luaRevokeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)
if not record.revoked then
    record.revoked = true
    record.revoked_reason = ARGV[1]
    redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
end

return 'OK'
`
