// Package storage provides interfaces and data types for OAuth client, code,
// and token persistence.
//
// The storage package defines the core storage interfaces used throughout the
// authgate library:
//   - ClientStore: registered OAuth clients and their policy
//   - CodeStore: single-use authorization codes
//   - TokenStore: access and refresh token records
//
// The security-critical operations, AtomicConsumeAuthorizationCode and
// AtomicRotateRefreshToken, are compare-and-set primitives: implementations
// must guarantee that exactly one of N concurrent callers succeeds, using the
// backing store's own atomicity (a write lock in memory, Lua scripts in
// Valkey) rather than in-process coordination, so that horizontally scaled
// deployments stay correct.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
