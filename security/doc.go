// Package security provides cross-cutting security features for the
// authorization server: audit logging with PII hashing, expiry checks with
// clock-skew tolerance, per-identifier rate limiting, request ID propagation,
// client IP extraction, response security headers, and AES-256-GCM encryption
// of records at rest.
package security
