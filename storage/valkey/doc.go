// Package valkey provides a Valkey/Redis-compatible implementation of all
// storage interfaces, suitable for horizontally scaled production
// deployments where in-process locks cannot provide the single-use and
// rotation guarantees.
//
// The security-critical operations (consuming an authorization code,
// rotating a refresh token) are implemented as Lua scripts executed via
// EVAL: the server runs each script atomically, so exactly one of N
// concurrent callers succeeds regardless of how many application replicas
// are serving requests.
//
// Records are stored as JSON with native TTLs matching the record expiry,
// so the server itself reaps expired data; lazy expiry checks remain in
// place as a second line against clock differences. Access token records
// can additionally be encrypted at rest with security.Encryptor; records
// read by the Lua scripts stay plaintext because the scripts must inspect
// their fields server-side.
package valkey
