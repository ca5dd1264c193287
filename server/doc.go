// Package server implements the core authorization server services:
//
//   - Registry: client lookup, credential verification, grant and scope
//     policy checks
//   - CodeService: authorization code issuance and single-use redemption
//   - TokenService: access/refresh token minting, rotation, and revocation
//
// The services are transport-agnostic. The root package's Handler maps HTTP
// requests onto them and translates their errors into RFC 6749 responses.
// All state lives in the injected storage backends, so any number of server
// instances can share a distributed store.
package server
