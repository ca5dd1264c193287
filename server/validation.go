package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

var (
	// ErrPKCEVerificationFailed indicates the code_verifier did not satisfy
	// the stored challenge, or was missing/malformed when one was required
	ErrPKCEVerificationFailed = errors.New("PKCE verification failed")

	// ErrRedirectURIMismatch indicates the redemption redirect_uri differs
	// from the one bound at issuance
	ErrRedirectURIMismatch = errors.New("redirect_uri does not match authorization request")
)

// ParseScopes splits a space-delimited scope string into its scopes,
// dropping empty tokens from repeated whitespace
func ParseScopes(scope string) []string {
	return strings.Fields(scope)
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func intersectScopes(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, s := range a {
		if containsScope(b, s) {
			out = append(out, s)
		}
	}
	return out
}

// IsScopeSubset reports whether every scope in requested appears in granted.
// Both are space-delimited scope strings.
func IsScopeSubset(requested, granted string) bool {
	grantedSet := ParseScopes(granted)
	for _, s := range ParseScopes(requested) {
		if !containsScope(grantedSet, s) {
			return false
		}
	}
	return true
}

// ValidatePKCEParams checks issuance-time PKCE parameters.
// A challenge without a method (or vice versa) is malformed; the plain
// method is policy-gated.
func ValidatePKCEParams(codeChallenge, codeChallengeMethod string, allowPlain bool) error {
	if codeChallenge == "" && codeChallengeMethod == "" {
		return nil
	}
	if codeChallenge == "" {
		return fmt.Errorf("code_challenge is required when code_challenge_method is provided")
	}
	if codeChallengeMethod == "" {
		return fmt.Errorf("code_challenge_method is required when code_challenge is provided")
	}

	switch codeChallengeMethod {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !allowPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported)")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", codeChallengeMethod)
	}
}

// verifyPKCE checks a redemption-time code_verifier against the challenge
// bound to the authorization code. No challenge stored means the code was
// issued without PKCE and any verifier is ignored.
func verifyPKCE(codeChallenge, codeChallengeMethod, codeVerifier string) error {
	if codeChallenge == "" {
		return nil
	}
	if codeVerifier == "" {
		return fmt.Errorf("%w: code_verifier is required", ErrPKCEVerificationFailed)
	}
	if len(codeVerifier) < MinCodeVerifierLength || len(codeVerifier) > MaxCodeVerifierLength {
		return fmt.Errorf("%w: code_verifier length out of range", ErrPKCEVerificationFailed)
	}
	if !isValidVerifierCharset(codeVerifier) {
		return fmt.Errorf("%w: code_verifier contains invalid characters", ErrPKCEVerificationFailed)
	}

	switch codeChallengeMethod {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(codeVerifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) != 1 {
			return fmt.Errorf("%w: code_verifier does not match challenge", ErrPKCEVerificationFailed)
		}
		return nil
	case PKCEMethodPlain:
		if subtle.ConstantTimeCompare([]byte(codeVerifier), []byte(codeChallenge)) != 1 {
			return fmt.Errorf("%w: code_verifier does not match challenge", ErrPKCEVerificationFailed)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown code_challenge_method %q", ErrPKCEVerificationFailed, codeChallengeMethod)
	}
}

// isValidVerifierCharset enforces the RFC 7636 unreserved character set:
// ALPHA / DIGIT / "-" / "." / "_" / "~"
func isValidVerifierCharset(verifier string) bool {
	for _, c := range verifier {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
