package server

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func s256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func TestVerifyPKCE_S256(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := s256Challenge(verifier)

	if err := verifyPKCE(challenge, PKCEMethodS256, verifier); err != nil {
		t.Errorf("verifyPKCE() with matching verifier error = %v", err)
	}
}

func TestVerifyPKCE_Failures(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := s256Challenge(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
	}{
		{"wrong verifier", challenge, PKCEMethodS256, oauth2.GenerateVerifier()},
		{"missing verifier", challenge, PKCEMethodS256, ""},
		{"verifier too short", challenge, PKCEMethodS256, "short"},
		{"verifier too long", challenge, PKCEMethodS256, strings.Repeat("a", 129)},
		{"invalid charset", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!"},
		{"plain mismatch", "some-plain-challenge-that-is-long-enough-43", PKCEMethodPlain, "another-plain-verifier-that-is-long-enough!"},
		{"unknown method", challenge, "S512", verifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyPKCE(tt.challenge, tt.method, tt.verifier)
			if !errors.Is(err, ErrPKCEVerificationFailed) {
				t.Errorf("verifyPKCE() error = %v, want ErrPKCEVerificationFailed", err)
			}
		})
	}
}

func TestVerifyPKCE_Plain(t *testing.T) {
	verifier := oauth2.GenerateVerifier()

	if err := verifyPKCE(verifier, PKCEMethodPlain, verifier); err != nil {
		t.Errorf("verifyPKCE() plain with matching verifier error = %v", err)
	}
}

func TestVerifyPKCE_NoChallengeStored(t *testing.T) {
	// A code issued without PKCE ignores any verifier
	if err := verifyPKCE("", "", ""); err != nil {
		t.Errorf("verifyPKCE() without challenge error = %v", err)
	}
	if err := verifyPKCE("", "", oauth2.GenerateVerifier()); err != nil {
		t.Errorf("verifyPKCE() without challenge but with verifier error = %v", err)
	}
}

func TestValidatePKCEParams(t *testing.T) {
	tests := []struct {
		name       string
		challenge  string
		method     string
		allowPlain bool
		wantErr    bool
	}{
		{"no pkce", "", "", false, false},
		{"s256", "challenge", PKCEMethodS256, false, false},
		{"plain allowed", "challenge", PKCEMethodPlain, true, false},
		{"plain rejected", "challenge", PKCEMethodPlain, false, true},
		{"challenge without method", "challenge", "", false, true},
		{"method without challenge", "", PKCEMethodS256, false, true},
		{"unknown method", "challenge", "S512", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePKCEParams(tt.challenge, tt.method, tt.allowPlain)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePKCEParams() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsScopeSubset(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		granted   string
		want      bool
	}{
		{"exact", "read write", "read write", true},
		{"narrowing", "read", "read write", true},
		{"widening", "read write admin", "read write", false},
		{"disjoint", "admin", "read write", false},
		{"empty request", "", "read", true},
		{"repeated whitespace", "read  write", "read write", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsScopeSubset(tt.requested, tt.granted); got != tt.want {
				t.Errorf("IsScopeSubset(%q, %q) = %v, want %v", tt.requested, tt.granted, got, tt.want)
			}
		})
	}
}
