package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/authgate-io/authgate/storage"
)

const testRedirectURI = "https://app.example.com/callback"

func issueTestCode(t *testing.T, srv *Server, client *storage.Client, challenge, method string) string {
	t.Helper()

	code, err := srv.Codes.Issue(context.Background(), IssueCodeRequest{
		Client:              client,
		UserID:              "user-1",
		TenantID:            "default",
		RedirectURI:         testRedirectURI,
		Scope:               "read write",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return code
}

func TestCodeService_IssueAndRedeem(t *testing.T) {
	srv, _ := testServerSetup(t, nil)
	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeAuthorizationCode, GrantTypeRefreshToken})

	verifier := oauth2.GenerateVerifier()
	code := issueTestCode(t, srv, client, s256Challenge(verifier), PKCEMethodS256)

	record, err := srv.Codes.Redeem(context.Background(), code, client.ClientID, testRedirectURI, verifier, "198.51.100.7")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if record.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", record.UserID)
	}
	if record.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", record.Scope, "read write")
	}
}

func TestCodeService_Redeem_SingleUse(t *testing.T) {
	srv, _ := testServerSetup(t, nil)
	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeAuthorizationCode})

	code := issueTestCode(t, srv, client, "", "")

	if _, err := srv.Codes.Redeem(context.Background(), code, client.ClientID, testRedirectURI, "", ""); err != nil {
		t.Fatalf("first Redeem() error = %v", err)
	}

	_, err := srv.Codes.Redeem(context.Background(), code, client.ClientID, testRedirectURI, "", "")
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Errorf("second Redeem() error = %v, want ErrCodeConsumed", err)
	}
}

func TestCodeService_Redeem_Failures(t *testing.T) {
	srv, _ := testServerSetup(t, nil)
	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeAuthorizationCode})

	verifier := oauth2.GenerateVerifier()

	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		verifier    string
		wantErr     error
	}{
		{"wrong client", "other-client", testRedirectURI, verifier, storage.ErrClientMismatch},
		{"redirect trailing slash", client.ClientID, testRedirectURI + "/", verifier, ErrRedirectURIMismatch},
		{"wrong redirect", client.ClientID, "https://evil.example.com/callback", verifier, ErrRedirectURIMismatch},
		{"wrong verifier", client.ClientID, testRedirectURI, oauth2.GenerateVerifier(), ErrPKCEVerificationFailed},
		{"missing verifier", client.ClientID, testRedirectURI, "", ErrPKCEVerificationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := issueTestCode(t, srv, client, s256Challenge(verifier), PKCEMethodS256)

			_, err := srv.Codes.Redeem(context.Background(), code, tt.clientID, tt.redirectURI, tt.verifier, "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Redeem() error = %v, want %v", err, tt.wantErr)
			}

			// Every post-consumption failure burns the code
			_, err = srv.Codes.Redeem(context.Background(), code, client.ClientID, testRedirectURI, verifier, "")
			if !errors.Is(err, storage.ErrCodeConsumed) {
				t.Errorf("retry after failed Redeem() error = %v, want ErrCodeConsumed", err)
			}
		})
	}
}

func TestCodeService_Redeem_UnknownCode(t *testing.T) {
	srv, _ := testServerSetup(t, nil)
	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeAuthorizationCode})

	_, err := srv.Codes.Redeem(context.Background(), "no-such-code", client.ClientID, testRedirectURI, "", "")
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("Redeem() error = %v, want ErrCodeNotFound", err)
	}
}

func TestCodeService_Redeem_Concurrent(t *testing.T) {
	srv, _ := testServerSetup(t, nil)
	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeAuthorizationCode})

	verifier := oauth2.GenerateVerifier()
	code := issueTestCode(t, srv, client, s256Challenge(verifier), PKCEMethodS256)

	const redeemers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	wg.Add(redeemers)
	for i := 0; i < redeemers; i++ {
		go func() {
			defer wg.Done()
			if _, err := srv.Codes.Redeem(context.Background(), code, client.ClientID, testRedirectURI, verifier, ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent Redeem() succeeded %d times, want exactly 1", successes)
	}
}
