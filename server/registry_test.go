package server

import (
	"context"
	"errors"
	"testing"

	"github.com/authgate-io/authgate/storage"
)

func TestRegistry_CreateClient(t *testing.T) {
	srv, _ := testServerSetup(t, nil)

	client, secret := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeAuthorizationCode, GrantTypeRefreshToken})

	if client.ClientID == "" {
		t.Error("CreateClient() should assign a client ID")
	}
	if secret == "" {
		t.Error("CreateClient() should return a secret for confidential clients")
	}
	if client.SecretHash == secret {
		t.Error("stored secret must be hashed, not plaintext")
	}
	if client.TenantID != "default" {
		t.Errorf("TenantID = %q, want default tenant", client.TenantID)
	}
	if client.Status != storage.ClientStatusActive {
		t.Errorf("Status = %q, want active", client.Status)
	}
}

func TestRegistry_CreateClient_PublicHasNoSecret(t *testing.T) {
	srv, _ := testServerSetup(t, nil)

	client, secret := registerTestClient(t, srv, storage.ClientTypePublic,
		[]string{GrantTypeAuthorizationCode})

	if secret != "" {
		t.Error("public clients should not receive a secret")
	}
	if client.SecretHash != "" {
		t.Error("public clients should not store a secret hash")
	}
}

func TestRegistry_VerifyCredentials(t *testing.T) {
	srv, _ := testServerSetup(t, nil)
	ctx := context.Background()

	confidential, secret := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeClientCredentials})
	public, _ := registerTestClient(t, srv, storage.ClientTypePublic,
		[]string{GrantTypeAuthorizationCode})

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"confidential valid secret", confidential.ClientID, secret, nil},
		{"confidential wrong secret", confidential.ClientID, "wrong", ErrInvalidClientCredentials},
		{"confidential missing secret", confidential.ClientID, "", ErrInvalidClientCredentials},
		{"public ignores secret", public.ClientID, "anything", nil},
		{"public no secret", public.ClientID, "", nil},
		{"unknown client", "nope", "secret", storage.ErrClientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.Clients.VerifyCredentials(ctx, "default", tt.clientID, tt.secret)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyCredentials() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyCredentials() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_GetClient_Suspended(t *testing.T) {
	srv, store := testServerSetup(t, nil)
	ctx := context.Background()

	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeClientCredentials})

	stored, err := store.GetClient(ctx, client.TenantID, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	stored.Status = storage.ClientStatusSuspended
	if err := store.SaveClient(ctx, stored); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	_, err = srv.Clients.GetClient(ctx, client.TenantID, client.ClientID)
	if !errors.Is(err, ErrClientSuspended) {
		t.Errorf("GetClient() error = %v, want ErrClientSuspended", err)
	}
}

func TestRegistry_IsGrantAllowed(t *testing.T) {
	srv, _ := testServerSetup(t, nil)

	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeAuthorizationCode, GrantTypeRefreshToken})

	if !srv.Clients.IsGrantAllowed(client, GrantTypeAuthorizationCode) {
		t.Error("authorization_code should be allowed")
	}
	if srv.Clients.IsGrantAllowed(client, GrantTypeClientCredentials) {
		t.Error("client_credentials should not be allowed")
	}
}

func TestRegistry_ResolveScopes(t *testing.T) {
	srv, _ := testServerSetup(t, nil)

	client, _ := registerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{GrantTypeClientCredentials})

	tests := []struct {
		name      string
		requested string
		want      string
		wantErr   bool
	}{
		{"empty defaults to full set", "", "read write", false},
		{"subset", "read", "read", false},
		{"full set", "read write", "read write", false},
		{"escalation", "read admin", "", true},
		{"unknown scope", "delete", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := srv.Clients.ResolveScopes(client, tt.requested)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveScopes(%q) error = %v, wantErr %v", tt.requested, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ResolveScopes(%q) = %q, want %q", tt.requested, got, tt.want)
			}
		})
	}
}
