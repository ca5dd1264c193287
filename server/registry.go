package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/storage"
)

var (
	// ErrClientSuspended indicates the client exists but is not active
	ErrClientSuspended = errors.New("client suspended")

	// ErrInvalidClientCredentials indicates client authentication failed
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrGrantNotAllowed indicates the client's grant policy excludes the
	// requested grant type
	ErrGrantNotAllowed = errors.New("grant type not allowed for client")

	// ErrScopeNotAllowed indicates a requested scope outside the client's
	// allowed set
	ErrScopeNotAllowed = errors.New("requested scope not allowed for client")
)

// Registry resolves registered clients and enforces their grant and scope
// policies.
type Registry struct {
	store   storage.ClientStore
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// GetClient retrieves an active client. Suspended clients are reported via
// ErrClientSuspended so callers can map to the right RFC error code.
func (r *Registry) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	if !client.IsActive() {
		return nil, ErrClientSuspended
	}
	return client, nil
}

// VerifyCredentials authenticates a client. Confidential clients must present
// their secret, compared against the stored bcrypt hash. Public clients have
// no secret; anything they present is ignored, not rejected.
func (r *Registry) VerifyCredentials(ctx context.Context, tenantID, clientID, clientSecret string) (*storage.Client, error) {
	client, err := r.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}

	if !client.IsConfidential() {
		return client, nil
	}

	if clientSecret == "" {
		return nil, ErrInvalidClientCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		if r.auditor != nil {
			r.auditor.LogAuthFailure("", clientID, "", "invalid_client_secret")
		}
		return nil, ErrInvalidClientCredentials
	}
	return client, nil
}

// IsGrantAllowed reports whether the client's grant policy includes grantType
func (r *Registry) IsGrantAllowed(client *storage.Client, grantType string) bool {
	for _, g := range client.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// ResolveScopes validates a space-delimited scope request against the
// client's allowed set. An empty request defaults to the full allowed set.
func (r *Registry) ResolveScopes(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		return strings.Join(client.Scopes, " "), nil
	}

	allowed := client.Scopes
	if len(r.config.SupportedScopes) > 0 {
		allowed = intersectScopes(allowed, r.config.SupportedScopes)
	}

	scopes := ParseScopes(requested)
	for _, scope := range scopes {
		if !containsScope(allowed, scope) {
			if r.auditor != nil {
				r.auditor.LogScopeEscalation("", client.ClientID, requested, strings.Join(allowed, " "))
			}
			if r.metrics != nil {
				r.metrics.RecordScopeEscalation(context.Background(), client.ClientID)
			}
			return "", fmt.Errorf("%w: %s", ErrScopeNotAllowed, scope)
		}
	}
	return strings.Join(scopes, " "), nil
}

// UpdateLastUsed records a successful token issuance for the client.
// Best-effort telemetry; failures are logged, never surfaced.
func (r *Registry) UpdateLastUsed(ctx context.Context, client *storage.Client) {
	if err := r.store.UpdateClientLastUsed(ctx, client.TenantID, client.ClientID, time.Now()); err != nil {
		r.logger.Warn("Failed to update client last-used timestamp",
			"client_id", client.ClientID,
			"error", err)
	}
}

// CreateClientParams describes a client to be registered
type CreateClientParams struct {
	TenantID     string
	Name         string
	ClientType   string // "public" or "confidential"
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
}

// CreateClient registers a new client. For confidential clients a secret is
// generated and returned exactly once; only its bcrypt hash is stored.
func (r *Registry) CreateClient(ctx context.Context, params CreateClientParams) (*storage.Client, string, error) {
	if params.ClientType != storage.ClientTypePublic && params.ClientType != storage.ClientTypeConfidential {
		return nil, "", fmt.Errorf("invalid client type: %q", params.ClientType)
	}
	if len(params.RedirectURIs) == 0 && containsScope(params.GrantTypes, "authorization_code") {
		return nil, "", fmt.Errorf("authorization_code clients require at least one redirect URI")
	}

	tenantID := params.TenantID
	if tenantID == "" {
		tenantID = r.config.DefaultTenant
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		TenantID:     tenantID,
		ClientType:   params.ClientType,
		RedirectURIs: params.RedirectURIs,
		GrantTypes:   params.GrantTypes,
		Scopes:       params.Scopes,
		Status:       storage.ClientStatusActive,
		Name:         params.Name,
		CreatedAt:    time.Now(),
	}

	var secret string
	if params.ClientType == storage.ClientTypeConfidential {
		secret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.Info("Registered client",
		"client_id", client.ClientID,
		"tenant_id", client.TenantID,
		"client_type", client.ClientType,
		"name", client.Name)
	return client, secret, nil
}
