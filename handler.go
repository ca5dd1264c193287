// Package authgate implements an OAuth 2.0 authorization server core:
// client registry, single-use authorization codes with PKCE, token issuance
// with refresh rotation, and RFC 7009 revocation. The Handler is a thin HTTP
// adapter over the server package's services.
package authgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/server"
)

const (
	tokenTypeBearer  = "Bearer"
	responseTypeCode = "code"
)

// UserAuthenticator resolves the end user behind an authorization request.
// The server owns no login UI; deployments plug in their session mechanism
// (cookie, SSO header, dev stub) and unauthenticated requests are redirected
// to Config.LoginURL.
type UserAuthenticator interface {
	// UserFromRequest returns the authenticated user and their tenant.
	// ok=false means the request carries no valid session.
	UserFromRequest(r *http.Request) (userID, tenantID string, ok bool)
}

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests, delegates to the server services, and maps their
// errors onto RFC 6749 response semantics.
type Handler struct {
	server *server.Server
	users  UserAuthenticator
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for the HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, users UserAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		users:  users,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes mounts the OAuth endpoints on the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
}

// ServeAuthorizationServerMetadata serves RFC 8414 discovery metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.server.Config.Issuer
	codeChallengeMethods := []string{server.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		codeChallengeMethods = append(codeChallengeMethods, server.PKCEMethodPlain)
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          issuer + "/token",
		RevocationEndpoint:     issuer + "/revoke",
		ScopesSupported:        h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{responseTypeCode},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeClientCredentials,
			server.GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     codeChallengeMethods,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// clientIP extracts the caller's IP honoring the proxy trust configuration
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// resolveTenant picks the tenant for a request: explicit parameter first,
// configured default otherwise. Form values require ParseForm to have run.
func (h *Handler) resolveTenant(r *http.Request) string {
	if tenant := r.FormValue("tenant"); tenant != "" {
		return tenant
	}
	return h.server.Config.DefaultTenant
}

// checkIPRateLimit returns true when the request was rejected
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	}
	if m := h.metrics(); m != nil {
		m.RecordRateLimited(r.Context(), endpoint)
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.Instrumentation == nil {
		return nil
	}
	return h.server.Instrumentation.Metrics()
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if m := h.metrics(); m != nil {
		m.RecordHTTPRequest(context.Background(), method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
	}
}

// writeError writes an OAuth JSON error response
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="authgate"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeOAuthError writes an error value, falling back to server_error for
// anything that is not an *Error
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	if oauthErr, ok := err.(*Error); ok {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

// writeTokenResponse writes a successful token response.
// RFC 6749 section 5.1 requires no-store on token responses; the security
// headers cover it.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}
