package authgate

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/server"
	"github.com/authgate-io/authgate/storage"
)

// ServeToken handles the OAuth 2.0 token endpoint. Dispatches on grant_type
// after resolving the client: authorization_code, client_credentials, and
// refresh_token are supported.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}
	r = r.WithContext(security.WithRequestID(ctx, security.EnsureRequestID(w, r)))

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, "token", clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	switch grantType {
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, client, clientIP, span, startTime)
	case server.GrantTypeClientCredentials:
		h.handleClientCredentialsGrant(w, r, client, clientIP, span, startTime)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, client, clientIP, span, startTime)
	case "":
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "grant_type is required", http.StatusBadRequest)
	default:
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported grant type")
		h.writeError(w, ErrorCodeUnsupportedGrantType, "Unsupported grant_type: "+grantType, http.StatusBadRequest)
	}
}

// authenticateClient resolves and authenticates the requesting client.
// HTTP Basic credentials take precedence over body parameters (RFC 6749
// section 2.3.1). Confidential clients must present their secret on every
// grant; secrets presented by public clients are ignored, not rejected.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, *Error) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		clientSecret = basicSecret
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	tenantID := h.resolveTenant(r)
	client, err := h.server.Clients.VerifyCredentials(r.Context(), tenantID, clientID, clientSecret)
	if err != nil {
		h.logger.Warn("Client authentication failed",
			"client_id", clientID,
			"tenant_id", tenantID,
			"ip", clientIP,
			"error", err)
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure("", clientID, clientIP, "client_authentication_failed")
		}
		// Unknown, suspended, and bad-secret all collapse to the same
		// response so callers cannot enumerate client IDs
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return client, nil
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *storage.Client, clientIP string, span trace.Span, startTime time.Time) {
	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	if !h.server.Clients.IsGrantAllowed(client, server.GrantTypeAuthorizationCode) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "grant not allowed")
		h.writeError(w, ErrorCodeUnauthorizedClient, "Client may not use the authorization_code grant", http.StatusBadRequest)
		return
	}

	record, err := h.server.Codes.Redeem(r.Context(), code, client.ClientID, redirectURI, codeVerifier, clientIP)
	if err != nil {
		h.logger.Warn("Authorization code redemption failed",
			"client_id", client.ClientID,
			"ip", clientIP,
			"error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code redemption failed")
		// One generic response for every redemption failure: missing,
		// expired, replayed, wrong client, wrong redirect_uri, failed PKCE.
		// Distinguishing them would hand an attacker an oracle.
		h.writeError(w, ErrorCodeInvalidGrant, "Authorization code is invalid or expired", http.StatusBadRequest)
		return
	}

	pair, err := h.server.Tokens.MintForAuthorizationCode(r.Context(), client, record.UserID, record.TenantID, record.Scope)
	if err != nil {
		h.logger.Error("Failed to mint tokens", "client_id", client.ClientID, "error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	h.server.Clients.UpdateLastUsed(r.Context(), client)

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request, client *storage.Client, clientIP string, span trace.Span, startTime time.Time) {
	// RFC 6749 section 4.4: the grant is for confidential clients only
	if !client.IsConfidential() {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "public client on client_credentials")
		h.writeError(w, ErrorCodeUnauthorizedClient, "client_credentials grant requires a confidential client", http.StatusBadRequest)
		return
	}

	if !h.server.Clients.IsGrantAllowed(client, server.GrantTypeClientCredentials) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "grant not allowed")
		h.writeError(w, ErrorCodeUnauthorizedClient, "Client may not use the client_credentials grant", http.StatusBadRequest)
		return
	}

	grantedScope, err := h.server.Clients.ResolveScopes(client, r.FormValue("scope"))
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidScope, "Requested scope is not allowed for this client", http.StatusBadRequest)
		return
	}

	pair, err := h.server.Tokens.MintForClientCredentials(r.Context(), client, client.TenantID, grantedScope)
	if err != nil {
		h.logger.Error("Failed to mint tokens", "client_id", client.ClientID, "error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Failed to issue tokens", http.StatusInternalServerError)
		return
	}

	h.server.Clients.UpdateLastUsed(r.Context(), client)

	h.logger.Info("Client credentials grant successful", "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client *storage.Client, clientIP string, span trace.Span, startTime time.Time) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	if !h.server.Clients.IsGrantAllowed(client, server.GrantTypeRefreshToken) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "grant not allowed")
		h.writeError(w, ErrorCodeUnauthorizedClient, "Client may not use the refresh_token grant", http.StatusBadRequest)
		return
	}

	pair, err := h.server.Tokens.Refresh(r.Context(), refreshToken, client, r.FormValue("scope"))
	if err != nil {
		h.logger.Warn("Token refresh failed",
			"client_id", client.ClientID,
			"ip", clientIP,
			"error", err)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		// Like code redemption: revoked, expired, rotated-out, mismatched,
		// and widened-scope requests all answer the same way
		h.writeError(w, ErrorCodeInvalidGrant, "Refresh token is invalid or expired", http.StatusBadRequest)
		return
	}

	h.server.Clients.UpdateLastUsed(r.Context(), client)

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, pair)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Per section 2.2 the endpoint answers 200 whether or not the token was
// found, already revoked, or belongs to someone else. The only client
// errors are a missing token parameter and failed client authentication.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}
	r = r.WithContext(security.WithRequestID(ctx, security.EnsureRequestID(w, r)))

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, "revoke", clientIP) {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	client, oauthErr := h.resolveRevocationClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	found := h.server.Tokens.Revoke(r.Context(), token, r.FormValue("token_type_hint"), client.ClientID, clientIP)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.Bool(instrumentation.AttrTokenFound, found),
	)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// resolveRevocationClient resolves the client for a revocation request.
// Confidential clients authenticate when RequireRevocationClientAuth is set
// (the default); public clients always pass on client_id alone.
func (h *Handler) resolveRevocationClient(r *http.Request, clientIP string) (*storage.Client, *Error) {
	if h.server.Config.RequireRevocationClientAuth {
		return h.authenticateClient(r, clientIP)
	}

	clientID := r.FormValue("client_id")
	if basicID, _, ok := r.BasicAuth(); ok {
		clientID = basicID
	}
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	tenantID := h.resolveTenant(r)
	client, err := h.server.Clients.GetClient(r.Context(), tenantID, clientID)
	if err != nil {
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure("", clientID, clientIP, "revocation_unknown_client")
		}
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return client, nil
}
