package authgate

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/server"
)

// ServeAuthorization handles the OAuth 2.0 authorization endpoint.
//
// Error delivery follows RFC 6749 section 4.1.2.1: failures before the
// redirect URI is validated (unknown client, unregistered redirect_uri) are
// answered directly with a 400 and never redirected, so an attacker cannot
// use the endpoint as an open redirector. Every later failure is delivered
// to the validated redirect_uri as error/error_description query parameters
// with the client's state echoed back.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
	}
	r = r.WithContext(security.WithRequestID(ctx, security.EnsureRequestID(w, r)))

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, "authorization", clientIP) {
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusTooManyRequests, startTime)
		return
	}

	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	responseType := query.Get("response_type")
	scope := query.Get("scope")
	state := query.Get("state")
	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := query.Get("code_challenge_method")

	if clientID == "" {
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrResponseType, responseType),
	)

	// Resolve the end user before touching any client state: the login
	// redirect must not leak whether the client exists.
	userID, userTenant, authenticated := h.users.UserFromRequest(r)
	if !authenticated {
		h.redirectToLogin(w, r)
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	// The authenticated session's tenant wins over the request parameter
	tenantID := userTenant
	if tenantID == "" {
		tenantID = h.resolveTenant(r)
	}

	client, err := h.server.Clients.GetClient(ctx, tenantID, clientID)
	if err != nil {
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure(userID, clientID, clientIP, "unknown_or_suspended_client")
		}
		if errors.Is(err, server.ErrClientSuspended) {
			h.writeError(w, ErrorCodeUnauthorizedClient, "Client is suspended", http.StatusBadRequest)
		} else {
			h.writeError(w, ErrorCodeInvalidClient, "Unknown client", http.StatusBadRequest)
		}
		return
	}

	// Exact string match against the registered set. No match means no
	// trustworthy place to deliver errors: direct 400.
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !client.HasRedirectURI(redirectURI) {
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "redirect_uri not registered")
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure(userID, clientID, clientIP, "unregistered_redirect_uri")
		}
		h.writeError(w, ErrorCodeInvalidRequest, "redirect_uri is not registered for this client", http.StatusBadRequest)
		return
	}

	// From here on errors go to the validated redirect_uri
	if responseType != responseTypeCode {
		h.redirectError(w, r, redirectURI, state, ErrorCodeUnsupportedResponseType, "Only response_type=code is supported")
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	if !h.server.Clients.IsGrantAllowed(client, server.GrantTypeAuthorizationCode) {
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure(userID, clientID, clientIP, "grant_not_allowed")
		}
		h.redirectError(w, r, redirectURI, state, ErrorCodeUnauthorizedClient, "Client may not use the authorization_code grant")
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	grantedScope, err := h.server.Clients.ResolveScopes(client, scope)
	if err != nil {
		h.redirectError(w, r, redirectURI, state, ErrorCodeInvalidScope, "Requested scope is not allowed for this client")
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	if err := server.ValidatePKCEParams(codeChallenge, codeChallengeMethod, h.server.Config.AllowPKCEPlain); err != nil {
		h.redirectError(w, r, redirectURI, state, ErrorCodeInvalidRequest, err.Error())
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	if h.server.Config.RequirePKCEForPublicClients && !client.IsConfidential() && codeChallenge == "" {
		h.redirectError(w, r, redirectURI, state, ErrorCodeInvalidRequest, "PKCE is required for public clients: code_challenge is mandatory")
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	code, err := h.server.Codes.Issue(ctx, server.IssueCodeRequest{
		Client:              client,
		UserID:              userID,
		TenantID:            tenantID,
		RedirectURI:         redirectURI,
		Scope:               grantedScope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
	})
	if err != nil {
		h.logger.Error("Failed to issue authorization code", "client_id", clientID, "error", err)
		instrumentation.RecordError(span, err)
		h.redirectError(w, r, redirectURI, state, ErrorCodeServerError, "Failed to issue authorization code")
		h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorization", http.MethodGet, http.StatusFound, startTime)

	h.logger.Info("Authorization granted",
		"client_id", clientID,
		"tenant_id", tenantID,
		"pkce", codeChallenge != "")

	h.redirectWithCode(w, r, redirectURI, code, state)
}

// redirectToLogin sends an unauthenticated user to the configured login page
// with the original authorization request carried in return_url
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	loginURL, err := url.Parse(h.server.Config.LoginURL)
	if err != nil || h.server.Config.LoginURL == "" {
		h.writeError(w, ErrorCodeAccessDenied, "Authentication required", http.StatusForbidden)
		return
	}

	q := loginURL.Query()
	q.Set("return_url", r.URL.String())
	loginURL.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, loginURL.String(), http.StatusFound)
}

// redirectWithCode delivers a successful authorization to the client
func (h *Handler) redirectWithCode(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, ErrorCodeServerError, "Invalid redirect URI", http.StatusInternalServerError)
		return
	}

	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// redirectError delivers an error to an already-validated redirect URI
// (RFC 6749 section 4.1.2.1)
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, code, description, http.StatusBadRequest)
		return
	}

	q := target.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, target.String(), http.StatusFound)
}
