package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/authgate-io/authgate/server"
	"github.com/authgate-io/authgate/storage"
	"github.com/authgate-io/authgate/storage/memory"
)

const (
	testUserID      = "user-alice"
	testRedirectURI = "https://app.example.com/callback"
)

// headerUserStub authenticates requests carrying the X-Test-User header,
// standing in for a real session mechanism.
type headerUserStub struct{}

func (headerUserStub) UserFromRequest(r *http.Request) (string, string, bool) {
	userID := r.Header.Get("X-Test-User")
	if userID == "" {
		return "", "", false
	}
	return userID, r.Header.Get("X-Test-Tenant"), true
}

func testHandlerSetup(t *testing.T) (*httptest.Server, *server.Server) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	config := &server.Config{
		Issuer:   "https://auth.example.com",
		LoginURL: "https://auth.example.com/login",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.New(store, store, store, nil, config, logger)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	mux := http.NewServeMux()
	NewHandler(srv, headerUserStub{}, logger).RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, srv
}

// noRedirectClient returns the redirect instead of following it
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func registerHandlerTestClient(t *testing.T, srv *server.Server, clientType string, grantTypes []string) (*storage.Client, string) {
	t.Helper()

	client, secret, err := srv.Clients.CreateClient(context.Background(), server.CreateClientParams{
		Name:         "test app",
		ClientType:   clientType,
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   grantTypes,
		Scopes:       []string{"read", "write"},
	})
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	return client, secret
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// authorizeRequest performs a GET /authorize as an authenticated user and
// returns the redirect Location
func authorizeRequest(t *testing.T, ts *httptest.Server, params url.Values) *url.URL {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/authorize?"+params.Encode(), nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("X-Test-User", testUserID)

	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("authorize request error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("authorize status = %d, want 302, body: %s", resp.StatusCode, body)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	return location
}

func postToken(t *testing.T, ts *httptest.Server, form url.Values, basicID, basicSecret string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicID != "" {
		req.SetBasicAuth(basicID, basicSecret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("token request error = %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && err != io.EOF {
		t.Fatalf("decode token response: %v", err)
	}
	return resp, body
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, secret := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken})

	verifier := oauth2.GenerateVerifier()
	location := authorizeRequest(t, ts, url.Values{
		"client_id":             {client.ClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {"read write"},
		"state":                 {"xyz-123"},
		"code_challenge":        {s256Challenge(verifier)},
		"code_challenge_method": {"S256"},
	})

	if got := location.Query().Get("state"); got != "xyz-123" {
		t.Errorf("state = %q, want xyz-123", got)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", location)
	}

	// Exchange the code
	resp, body := postToken(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, client.ClientID, secret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, body = %v", resp.StatusCode, body)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Error("no access_token in response")
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v, want Bearer", body["token_type"])
	}
	refreshToken, _ := body["refresh_token"].(string)
	if refreshToken == "" {
		t.Fatal("no refresh_token in response")
	}

	// The code is single-use
	resp, body = postToken(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, client.ClientID, secret)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorCodeInvalidGrant {
		t.Errorf("replay: status = %d, error = %v, want 400 invalid_grant", resp.StatusCode, body["error"])
	}

	// Refresh rotates the token
	resp, body = postToken(t, ts, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}, client.ClientID, secret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %v", resp.StatusCode, body)
	}
	newRefresh, _ := body["refresh_token"].(string)
	if newRefresh == "" || newRefresh == refreshToken {
		t.Errorf("refresh_token = %q, want a rotated replacement", newRefresh)
	}

	// Revoke the replacement
	form := url.Values{
		"token":           {newRefresh},
		"token_type_hint": {"refresh_token"},
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(client.ClientID, secret)
	revokeResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("revoke request error = %v", err)
	}
	revokeResp.Body.Close()
	if revokeResp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", revokeResp.StatusCode)
	}

	// The revoked token no longer refreshes
	resp, body = postToken(t, ts, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {newRefresh},
	}, client.ClientID, secret)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorCodeInvalidGrant {
		t.Errorf("refresh after revoke: status = %d, error = %v, want 400 invalid_grant", resp.StatusCode, body["error"])
	}
}

func TestAuthorization_LoginRedirect(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, _ := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeAuthorizationCode})

	resp, err := noRedirectClient().Get(ts.URL + "/authorize?client_id=" + client.ClientID + "&response_type=code")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	if !strings.HasPrefix(location.String(), "https://auth.example.com/login") {
		t.Errorf("Location = %s, want login URL", location)
	}
	if location.Query().Get("return_url") == "" {
		t.Error("login redirect carries no return_url")
	}
}

func TestAuthorization_DirectErrors(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, _ := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeAuthorizationCode})

	tests := []struct {
		name      string
		params    url.Values
		wantError string
	}{
		{
			name:      "missing client_id",
			params:    url.Values{"response_type": {"code"}},
			wantError: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown client",
			params: url.Values{
				"client_id":     {"no-such-client"},
				"response_type": {"code"},
				"redirect_uri":  {testRedirectURI},
			},
			wantError: ErrorCodeInvalidClient,
		},
		{
			name: "unregistered redirect_uri",
			params: url.Values{
				"client_id":     {client.ClientID},
				"response_type": {"code"},
				"redirect_uri":  {"https://evil.example.com/callback"},
			},
			wantError: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/authorize?"+tt.params.Encode(), nil)
			req.Header.Set("X-Test-User", testUserID)

			resp, err := noRedirectClient().Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			defer resp.Body.Close()

			// Never a redirect: the redirect_uri is not trustworthy here
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %v, want %s", body["error"], tt.wantError)
			}
		})
	}
}

func TestAuthorization_RedirectErrors(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, _ := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeAuthorizationCode})

	tests := []struct {
		name      string
		params    url.Values
		wantError string
	}{
		{
			name: "unsupported response_type",
			params: url.Values{
				"response_type": {"token"},
			},
			wantError: ErrorCodeUnsupportedResponseType,
		},
		{
			name: "scope escalation",
			params: url.Values{
				"response_type": {"code"},
				"scope":         {"read write admin"},
			},
			wantError: ErrorCodeInvalidScope,
		},
		{
			name: "plain method not allowed",
			params: url.Values{
				"response_type":         {"code"},
				"code_challenge":        {oauth2.GenerateVerifier()},
				"code_challenge_method": {"plain"},
			},
			wantError: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.params.Set("client_id", client.ClientID)
			tt.params.Set("redirect_uri", testRedirectURI)
			tt.params.Set("state", "abc")

			location := authorizeRequest(t, ts, tt.params)
			if !strings.HasPrefix(location.String(), testRedirectURI) {
				t.Fatalf("Location = %s, want redirect to %s", location, testRedirectURI)
			}
			if got := location.Query().Get("error"); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
			if got := location.Query().Get("state"); got != "abc" {
				t.Errorf("state = %q, want abc", got)
			}
		})
	}
}

func TestAuthorization_PublicClientRequiresPKCE(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, _ := registerHandlerTestClient(t, srv, storage.ClientTypePublic,
		[]string{server.GrantTypeAuthorizationCode})

	location := authorizeRequest(t, ts, url.Values{
		"client_id":     {client.ClientID},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
	})
	if got := location.Query().Get("error"); got != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want invalid_request for missing code_challenge", got)
	}
}

func TestToken_ClientCredentials(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, secret := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	resp, body := postToken(t, ts, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"read"},
	}, client.ClientID, secret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["scope"] != "read" {
		t.Errorf("scope = %v, want read", body["scope"])
	}
	if rt, ok := body["refresh_token"]; ok && rt != "" {
		t.Errorf("refresh_token = %v, want none for client_credentials", rt)
	}
}

func TestToken_ClientCredentials_PublicClientRejected(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, _ := registerHandlerTestClient(t, srv, storage.ClientTypePublic,
		[]string{server.GrantTypeClientCredentials})

	resp, body := postToken(t, ts, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {client.ClientID},
	}, "", "")
	if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorCodeUnauthorizedClient {
		t.Errorf("status = %d, error = %v, want 400 unauthorized_client", resp.StatusCode, body["error"])
	}
}

func TestToken_ClientAuthentication(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, secret := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	t.Run("wrong secret", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type": {"client_credentials"},
		}, client.ClientID, "wrong-secret")
		if resp.StatusCode != http.StatusUnauthorized || body["error"] != ErrorCodeInvalidClient {
			t.Errorf("status = %d, error = %v, want 401 invalid_client", resp.StatusCode, body["error"])
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Error("401 response missing WWW-Authenticate header")
		}
	})

	t.Run("unknown client matches bad secret", func(t *testing.T) {
		// Unknown client and wrong secret must be indistinguishable
		resp, body := postToken(t, ts, url.Values{
			"grant_type": {"client_credentials"},
		}, "no-such-client", "whatever")
		if resp.StatusCode != http.StatusUnauthorized || body["error"] != ErrorCodeInvalidClient {
			t.Errorf("status = %d, error = %v, want 401 invalid_client", resp.StatusCode, body["error"])
		}
	})

	t.Run("basic auth wins over body", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"bogus-body-client"},
			"client_secret": {"bogus-body-secret"},
		}, client.ClientID, secret)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, body = %v, want Basic credentials to take precedence", resp.StatusCode, body)
		}
	})

	t.Run("body credentials accepted", func(t *testing.T) {
		resp, _ := postToken(t, ts, url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {client.ClientID},
			"client_secret": {secret},
		}, "", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200 for client_secret_post", resp.StatusCode)
		}
	})
}

func TestToken_GrantTypeDispatch(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, secret := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	t.Run("missing grant_type", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{}, client.ClientID, secret)
		if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorCodeInvalidRequest {
			t.Errorf("status = %d, error = %v, want 400 invalid_request", resp.StatusCode, body["error"])
		}
	})

	t.Run("unknown grant_type", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type": {"password"},
		}, client.ClientID, secret)
		if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorCodeUnsupportedGrantType {
			t.Errorf("status = %d, error = %v, want 400 unsupported_grant_type", resp.StatusCode, body["error"])
		}
	})

	t.Run("grant not allowed for client", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {"anything"},
		}, client.ClientID, secret)
		if resp.StatusCode != http.StatusBadRequest || body["error"] != ErrorCodeUnauthorizedClient {
			t.Errorf("status = %d, error = %v, want 400 unauthorized_client", resp.StatusCode, body["error"])
		}
	})
}

func TestRevocation_AlwaysOK(t *testing.T) {
	ts, srv := testHandlerSetup(t)
	client, secret := registerHandlerTestClient(t, srv, storage.ClientTypeConfidential,
		[]string{server.GrantTypeClientCredentials})

	post := func(form url.Values, basicID, basicSecret string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if basicID != "" {
			req.SetBasicAuth(basicID, basicSecret)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("revoke request error = %v", err)
		}
		resp.Body.Close()
		return resp
	}

	// Unknown token still answers 200 (RFC 7009 section 2.2)
	if resp := post(url.Values{"token": {"no-such-token"}}, client.ClientID, secret); resp.StatusCode != http.StatusOK {
		t.Errorf("unknown token: status = %d, want 200", resp.StatusCode)
	}

	// A second revocation of the same token is still 200
	if resp := post(url.Values{"token": {"no-such-token"}}, client.ClientID, secret); resp.StatusCode != http.StatusOK {
		t.Errorf("repeat revoke: status = %d, want 200", resp.StatusCode)
	}

	// Missing token parameter is the one 400
	if resp := post(url.Values{}, client.ClientID, secret); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing token: status = %d, want 400", resp.StatusCode)
	}

	// Client auth is still enforced by default
	if resp := post(url.Values{"token": {"x"}}, client.ClientID, "wrong-secret"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad credentials: status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	ts, _ := testHandlerSetup(t)

	resp, err := http.Get(ts.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var metadata AuthorizationServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if metadata.Issuer != "https://auth.example.com" {
		t.Errorf("issuer = %q", metadata.Issuer)
	}
	if metadata.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("token_endpoint = %q", metadata.TokenEndpoint)
	}
	if len(metadata.CodeChallengeMethodsSupported) != 1 || metadata.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", metadata.CodeChallengeMethodsSupported)
	}
}
