package valkey

import (
	"time"

	"github.com/authgate-io/authgate/storage"
)

// JSON representations of the stored records. Times are Unix seconds so the
// Lua scripts can compare them with tonumber().

type clientJSON struct {
	ClientID     string   `json:"client_id"`
	TenantID     string   `json:"tenant_id"`
	SecretHash   string   `json:"secret_hash,omitempty"`
	ClientType   string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes"`
	Status       string   `json:"status"`
	Name         string   `json:"name,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	LastUsedAt   int64    `json:"last_used_at,omitempty"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	j := &clientJSON{
		ClientID:     c.ClientID,
		TenantID:     c.TenantID,
		SecretHash:   c.SecretHash,
		ClientType:   c.ClientType,
		RedirectURIs: c.RedirectURIs,
		GrantTypes:   c.GrantTypes,
		Scopes:       c.Scopes,
		Status:       c.Status,
		Name:         c.Name,
		CreatedAt:    c.CreatedAt.Unix(),
	}
	if !c.LastUsedAt.IsZero() {
		j.LastUsedAt = c.LastUsedAt.Unix()
	}
	return j
}

func fromClientJSON(j *clientJSON) *storage.Client {
	c := &storage.Client{
		ClientID:     j.ClientID,
		TenantID:     j.TenantID,
		SecretHash:   j.SecretHash,
		ClientType:   j.ClientType,
		RedirectURIs: j.RedirectURIs,
		GrantTypes:   j.GrantTypes,
		Scopes:       j.Scopes,
		Status:       j.Status,
		Name:         j.Name,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
	}
	if j.LastUsedAt > 0 {
		c.LastUsedAt = time.Unix(j.LastUsedAt, 0)
	}
	return c
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	TenantID            string `json:"tenant_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Consumed            bool   `json:"consumed"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		TenantID:            c.TenantID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt:           c.CreatedAt.Unix(),
		ExpiresAt:           c.ExpiresAt.Unix(),
		Consumed:            c.Consumed,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		TenantID:            j.TenantID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Consumed:            j.Consumed,
	}
}

type accessTokenJSON struct {
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	TenantID  string `json:"tenant_id"`
	Scope     string `json:"scope"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		TenantID:  t.TenantID,
		Scope:     t.Scope,
		CreatedAt: t.CreatedAt.Unix(),
		ExpiresAt: t.ExpiresAt.Unix(),
		Revoked:   t.Revoked,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	return &storage.AccessToken{
		Token:     j.Token,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		TenantID:  j.TenantID,
		Scope:     j.Scope,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Revoked:   j.Revoked,
	}
}

type refreshTokenJSON struct {
	Token         string `json:"token"`
	ClientID      string `json:"client_id"`
	UserID        string `json:"user_id,omitempty"`
	TenantID      string `json:"tenant_id"`
	Scope         string `json:"scope"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
	Revoked       bool   `json:"revoked"`
	RevokedReason string `json:"revoked_reason,omitempty"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:         t.Token,
		ClientID:      t.ClientID,
		UserID:        t.UserID,
		TenantID:      t.TenantID,
		Scope:         t.Scope,
		CreatedAt:     t.CreatedAt.Unix(),
		ExpiresAt:     t.ExpiresAt.Unix(),
		Revoked:       t.Revoked,
		RevokedReason: t.RevokedReason,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:         j.Token,
		ClientID:      j.ClientID,
		UserID:        j.UserID,
		TenantID:      j.TenantID,
		Scope:         j.Scope,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
		ExpiresAt:     time.Unix(j.ExpiresAt, 0),
		Revoked:       j.Revoked,
		RevokedReason: j.RevokedReason,
	}
}
