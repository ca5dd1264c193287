package signer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// JWT issues self-contained HS256-signed access tokens. Revocation still
// goes through the token store; the signature only lets resource servers
// verify tokens without a storage round trip.
type JWT struct {
	issuer string
	secret []byte
}

// NewJWT creates a JWT signer. The secret must be non-empty; issuer is set
// as the iss claim.
func NewJWT(issuer string, secret []byte) (*JWT, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt signing secret is required")
	}
	return &JWT{issuer: issuer, secret: secret}, nil
}

// Sign produces a signed JWT carrying the access token claims
func (s *JWT) Sign(claims Claims) (string, error) {
	tokenID := claims.TokenID
	if tokenID == "" {
		tokenID = oauth2.GenerateVerifier()
	}
	issuedAt := claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	mapClaims := jwt.MapClaims{
		"iss":       s.issuer,
		"client_id": claims.ClientID,
		"tenant":    claims.TenantID,
		"scope":     claims.Scope,
		"jti":       tokenID,
		"iat":       issuedAt.Unix(),
		"exp":       claims.ExpiresAt.Unix(),
	}
	if claims.Subject != "" {
		mapClaims["sub"] = claims.Subject
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token this signer produced, returning its
// claims. Callers still need the token store to learn about revocation.
func (s *JWT) Verify(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	return claims, nil
}
