package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/internal/util"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/storage"
)

// codeLogLength is the number of characters of a code included in logs
const codeLogLength = 8

// CodeService issues authorization codes and redeems them exactly once.
type CodeService struct {
	store   storage.CodeStore
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// IssueCodeRequest carries the parameters bound into an authorization code
type IssueCodeRequest struct {
	Client              *storage.Client
	UserID              string
	TenantID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Issue generates a single-use authorization code bound to the request
// parameters. Precondition checks (client validity, redirect registration,
// scope policy, PKCE parameter shape) belong to the caller; Issue only
// persists.
func (s *CodeService) Issue(ctx context.Context, req IssueCodeRequest) (string, error) {
	code := generateRandomToken()
	now := time.Now()

	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.Client.ClientID,
		UserID:              req.UserID,
		TenantID:            req.TenantID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogCodeIssued(req.UserID, req.Client.ClientID, req.TenantID, req.Scope, req.CodeChallenge != "")
	}
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, req.Client.ClientID, req.CodeChallenge != "")
	}

	s.logger.Debug("Issued authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", req.Client.ClientID,
		"user_id_hint", util.SafeTruncate(req.UserID, codeLogLength))
	return code, nil
}

// Redeem consumes an authorization code and validates the redemption
// parameters against what was bound at issuance.
//
// The consumed mark is set atomically with the existence and expiry checks,
// so concurrent redeemers of the same code observe exactly one success. The
// post-consumption checks (client binding, redirect URI, PKCE) run on an
// already-burned code: a code that fails them stays consumed and cannot be
// retried. Callers must collapse every failure into a single generic
// invalid_grant response so attackers cannot probe which check failed.
func (s *CodeService) Redeem(ctx context.Context, code, clientID, redirectURI, codeVerifier, ipAddress string) (*storage.AuthorizationCode, error) {
	record, err := s.store.AtomicConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) {
			// Replay of a spent code. RFC 6749 section 4.1.2 recommends
			// revoking tokens issued from it; we log and alert instead, and
			// treat the attempt as a plain failure.
			userID, issuedTo := "", ""
			if record != nil {
				userID, issuedTo = record.UserID, record.ClientID
			}
			if s.auditor != nil {
				s.auditor.LogCodeReplay(userID, issuedTo, ipAddress)
			}
			if s.metrics != nil {
				s.metrics.RecordCodeReplay(ctx, issuedTo)
			}
			s.logger.Warn("Authorization code replay detected",
				"code_prefix", util.SafeTruncate(code, codeLogLength),
				"presented_by", clientID,
				"issued_to", issuedTo)
		}
		return nil, err
	}

	if record.ClientID != clientID {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(record.UserID, clientID, ipAddress, "code_client_mismatch")
		}
		return nil, fmt.Errorf("%w: code issued to different client", storage.ErrClientMismatch)
	}

	if record.RedirectURI != redirectURI {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(record.UserID, clientID, ipAddress, "redirect_uri_mismatch")
		}
		return nil, ErrRedirectURIMismatch
	}

	if err := verifyPKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(record.UserID, clientID, ipAddress, "pkce_verification_failed")
		}
		if s.metrics != nil {
			s.metrics.RecordPKCEFailure(ctx, clientID, record.CodeChallengeMethod)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordCodeRedeemed(ctx, clientID)
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", clientID)
	return record, nil
}
