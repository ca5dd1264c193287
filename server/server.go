package server

import (
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/signer"
	"github.com/authgate-io/authgate/storage"
)

// Server bundles the core services over a set of storage backends.
// It carries no per-request state; any number of instances may run against
// the same distributed store.
type Server struct {
	Clients *Registry
	Codes   *CodeService
	Tokens  *TokenService
	Config  *Config
	Logger  *slog.Logger

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // IP-based rate limiter
	Instrumentation *instrumentation.Instrumentation
}

// New creates the authorization server services
func New(
	clients storage.ClientStore,
	codes storage.CodeStore,
	tokens storage.TokenStore,
	tokenSigner signer.Signer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if tokenSigner == nil {
		tokenSigner = signer.NewOpaque()
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		Clients: &Registry{store: clients, config: config, logger: logger},
		Codes:   &CodeService{store: codes, config: config, logger: logger},
		Tokens:  &TokenService{store: tokens, signer: tokenSigner, config: config, logger: logger},
		Config:  config,
		Logger:  logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor on all services
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.Clients.auditor = aud
	s.Codes.auditor = aud
	s.Tokens.auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation sets the observability provider and wires its metrics
// recorder into all services
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	var m *instrumentation.Metrics
	if inst != nil {
		m = inst.Metrics()
	}
	s.Clients.metrics = m
	s.Codes.metrics = m
	s.Tokens.metrics = m
}

// validateHTTPSEnforcement ensures the issuer uses HTTPS outside of localhost
// development. OAuth over HTTP exposes codes, tokens, and client credentials
// to interception.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLocalhostHostname(issuerURL.Hostname()) {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"recommendation", "Use HTTPS even in development for production-like testing")
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got %s). "+
					"OAuth over HTTP exposes tokens and credentials to interception. "+
					"Set AllowInsecureHTTP=true only for controlled environments",
				s.Config.Issuer)
		}
		s.Logger.Warn("⚠️  SECURITY WARNING: Running OAuth over HTTP",
			"issuer", s.Config.Issuer,
			"risk", "Tokens and credentials exposed to network interception")
		return nil
	default:
		return fmt.Errorf("issuer scheme must be http or https, got %q", issuerURL.Scheme)
	}
}

// isLocalhostHostname reports whether the hostname is a recognized loopback
func isLocalhostHostname(hostname string) bool {
	switch hostname {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return false
}

// generateRandomToken generates a cryptographically secure random token.
// GenerateVerifier produces a URL-safe base64 string with 256 bits of
// entropy, suitable for codes and opaque tokens alike.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
