// Command authgate runs the OAuth 2.0 authorization server over HTTP.
//
// Configuration is environment-driven. The storage backend is selected with
// AUTHGATE_STORAGE (memory or valkey); clients can be seeded at startup via
// the AUTHGATE_CLIENTS JSON document. End-user authentication is delegated
// to a fronting proxy that injects the authenticated user and tenant as
// request headers.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/authgate-io/authgate"
	"github.com/authgate-io/authgate/instrumentation"
	"github.com/authgate-io/authgate/security"
	"github.com/authgate-io/authgate/server"
	"github.com/authgate-io/authgate/signer"
	"github.com/authgate-io/authgate/storage"
	"github.com/authgate-io/authgate/storage/memory"
	"github.com/authgate-io/authgate/storage/valkey"
)

const serviceVersion = "0.1.0"

type envConfig struct {
	Addr     string `env:"AUTHGATE_ADDR" envDefault:":8080"`
	Issuer   string `env:"AUTHGATE_ISSUER" envDefault:"http://localhost:8080"`
	LoginURL string `env:"AUTHGATE_LOGIN_URL"`

	DefaultTenant string `env:"AUTHGATE_DEFAULT_TENANT" envDefault:"default"`

	LogLevel  string `env:"AUTHGATE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"AUTHGATE_LOG_FORMAT" envDefault:"json"`

	Storage         string `env:"AUTHGATE_STORAGE" envDefault:"memory"`
	ValkeyAddress   string `env:"AUTHGATE_VALKEY_ADDRESS" envDefault:"localhost:6379"`
	ValkeyPassword  string `env:"AUTHGATE_VALKEY_PASSWORD"`
	ValkeyDB        int    `env:"AUTHGATE_VALKEY_DB"`
	ValkeyKeyPrefix string `env:"AUTHGATE_VALKEY_KEY_PREFIX"`

	// EncryptionKey is a base64-encoded 32-byte AES key for encrypting
	// access token records at rest. Empty disables encryption.
	EncryptionKey string `env:"AUTHGATE_ENCRYPTION_KEY"`

	// JWTSecret switches access tokens from opaque strings to signed JWTs
	JWTSecret string `env:"AUTHGATE_JWT_SECRET"`

	CodeTTL         int64 `env:"AUTHGATE_CODE_TTL" envDefault:"120"`
	AccessTokenTTL  int64 `env:"AUTHGATE_ACCESS_TOKEN_TTL" envDefault:"3600"`
	RefreshTokenTTL int64 `env:"AUTHGATE_REFRESH_TOKEN_TTL" envDefault:"7776000"`

	RotateRefreshTokens         bool `env:"AUTHGATE_ROTATE_REFRESH_TOKENS" envDefault:"true"`
	RequirePKCEForPublicClients bool `env:"AUTHGATE_REQUIRE_PKCE" envDefault:"true"`
	AllowPKCEPlain              bool `env:"AUTHGATE_ALLOW_PKCE_PLAIN" envDefault:"false"`
	RequireRevocationClientAuth bool `env:"AUTHGATE_REQUIRE_REVOCATION_AUTH" envDefault:"true"`
	AllowInsecureHTTP           bool `env:"AUTHGATE_ALLOW_INSECURE_HTTP" envDefault:"false"`

	TrustProxy        bool `env:"AUTHGATE_TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"AUTHGATE_TRUSTED_PROXY_COUNT" envDefault:"1"`

	RateLimitRPS   int `env:"AUTHGATE_RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int `env:"AUTHGATE_RATE_LIMIT_BURST" envDefault:"20"`

	AuditLogging bool `env:"AUTHGATE_AUDIT_LOGGING" envDefault:"true"`
	OTelEnabled  bool `env:"AUTHGATE_OTEL_ENABLED" envDefault:"false"`

	// ClientsJSON seeds the client registry at startup
	ClientsJSON string `env:"AUTHGATE_CLIENTS"`

	UserHeader   string `env:"AUTHGATE_USER_HEADER" envDefault:"X-Authenticated-User"`
	TenantHeader string `env:"AUTHGATE_TENANT_HEADER" envDefault:"X-Authenticated-Tenant"`

	ShutdownTimeout time.Duration `env:"AUTHGATE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// seedClient is one entry of the AUTHGATE_CLIENTS JSON document
type seedClient struct {
	ClientID     string   `json:"client_id"`
	TenantID     string   `json:"tenant_id"`
	SecretHash   string   `json:"secret_hash"` // bcrypt hash, confidential clients only
	ClientType   string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes"`
	Name         string   `json:"name"`
}

// headerAuthenticator trusts user identity headers injected by a fronting
// authentication proxy. Only usable when the proxy strips the headers from
// inbound traffic.
type headerAuthenticator struct {
	userHeader   string
	tenantHeader string
}

func (a *headerAuthenticator) UserFromRequest(r *http.Request) (string, string, bool) {
	userID := r.Header.Get(a.userHeader)
	if userID == "" {
		return "", "", false
	}
	return userID, r.Header.Get(a.tenantHeader), true
}

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting authgate",
		"version", serviceVersion,
		"issuer", cfg.Issuer,
		"storage", cfg.Storage)

	var encryptor *security.Encryptor
	if cfg.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("invalid AUTHGATE_ENCRYPTION_KEY: %w", err)
		}
		encryptor, err = security.NewEncryptor(key)
		if err != nil {
			return fmt.Errorf("invalid AUTHGATE_ENCRYPTION_KEY: %w", err)
		}
		logger.Info("Token encryption at rest enabled")
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "authgate",
		ServiceVersion: serviceVersion,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create instrumentation: %w", err)
	}
	if cfg.OTelEnabled {
		// Exporters attach via the standard OTEL_* environment variables in
		// deployments that run the collector sidecar; a bare SDK provider
		// still aggregates and serves as the wiring point.
		mp := sdkmetric.NewMeterProvider()
		tp := sdktrace.NewTracerProvider()
		if err := inst.SetProviders(mp, tp); err != nil {
			return fmt.Errorf("failed to install telemetry providers: %w", err)
		}
	}

	clientStore, codeStore, tokenStore, closeStore, err := buildStores(cfg, logger, encryptor, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	var tokenSigner signer.Signer
	if cfg.JWTSecret != "" {
		tokenSigner, err = signer.NewJWT(cfg.Issuer, []byte(cfg.JWTSecret))
		if err != nil {
			return fmt.Errorf("failed to create JWT signer: %w", err)
		}
		logger.Info("Issuing JWT access tokens")
	} else {
		tokenSigner = signer.NewOpaque()
	}

	srv, err := server.New(clientStore, codeStore, tokenStore, tokenSigner, &server.Config{
		Issuer:                      cfg.Issuer,
		LoginURL:                    cfg.LoginURL,
		DefaultTenant:               cfg.DefaultTenant,
		AuthorizationCodeTTL:        cfg.CodeTTL,
		AccessTokenTTL:              cfg.AccessTokenTTL,
		RefreshTokenTTL:             cfg.RefreshTokenTTL,
		RotateRefreshTokens:         cfg.RotateRefreshTokens,
		RequirePKCEForPublicClients: cfg.RequirePKCEForPublicClients,
		AllowPKCEPlain:              cfg.AllowPKCEPlain,
		RequireRevocationClientAuth: cfg.RequireRevocationClientAuth,
		AllowInsecureHTTP:           cfg.AllowInsecureHTTP,
		TrustProxy:                  cfg.TrustProxy,
		TrustedProxyCount:           cfg.TrustedProxyCount,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditLogging))
	if cfg.RateLimitRPS > 0 {
		rl := security.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
		defer rl.Stop()
		srv.SetRateLimiter(rl)
	}

	if cfg.ClientsJSON != "" {
		if err := seedClients(context.Background(), clientStore, cfg.ClientsJSON, cfg.DefaultTenant, logger); err != nil {
			return err
		}
	}

	handler := authgate.NewHandler(srv, &headerAuthenticator{
		userHeader:   cfg.UserHeader,
		tenantHeader: cfg.TenantHeader,
	}, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Instrumentation shutdown failed", "error", err)
	}
	return nil
}

// buildStores selects the storage backend. The memory backend serves single
// instance deployments and tests; valkey serves horizontally scaled ones.
func buildStores(cfg envConfig, logger *slog.Logger, encryptor *security.Encryptor, inst *instrumentation.Instrumentation) (storage.ClientStore, storage.CodeStore, storage.TokenStore, func(), error) {
	switch cfg.Storage {
	case "memory":
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store, store, store.Stop, nil
	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   cfg.ValkeyAddress,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyKeyPrefix,
			Logger:    logger,
			Encryptor: encryptor,
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to create valkey store: %w", err)
		}
		return store, store, store, store.Close, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage)
	}
}

// seedClients loads the bootstrap client registry from a JSON document
func seedClients(ctx context.Context, store storage.ClientStore, doc, defaultTenant string, logger *slog.Logger) error {
	var seeds []seedClient
	if err := json.Unmarshal([]byte(doc), &seeds); err != nil {
		return fmt.Errorf("invalid AUTHGATE_CLIENTS document: %w", err)
	}

	for _, seed := range seeds {
		tenantID := seed.TenantID
		if tenantID == "" {
			tenantID = defaultTenant
		}
		client := &storage.Client{
			ClientID:     seed.ClientID,
			TenantID:     tenantID,
			SecretHash:   seed.SecretHash,
			ClientType:   seed.ClientType,
			RedirectURIs: seed.RedirectURIs,
			GrantTypes:   seed.GrantTypes,
			Scopes:       seed.Scopes,
			Status:       storage.ClientStatusActive,
			Name:         seed.Name,
			CreatedAt:    time.Now(),
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to seed client %q: %w", seed.ClientID, err)
		}
		logger.Info("Seeded client", "client_id", seed.ClientID, "tenant_id", tenantID)
	}
	return nil
}

// newLogger builds the process logger from the environment settings
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
