package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the authorization server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	CodesIssued    metric.Int64Counter
	CodesRedeemed  metric.Int64Counter
	TokensIssued   metric.Int64Counter
	TokensRotated  metric.Int64Counter
	TokensRevoked  metric.Int64Counter

	// Security
	CodeReplayDetected   metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter
	ScopeEscalations     metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")

	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.CodesIssued, err = serverMeter.Int64Counter(
		"oauth.codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.issued counter: %w", err)
	}

	m.CodesRedeemed, err = serverMeter.Int64Counter(
		"oauth.codes.redeemed",
		metric.WithDescription("Number of authorization codes redeemed for tokens"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.redeemed counter: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Number of token sets issued, by grant type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokensRotated, err = serverMeter.Int64Counter(
		"oauth.tokens.rotated",
		metric.WithDescription("Number of refresh tokens rotated out"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.rotated counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Number of tokens revoked via the revocation endpoint"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.CodeReplayDetected, err = serverMeter.Int64Counter(
		"oauth.security.code_replay",
		metric.WithDescription("Number of redemption attempts on consumed codes"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.code_replay counter: %w", err)
	}

	m.PKCEValidationFailed, err = serverMeter.Int64Counter(
		"oauth.security.pkce_failures",
		metric.WithDescription("Number of failed PKCE verifications"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.pkce_failures counter: %w", err)
	}

	m.RateLimitExceeded, err = serverMeter.Int64Counter(
		"oauth.security.rate_limited",
		metric.WithDescription("Number of rate-limited requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.rate_limited counter: %w", err)
	}

	m.ScopeEscalations, err = serverMeter.Int64Counter(
		"oauth.security.scope_escalations",
		metric.WithDescription("Number of scope escalation attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.scope_escalations counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.clients",
		metric.WithDescription("Number of registered clients in the store"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients gauge: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.codes",
		metric.WithDescription("Number of live authorization codes in the store"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes gauge: %w", err)
	}

	m.StorageAccessTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.access_tokens",
		metric.WithDescription("Number of access token records in the store"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.access_tokens gauge: %w", err)
	}

	m.StorageRefreshTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.refresh_tokens",
		metric.WithDescription("Number of refresh token records in the store"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_tokens gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric (nil-safe)
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordCodeIssued records an authorization code issuance (nil-safe)
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string, pkce bool) {
	if m == nil {
		return
	}
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.Bool(AttrPKCEPresent, pkce),
	))
}

// RecordCodeRedeemed records a successful code redemption (nil-safe)
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodesRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
	))
}

// RecordTokensIssued records issuance of a token set (nil-safe)
func (m *Metrics) RecordTokensIssued(ctx context.Context, clientID, grantType string, refreshIncluded bool) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrGrantType, grantType),
		attribute.Bool(AttrRefreshIncluded, refreshIncluded),
	))
}

// RecordTokenRotated records a refresh token rotation (nil-safe)
func (m *Metrics) RecordTokenRotated(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokensRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
	))
}

// RecordTokenRevoked records a revocation (nil-safe)
func (m *Metrics) RecordTokenRevoked(ctx context.Context, clientID, tokenType string, found bool) {
	if m == nil {
		return
	}
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrTokenType, tokenType),
		attribute.Bool(AttrTokenFound, found),
	))
}

// RecordCodeReplay records an attempted redemption of a consumed code (nil-safe)
func (m *Metrics) RecordCodeReplay(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodeReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
	))
}

// RecordPKCEFailure records a failed PKCE verification (nil-safe)
func (m *Metrics) RecordPKCEFailure(ctx context.Context, clientID, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrPKCEMethod, method),
	))
}

// RecordRateLimited records a rate-limited request (nil-safe)
func (m *Metrics) RecordRateLimited(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPEndpoint, endpoint),
	))
}

// RecordScopeEscalation records a scope escalation attempt (nil-safe)
func (m *Metrics) RecordScopeEscalation(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.ScopeEscalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
	))
}

// RecordStorageOperation records a storage operation outcome (nil-safe)
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
