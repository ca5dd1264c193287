package instrumentation

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNew_NoopByDefault(t *testing.T) {
	inst, err := New(Config{ServiceName: "test-service"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Metrics() == nil {
		t.Fatal("Metrics() returned nil")
	}
	if inst.Meter("server") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("server") == nil {
		t.Error("Tracer() returned nil")
	}

	// Recording against the no-op provider must not panic
	ctx := context.Background()
	m := inst.Metrics()
	m.RecordCodeIssued(ctx, "client-1", true)
	m.RecordTokensIssued(ctx, "client-1", "authorization_code", true)
	m.RecordTokenRevoked(ctx, "client-1", "refresh_token", true)
	m.RecordHTTPRequest(ctx, "POST", "token", 200, 1.5)

	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestSetProviders_RebuildsMetrics(t *testing.T) {
	inst, err := New(Config{ServiceName: "test-service"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	before := inst.Metrics()
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	if err := inst.SetProviders(mp, nil); err != nil {
		t.Fatalf("SetProviders() error = %v", err)
	}
	if inst.Metrics() == before {
		t.Error("SetProviders() did not rebuild the metric instruments")
	}

	inst.Metrics().RecordCodeRedeemed(context.Background(), "client-1")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	// Every recorder must tolerate a nil receiver so callers can skip
	// nil checks on hot paths
	ctx := context.Background()
	m.RecordCodeIssued(ctx, "c", false)
	m.RecordCodeRedeemed(ctx, "c")
	m.RecordCodeReplay(ctx, "c")
	m.RecordTokensIssued(ctx, "c", "refresh_token", false)
	m.RecordTokenRotated(ctx, "c")
	m.RecordTokenRevoked(ctx, "c", "access_token", false)
	m.RecordPKCEFailure(ctx, "c", "S256")
	m.RecordRateLimited(ctx, "token")
	m.RecordScopeEscalation(ctx, "c")
	m.RecordHTTPRequest(ctx, "GET", "authorize", 302, 0.4)
	m.RecordStorageOperation(ctx, "get", "ok", 0.1)
}
