// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server: HTTP endpoint counters and latency, grant outcome
// counters, security counters (code replay, PKCE failures, rate limiting),
// and storage size gauges. When disabled it wires no-op providers so the hot
// path carries zero observability overhead.
package instrumentation
