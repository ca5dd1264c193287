package security

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	e, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !e.IsEnabled() {
		t.Fatal("IsEnabled() = false with a key")
	}

	plaintext := "sensitive token record"
	encrypted, err := e.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if encrypted == plaintext {
		t.Error("ciphertext equals plaintext")
	}

	decrypted, err := e.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}

	// Each encryption uses a fresh nonce
	encrypted2, _ := e.Encrypt(plaintext)
	if encrypted == encrypted2 {
		t.Error("two encryptions of the same plaintext are identical")
	}
}

func TestEncryptor_Tampered(t *testing.T) {
	e, err := NewEncryptor(bytes.Repeat([]byte("k"), 32))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	encrypted, _ := e.Encrypt("data")
	tampered := encrypted[:len(encrypted)-2] + "xx"
	if _, err := e.Decrypt(tampered); err == nil {
		t.Error("Decrypt() accepted tampered ciphertext")
	}
}

func TestEncryptor_InvalidKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("too-short")); err == nil {
		t.Error("NewEncryptor() accepted a short key")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	e, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if e.IsEnabled() {
		t.Error("IsEnabled() = true without a key")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.5:54321",
			want:       "203.0.113.5",
		},
		{
			name:       "spoofed XFF ignored without trust",
			remoteAddr: "203.0.113.5:54321",
			xff:        "10.0.0.1",
			want:       "203.0.113.5",
		},
		{
			name:              "single trusted proxy",
			remoteAddr:        "10.0.0.2:443",
			xff:               "198.51.100.7, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "198.51.100.7",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.2:443",
			xff:               "198.51.100.7, 10.0.0.3, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "198.51.100.7",
		},
		{
			name:              "x-real-ip fallback",
			remoteAddr:        "10.0.0.2:443",
			xRealIP:           "198.51.100.9",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "198.51.100.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := NewRateLimiter(1, 2, logger)
	defer rl.Stop()

	if !rl.Allow("client-a") {
		t.Error("first request denied")
	}
	if !rl.Allow("client-a") {
		t.Error("burst request denied")
	}
	if rl.Allow("client-a") {
		t.Error("request over burst allowed")
	}

	// Other identifiers have their own bucket
	if !rl.Allow("client-b") {
		t.Error("independent identifier denied")
	}
}

func TestIsExpired(t *testing.T) {
	if IsExpired(time.Now().Add(time.Hour)) {
		t.Error("future expiry reported expired")
	}
	// The default clock-skew grace keeps barely-expired times alive
	if IsExpired(time.Now().Add(-time.Second)) {
		t.Error("expiry within the skew grace reported expired")
	}
	if !IsExpired(time.Now().Add(-10 * time.Second)) {
		t.Error("past expiry not reported expired")
	}
	if !IsExpiredWithGrace(time.Now().Add(-2*time.Minute), time.Minute) {
		t.Error("expiry past grace not reported expired")
	}
	if IsExpiredWithGrace(time.Now().Add(-30*time.Second), time.Minute) {
		t.Error("expiry within grace reported expired")
	}
}

func TestRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	if a == "" || a == b {
		t.Errorf("GenerateRequestID() = %q, %q, want distinct non-empty values", a, b)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	id := EnsureRequestID(w, r)
	if id == "" {
		t.Fatal("EnsureRequestID() returned empty")
	}
	if got := w.Header().Get("X-Request-ID"); got != id {
		t.Errorf("X-Request-ID header = %q, want %q", got, id)
	}

	// An incoming ID is reused
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "incoming-id")
	if got := EnsureRequestID(httptest.NewRecorder(), r); got != "incoming-id" {
		t.Errorf("EnsureRequestID() = %q, want incoming-id", got)
	}
}
