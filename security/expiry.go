package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace period applied to expiry
	// checks for codes and tokens. Distributed deployments rarely have
	// perfectly synchronized clocks; a few seconds of tolerance prevents
	// spurious invalid_grant responses near the expiry boundary while
	// extending effective lifetime only marginally.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired reports whether expiresAt has passed, applying the default
// clock-skew grace period. A zero time means no expiry.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGrace(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGrace reports whether expiresAt has passed by more than the
// given grace period. A zero time means no expiry.
func IsExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}
