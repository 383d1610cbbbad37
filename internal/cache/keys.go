package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Key prefixes of the shared store. Each category has its own TTL policy:
// velocity and ratelimit keys live for their window width, mlpred keys for a
// short memoization period.
const (
	PrefixVelocity   = "velocity"
	PrefixRateLimit  = "ratelimit"
	PrefixPrediction = "mlpred"
)

// Key joins a prefix and parts with ':'.
func Key(prefix string, parts ...string) string {
	return prefix + ":" + strings.Join(parts, ":")
}

// WindowLabel renders a window width compactly ("1h", "24h", "90s").
func WindowLabel(w time.Duration) string {
	switch {
	case w%time.Hour == 0:
		return fmt.Sprintf("%dh", w/time.Hour)
	case w%time.Minute == 0:
		return fmt.Sprintf("%dm", w/time.Minute)
	default:
		return fmt.Sprintf("%ds", w/time.Second)
	}
}

// Fingerprint hashes arbitrary bytes into a hex key component.
func Fingerprint(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}
