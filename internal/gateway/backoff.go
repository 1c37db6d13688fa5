package gateway

import (
	"math/rand"
	"time"
)

// Retry policy defaults. Transient errors (rate limit, connection, timeout)
// are retried up to maxRetries per model preference before falling through
// to the next one.
const (
	defaultMaxRetries  = 5
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 30 * time.Second
)

// computeBackoff returns the sleep before retry number attempt (0-based):
// min(base*2^attempt, cap) plus uniform jitter of up to half the delay.
func computeBackoff(attempt int, base, cap time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}
