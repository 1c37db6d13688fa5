package gateway

import (
	"sync"
	"time"
)

// Health tracking defaults.
const (
	defaultMaxConsecutiveFailures = 3
	defaultUnhealthyDuration      = 60 * time.Second
	latencyEMAAlpha               = 0.2
)

// ProviderHealth is the tracked state for one provider.
type ProviderHealth struct {
	IsHealthy           bool      `json:"is_healthy"`
	UnhealthyUntil      time.Time `json:"unhealthy_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int       `json:"total_requests"`
	SuccessfulRequests  int       `json:"successful_requests"`
	EMALatencyMs        float64   `json:"ema_latency_ms"`
}

// HealthTracker records per-provider outcomes and auto-marks providers
// unhealthy after repeated consecutive failures. Read-modify-write updates
// are serialized by a single lock.
type HealthTracker struct {
	mu                     sync.Mutex
	providers              map[string]*ProviderHealth
	maxConsecutiveFailures int
	unhealthyDuration      time.Duration
	now                    func() time.Time
}

// NewHealthTracker creates a tracker with the default thresholds.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		providers:              make(map[string]*ProviderHealth),
		maxConsecutiveFailures: defaultMaxConsecutiveFailures,
		unhealthyDuration:      defaultUnhealthyDuration,
		now:                    time.Now,
	}
}

func (t *HealthTracker) get(provider string) *ProviderHealth {
	h, ok := t.providers[provider]
	if !ok {
		h = &ProviderHealth{IsHealthy: true}
		t.providers[provider] = h
	}
	return h
}

// RecordSuccess marks a successful call and folds its latency into the EMA.
func (t *HealthTracker) RecordSuccess(provider string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(provider)
	h.TotalRequests++
	h.SuccessfulRequests++
	h.ConsecutiveFailures = 0
	h.IsHealthy = true
	h.UnhealthyUntil = time.Time{}

	ms := float64(latency.Milliseconds())
	if h.EMALatencyMs == 0 {
		h.EMALatencyMs = ms
	} else {
		h.EMALatencyMs = latencyEMAAlpha*ms + (1-latencyEMAAlpha)*h.EMALatencyMs
	}
}

// RecordFailure marks a failed call; after maxConsecutiveFailures in a row
// the provider is benched for unhealthyDuration.
func (t *HealthTracker) RecordFailure(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(provider)
	h.TotalRequests++
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= t.maxConsecutiveFailures {
		h.IsHealthy = false
		h.UnhealthyUntil = t.now().Add(t.unhealthyDuration)
	}
}

// IsHealthy reports whether the provider is currently usable. A benched
// provider heals automatically once its bench window expires.
func (t *HealthTracker) IsHealthy(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.providers[provider]
	if !ok {
		return true
	}
	if !h.IsHealthy && t.now().After(h.UnhealthyUntil) {
		h.IsHealthy = true
		h.ConsecutiveFailures = 0
	}
	return h.IsHealthy
}

// Snapshot returns a copy of one provider's health record.
func (t *HealthTracker) Snapshot(provider string) (ProviderHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.providers[provider]
	if !ok {
		return ProviderHealth{}, false
	}
	return *h, true
}
