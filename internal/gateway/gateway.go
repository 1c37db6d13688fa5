package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// Purpose is a named lane of prioritized model preferences.
type Purpose string

const (
	PurposeCodegen Purpose = "codegen"
	PurposeRepair  Purpose = "repair"
	PurposeCritic  Purpose = "critic"
)

// ModelPreference is one entry in a purpose lane. Lower priority number is
// tried first.
type ModelPreference struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Priority int    `json:"priority" yaml:"priority"`
}

// Metadata reports which preference served a successful request. Attempt is
// the 1-based preference index at which success occurred.
type Metadata struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    Usage  `json:"usage"`
	Attempt  int    `json:"attempt"`
}

// GenerateOptions carries the optional knobs of a Generate call.
type GenerateOptions struct {
	JobID           string
	Temperature     float64
	Seed            *int64
	MaxTokens       int
	RequestedTokens int // estimate for the budget pre-check; 0 = MaxTokens
}

// Gateway routes generation requests to purpose lanes with deterministic
// fallback and enforces the budget and schema contracts.
type Gateway struct {
	providers map[string]Provider
	purposes  map[Purpose][]ModelPreference
	budget    *BudgetLedger
	health    *HealthTracker

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	// test seam: overridable sleep so retry tests run instantly
	sleep func(context.Context, time.Duration) error
}

// New creates a gateway over the given providers and purpose lanes.
func New(providers []Provider, purposes map[Purpose][]ModelPreference, budget *BudgetLedger) *Gateway {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	// Preferences are sorted once; iteration order is then deterministic.
	for purpose, prefs := range purposes {
		sorted := make([]ModelPreference, len(prefs))
		copy(sorted, prefs)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
		purposes[purpose] = sorted
	}
	if budget == nil {
		budget = NewBudgetLedger(0, 1_000_000)
	}
	return &Gateway{
		providers:   byName,
		purposes:    purposes,
		budget:      budget,
		health:      NewHealthTracker(),
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		sleep:       sleepCtx,
	}
}

// Budget exposes the job budget ledger.
func (g *Gateway) Budget() *BudgetLedger { return g.budget }

// Health exposes the provider health tracker.
func (g *Gateway) Health() *HealthTracker { return g.health }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Generate runs a schema-validated generation on a purpose lane.
//
// The lane's preferences are tried in priority order. Transient errors are
// retried on the same model with exponential backoff and jitter; auth and
// schema errors move straight to the next preference. A budget breach fails
// fast without touching any provider. When every preference is exhausted the
// caller gets AllModelsFailedError with the per-preference errors in order.
func (g *Gateway) Generate(ctx context.Context, purpose Purpose, messages []Message, schema map[string]any, allowedDirs []string, opts GenerateOptions) (*types.GeneratorResponse, *Metadata, error) {
	log := logging.Get(logging.CategoryGateway)
	prefs, ok := g.purposes[purpose]
	if !ok || len(prefs) == 0 {
		return nil, nil, fmt.Errorf("no model preferences configured for purpose %q", purpose)
	}

	requested := opts.RequestedTokens
	if requested == 0 {
		requested = opts.MaxTokens
	}
	if err := g.budget.Check(opts.JobID, requested); err != nil {
		return nil, nil, err
	}

	var failures []error
	for i, pref := range prefs {
		provider, ok := g.providers[pref.Provider]
		if !ok {
			failures = append(failures, fmt.Errorf("provider %q not registered", pref.Provider))
			continue
		}

		req := ChatRequest{
			Model:       pref.Model,
			Messages:    messages,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
			Seed:        opts.Seed,
		}
		if schema != nil {
			req.ResponseFormat = &JSONSchemaFormat{Name: "generator_response", Strict: true, Schema: schema}
		}

		resp, err := g.callWithRetry(ctx, provider, req)
		if err != nil {
			log.Warn("purpose=%s preference=%d provider=%s failed: %v", purpose, i+1, pref.Provider, err)
			failures = append(failures, err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			continue
		}

		contract, err := parseContract(resp.Content, allowedDirs)
		if err != nil {
			// Schema failures do not retry the same model.
			sErr := &SchemaValidationError{Provider: pref.Provider, Model: pref.Model, Err: err}
			log.Warn("purpose=%s preference=%d: %v", purpose, i+1, sErr)
			failures = append(failures, sErr)
			continue
		}

		g.budget.Record(opts.JobID, resp.Usage)
		recordMetrics(string(purpose), pref.Provider, resp.Usage)
		log.Info("purpose=%s served by %s/%s at preference %d (%d tokens)",
			purpose, pref.Provider, pref.Model, i+1, resp.Usage.TotalTokens)
		return contract, &Metadata{
			Provider: pref.Provider,
			Model:    pref.Model,
			Usage:    resp.Usage,
			Attempt:  i + 1,
		}, nil
	}

	return nil, nil, &AllModelsFailedError{Purpose: purpose, Errors: failures}
}

// callWithRetry applies the transient-error retry policy to one provider.
// Auth errors return immediately; rate limit and connection errors back off
// and retry up to maxRetries times, honoring Retry-After hints.
func (g *Gateway) callWithRetry(ctx context.Context, provider Provider, req ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, g.backoffBase, g.backoffCap)
			var rle *RateLimitError
			if errors.As(lastErr, &rle) && rle.RetryAfter > 0 {
				delay = rle.RetryAfter
			}
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err := provider.Generate(ctx, req)
		if err == nil {
			g.health.RecordSuccess(provider.Name(), time.Since(start))
			return resp, nil
		}
		g.health.RecordFailure(provider.Name())

		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		var rateErr *RateLimitError
		var connErr *ConnectionError
		if errors.As(err, &rateErr) || errors.As(err, &connErr) {
			lastErr = err
			continue
		}
		// Anything else (malformed response, 4xx) is not transient.
		return nil, err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// parseContract parses and validates a generator response payload.
func parseContract(content string, allowedDirs []string) (*types.GeneratorResponse, error) {
	var contract types.GeneratorResponse
	if err := json.Unmarshal([]byte(content), &contract); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := contract.Validate(allowedDirs); err != nil {
		return nil, err
	}
	return &contract, nil
}
