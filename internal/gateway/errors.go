// Package gateway dispatches LLM requests to prioritized model lanes with
// deterministic fallback, bounded retry, schema-validated JSON responses,
// and per-job token budgets.
package gateway

import (
	"fmt"
	"strings"
	"time"
)

// AuthError means the provider rejected our credentials. Never retried on
// the same provider; the gateway falls through to the next preference.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error from %s: %s", e.Provider, e.Message)
}

// RateLimitError is a 429. Retried with backoff; RetryAfter, when set,
// overrides the computed delay.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: %s", e.Provider, e.Message)
}

// ConnectionError covers transport failures and timeouts. Retried.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SchemaValidationError means the model answered but the payload failed the
// generator contract. Not retried on the same model.
type SchemaValidationError struct {
	Provider string
	Model    string
	Err      error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// BudgetExceededError fails fast: no retries, no fallback.
type BudgetExceededError struct {
	JobID     string
	Requested int
	Remaining int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("job %s budget exceeded: requested %d tokens, %d remaining", e.JobID, e.Requested, e.Remaining)
}

// AllModelsFailedError is raised after every preference in a purpose lane
// has been exhausted. Callers should treat it as recoverable (pause the job)
// rather than fatal.
type AllModelsFailedError struct {
	Purpose Purpose
	Errors  []error
}

func (e *AllModelsFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("all models failed for purpose %s: [%s]", e.Purpose, strings.Join(parts, "; "))
}
