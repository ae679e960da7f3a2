// Package retry provides retry logic with exponential backoff for resilient LLM calls.
package retry

import (
	"math"
	"math/rand"
	"time"

	"solver/pkg/agent/llmerrors"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter to prevent thundering herd
}

// DefaultConfig provides conservative defaults: base 1s doubling per attempt,
// capped at 30s.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  1 * time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier. It follows the error taxonomy:
// rate-limit, transient, and empty-response errors are retryable; auth,
// config, invalid-model, and temperature errors abort immediately.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return llmerrors.IsRetryable(err)
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier

	// randFloat produces jitter values in [0,1). Tests replace it to make
	// backoff deterministic.
	randFloat func() float64
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
		randFloat:  rand.Float64, //nolint:gosec // Jitter does not need crypto randomness
	}
}

// WithMaxAttempts returns a copy of the policy with a different attempt budget.
// The factory uses this to honor per-provider retry counts over one shared policy.
func (p *Policy) WithMaxAttempts(maxAttempts int) *Policy {
	copied := *p
	copied.Config.MaxAttempts = maxAttempts
	return &copied
}

// CalculateDelay computes the backoff delay before the given attempt number.
// Attempt 1 is the initial call and carries no delay; attempt 2 waits
// InitialDelay, attempt 3 waits InitialDelay*BackoffFactor, and so on,
// capped at MaxDelay with optional ±10% jitter.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		// Uniform jitter in [-10%, +10%]
		jitter := time.Duration(float64(delay) * 0.1 * (2*p.randFloat() - 1))
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}

	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
