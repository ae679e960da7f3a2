// Package llmerrors provides structured error classification and retry configuration for LLM API interactions.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of LLM errors for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content errors.
	ErrorTypeEmptyResponse

	// Non-retryable error types.

	// ErrorTypeAuth represents authentication errors (401/403, missing or rejected API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed request errors (too long, violates policy).
	ErrorTypeBadPrompt
	// ErrorTypeConfig represents invalid configuration (unknown provider, bad override key, failed validation).
	ErrorTypeConfig
	// ErrorTypeInvalidModel represents a model name the provider does not recognize.
	ErrorTypeInvalidModel
	// ErrorTypeTemperature represents a temperature outside the accepted [0,1] range.
	ErrorTypeTemperature
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeConfig:
		return "config"
	case ErrorTypeInvalidModel:
		return "invalid_model"
	case ErrorTypeTemperature:
		return "temperature"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// RetryConfig defines exponential backoff configuration for each error type.
type RetryConfig struct {
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfigs provides backoff profiles per error type. Rate limits
// back off harder than ordinary transient failures; non-retryable types carry
// zero delays.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeEmptyResponse: {
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeRateLimit: {
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeUnknown: {
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// Error represents a classified LLM error with retry metadata.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Provider   string    // Provider that produced the error, when known
	BodyStub   string    // First portion of response body (guards PII)
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := "LLM error"
	if e.Provider != "" {
		prefix = fmt.Sprintf("LLM error [%s]", e.Provider)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s (%s): %s", prefix, e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", prefix, e.Type.String(), e.Err)
	}
	return fmt.Sprintf("%s (%s): status %d", prefix, e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
// Uses blocklist approach: everything is retryable UNLESS explicitly non-retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeConfig, ErrorTypeInvalidModel, ErrorTypeTemperature:
		return false
	default:
		return true
	}
}

// GetRetryConfig returns the backoff profile for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if config, exists := DefaultRetryConfigs[e.Type]; exists {
		return config
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether an arbitrary error should be retried.
// Unclassified errors are treated as retryable unknowns.
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return true
}

// NewError creates a new classified LLM error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified LLM error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified LLM error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// NewConfigError creates a configuration error (bad override key, unknown
// provider name, failed validation).
func NewConfigError(format string, args ...any) *Error {
	return &Error{
		Type:    ErrorTypeConfig,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewAPIKeyError creates an auth error for a missing or rejected API key.
func NewAPIKeyError(provider, message string) *Error {
	return &Error{
		Type:     ErrorTypeAuth,
		Provider: provider,
		Message:  message,
	}
}

// NewEmptyResponseError creates an error for a well-formed response carrying no content.
func NewEmptyResponseError(provider, model string) *Error {
	return &Error{
		Type:     ErrorTypeEmptyResponse,
		Provider: provider,
		Message:  fmt.Sprintf("model %s returned an empty response", model),
	}
}

// NewInvalidModelError creates an error for a model the provider does not serve.
func NewInvalidModelError(provider, model string) *Error {
	return &Error{
		Type:     ErrorTypeInvalidModel,
		Provider: provider,
		Message:  fmt.Sprintf("model %s is not available on provider %s", model, provider),
	}
}

// NewTemperatureError creates an error for a temperature outside [0,1].
func NewTemperatureError(value float32) *Error {
	return &Error{
		Type:    ErrorTypeTemperature,
		Message: fmt.Sprintf("temperature %.2f outside valid range [0.0, 1.0]", value),
	}
}

// ProviderFailure records one provider's terminal failure inside a fallback chain.
type ProviderFailure struct {
	Err      error  // Classified error the provider ended on
	Provider string // Provider name as registered
	Attempts int    // Total attempts made against this provider
}

// RetryError is returned when every provider in a fallback chain has failed.
// Failures preserves the order providers were tried in.
type RetryError struct {
	Failures []ProviderFailure
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	if len(e.Failures) == 0 {
		return "all providers failed"
	}
	parts := make([]string, 0, len(e.Failures))
	for i := range e.Failures {
		f := &e.Failures[i]
		parts = append(parts, fmt.Sprintf("%s: %v (%d attempts)", f.Provider, f.Err, f.Attempts))
	}
	return fmt.Sprintf("all providers failed: %s", strings.Join(parts, "; "))
}

// Unwrap exposes the per-provider errors to errors.Is/As.
func (e *RetryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for i := range e.Failures {
		errs = append(errs, e.Failures[i].Err)
	}
	return errs
}

// NewRetryError creates a chain-exhaustion error from ordered per-provider failures.
func NewRetryError(failures []ProviderFailure) *RetryError {
	return &RetryError{Failures: failures}
}

// RetriesExhaustedError wraps the final error after a provider's retry budget
// is spent. It carries the attempt count so a fallback chain can report how
// hard each provider was tried.
type RetriesExhaustedError struct {
	Err      error
	Attempts int
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the final underlying error.
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// NewRetriesExhaustedError wraps err with its attempt count.
func NewRetriesExhaustedError(err error, attempts int) *RetriesExhaustedError {
	return &RetriesExhaustedError{Err: err, Attempts: attempts}
}

// AttemptCount extracts the attempt count from an error chain.
// Errors that never went through retry count as a single attempt.
func AttemptCount(err error) int {
	var exhausted *RetriesExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return 1
}

// SanitizePrompt creates a safe representation of a prompt for logging.
// For large prompts, it returns first/last portions plus a hash of the full content.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}

	first := prompt[:halfMax]
	last := prompt[len(prompt)-halfMax:]

	// Hash of the full prompt for correlation
	hash := sha256.Sum256([]byte(prompt))
	hashStr := fmt.Sprintf("%x", hash)[:16]

	return fmt.Sprintf("%s...[%d chars, hash:%s]...%s",
		first, len(prompt), hashStr, last)
}
