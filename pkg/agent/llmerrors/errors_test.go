package llmerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorTypeString(t *testing.T) {
	tests := []struct {
		errType  ErrorType
		expected string
	}{
		{ErrorTypeRateLimit, "rate_limit"},
		{ErrorTypeTransient, "transient"},
		{ErrorTypeEmptyResponse, "empty_response"},
		{ErrorTypeAuth, "auth"},
		{ErrorTypeBadPrompt, "bad_prompt"},
		{ErrorTypeConfig, "config"},
		{ErrorTypeInvalidModel, "invalid_model"},
		{ErrorTypeTemperature, "temperature"},
		{ErrorTypeUnknown, "unknown"},
		{ErrorType(99), "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.errType.String(); got != tt.expected {
				t.Errorf("ErrorType(%d).String() = %q, want %q", tt.errType, got, tt.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse, ErrorTypeUnknown}
	nonRetryable := []ErrorType{ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeConfig, ErrorTypeInvalidModel, ErrorTypeTemperature}

	for _, et := range retryable {
		err := NewError(et, "test")
		if !err.IsRetryable() {
			t.Errorf("Expected %s to be retryable", et)
		}
	}
	for _, et := range nonRetryable {
		err := NewError(et, "test")
		if err.IsRetryable() {
			t.Errorf("Expected %s to be non-retryable", et)
		}
	}
}

func TestIsRetryableUnclassified(t *testing.T) {
	if !IsRetryable(errors.New("plain error")) {
		t.Error("Expected unclassified errors to be treated as retryable")
	}
	if IsRetryable(NewAPIKeyError("openai", "rejected")) {
		t.Error("Expected auth errors to be non-retryable")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := NewAPIKeyError("anthropic", "API key rejected")
	msg := err.Error()
	if !strings.Contains(msg, "anthropic") {
		t.Errorf("Expected provider in message, got: %s", msg)
	}
	if !strings.Contains(msg, "auth") {
		t.Errorf("Expected error type in message, got: %s", msg)
	}

	statusErr := NewErrorWithStatus(ErrorTypeRateLimit, 429, "")
	if !strings.Contains(statusErr.Error(), "429") {
		t.Errorf("Expected status code in message, got: %s", statusErr.Error())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewErrorWithCause(ErrorTypeTransient, cause, "request failed")

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the wrapped cause")
	}

	var classified *Error
	wrapped := fmt.Errorf("step failed: %w", err)
	if !errors.As(wrapped, &classified) {
		t.Fatal("Expected errors.As to find the classified error")
	}
	if classified.Type != ErrorTypeTransient {
		t.Errorf("Expected transient type, got %s", classified.Type)
	}
}

func TestTypeOf(t *testing.T) {
	if got := TypeOf(NewTemperatureError(1.5)); got != ErrorTypeTemperature {
		t.Errorf("TypeOf = %s, want temperature", got)
	}
	if got := TypeOf(errors.New("anything")); got != ErrorTypeUnknown {
		t.Errorf("TypeOf(plain) = %s, want unknown", got)
	}
	wrapped := fmt.Errorf("outer: %w", NewConfigError("bad key %q", "foo"))
	if got := TypeOf(wrapped); got != ErrorTypeConfig {
		t.Errorf("TypeOf(wrapped) = %s, want config", got)
	}
}

func TestDomainConstructors(t *testing.T) {
	tempErr := NewTemperatureError(2.5)
	if tempErr.Type != ErrorTypeTemperature {
		t.Errorf("Expected temperature type, got %s", tempErr.Type)
	}
	if !strings.Contains(tempErr.Error(), "2.50") {
		t.Errorf("Expected value in message, got: %s", tempErr.Error())
	}

	modelErr := NewInvalidModelError("ollama", "missing:7b")
	if modelErr.Provider != "ollama" {
		t.Errorf("Expected provider ollama, got %s", modelErr.Provider)
	}
	if !strings.Contains(modelErr.Error(), "missing:7b") {
		t.Errorf("Expected model in message, got: %s", modelErr.Error())
	}

	emptyErr := NewEmptyResponseError("gemini", "gemini-2.0-flash")
	if emptyErr.Type != ErrorTypeEmptyResponse {
		t.Errorf("Expected empty_response type, got %s", emptyErr.Type)
	}
}

func TestRetryConfigProfiles(t *testing.T) {
	rateLimitErr := NewError(ErrorTypeRateLimit, "quota")
	cfg := rateLimitErr.GetRetryConfig()
	if cfg.InitialDelay <= 0 || cfg.MaxDelay <= 0 {
		t.Error("Expected positive delays for rate limit profile")
	}

	// Unmapped types fall back to the unknown profile.
	authErr := NewError(ErrorTypeAuth, "bad key")
	if authErr.GetRetryConfig() != DefaultRetryConfigs[ErrorTypeUnknown] {
		t.Error("Expected unknown profile fallback for unmapped type")
	}
}

func TestRetryErrorOrdering(t *testing.T) {
	failures := []ProviderFailure{
		{Provider: "gemini", Attempts: 3, Err: NewEmptyResponseError("gemini", "gemini-2.0-flash")},
		{Provider: "anthropic", Attempts: 1, Err: NewAPIKeyError("anthropic", "missing ANTHROPIC_API_KEY")},
		{Provider: "ollama", Attempts: 2, Err: NewError(ErrorTypeTransient, "connection refused")},
	}
	err := NewRetryError(failures)

	msg := err.Error()
	geminiIdx := strings.Index(msg, "gemini")
	anthropicIdx := strings.Index(msg, "anthropic")
	ollamaIdx := strings.Index(msg, "ollama")
	if geminiIdx == -1 || anthropicIdx == -1 || ollamaIdx == -1 {
		t.Fatalf("Expected all providers in message, got: %s", msg)
	}
	if !(geminiIdx < anthropicIdx && anthropicIdx < ollamaIdx) {
		t.Errorf("Expected providers in trial order, got: %s", msg)
	}

	if !strings.Contains(msg, "3 attempts") {
		t.Errorf("Expected attempt counts in message, got: %s", msg)
	}
}

func TestRetryErrorUnwrap(t *testing.T) {
	authErr := NewAPIKeyError("openai", "rejected")
	err := NewRetryError([]ProviderFailure{
		{Provider: "gemini", Attempts: 2, Err: NewError(ErrorTypeTransient, "503")},
		{Provider: "openai", Attempts: 1, Err: authErr},
	})

	if !errors.Is(err, authErr) {
		t.Error("Expected errors.Is to reach per-provider failures")
	}

	var retryErr *RetryError
	wrapped := fmt.Errorf("run failed: %w", err)
	if !errors.As(wrapped, &retryErr) {
		t.Fatal("Expected errors.As to find RetryError")
	}
	if len(retryErr.Failures) != 2 {
		t.Errorf("Expected 2 failures, got %d", len(retryErr.Failures))
	}
}

func TestRetryErrorEmpty(t *testing.T) {
	err := NewRetryError(nil)
	if err.Error() != "all providers failed" {
		t.Errorf("Unexpected empty-failure message: %s", err.Error())
	}
}

func TestRetriesExhaustedError(t *testing.T) {
	inner := NewEmptyResponseError("google", "gemini-2.0-flash")
	exhausted := NewRetriesExhaustedError(inner, 3)

	if !strings.Contains(exhausted.Error(), "3 attempts") {
		t.Errorf("Expected attempt count in message, got: %s", exhausted.Error())
	}

	// Classification survives the wrapper
	if !Is(exhausted, ErrorTypeEmptyResponse) {
		t.Error("Expected inner classification to be visible through wrapper")
	}

	var llmErr *Error
	if !errors.As(exhausted, &llmErr) {
		t.Fatal("Expected errors.As to find inner *Error")
	}
	if llmErr.Provider != "google" {
		t.Errorf("Expected provider google, got %q", llmErr.Provider)
	}
}

func TestAttemptCount(t *testing.T) {
	inner := NewError(ErrorTypeTransient, "connection reset")

	if got := AttemptCount(NewRetriesExhaustedError(inner, 4)); got != 4 {
		t.Errorf("Expected 4 attempts, got %d", got)
	}

	// Wrapped deeper in a plain fmt wrapper
	wrapped := fmt.Errorf("request failed: %w", NewRetriesExhaustedError(inner, 2))
	if got := AttemptCount(wrapped); got != 2 {
		t.Errorf("Expected 2 attempts through wrapping, got %d", got)
	}

	// No retry wrapper means a single attempt
	if got := AttemptCount(inner); got != 1 {
		t.Errorf("Expected 1 attempt for unwrapped error, got %d", got)
	}
}

func TestSanitizePrompt(t *testing.T) {
	short := "short prompt"
	if SanitizePrompt(short, 100) != short {
		t.Error("Expected short prompts unchanged")
	}

	long := strings.Repeat("sensitive content ", 100)
	sanitized := SanitizePrompt(long, 300)
	if len(sanitized) >= len(long) {
		t.Error("Expected long prompts to be shortened")
	}
	if !strings.Contains(sanitized, "hash:") {
		t.Errorf("Expected correlation hash, got: %s", sanitized)
	}
	if !strings.Contains(sanitized, fmt.Sprintf("%d chars", len(long))) {
		t.Errorf("Expected original length, got: %s", sanitized)
	}
}
