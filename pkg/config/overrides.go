package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"solver/pkg/agent/llmerrors"
)

// Override keys accepted from inbound requests.
const (
	OverrideKeyTemperature = "temperature"
	OverrideKeyMaxTokens   = "max_tokens"
	OverrideKeyProvider    = "provider"
	OverrideKeyStream      = "stream"
)

// Overrides carries per-run adjustments supplied alongside a task.
// Nil fields mean "keep the configured value". Values are validated at parse
// time so a bad override fails the request before any provider call is made.
type Overrides struct {
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Provider    *string  `json:"provider,omitempty"`
	Stream      *bool    `json:"stream,omitempty"`
}

// ParseOverrides parses a list of key=value pairs (typically from repeated
// --set flags) into an Overrides. Unrecognized keys are rejected.
func ParseOverrides(pairs []string) (*Overrides, error) {
	overrides := &Overrides{}
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, llmerrors.NewConfigError("malformed override %q (expected key=value)", pair)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := overrides.set(key, value); err != nil {
			return nil, err
		}
	}
	return overrides, nil
}

// ParseOverridesJSON parses a JSON object into an Overrides.
// Unknown fields are rejected so typos fail loudly instead of being ignored.
func ParseOverridesJSON(data []byte) (*Overrides, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	overrides := &Overrides{}
	if err := decoder.Decode(overrides); err != nil {
		return nil, llmerrors.NewConfigError("invalid overrides: %v", err)
	}
	if err := overrides.Validate(); err != nil {
		return nil, err
	}
	return overrides, nil
}

// set assigns a single override by key, validating the value.
func (o *Overrides) set(key, value string) error {
	switch key {
	case OverrideKeyTemperature:
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return llmerrors.NewConfigError("temperature override %q is not a number", value)
		}
		temp := float32(parsed)
		if temp < 0.0 || temp > 1.0 {
			return llmerrors.NewTemperatureError(temp)
		}
		o.Temperature = &temp
	case OverrideKeyMaxTokens:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return llmerrors.NewConfigError("max_tokens override %q is not an integer", value)
		}
		if parsed <= 0 {
			return llmerrors.NewConfigError("max_tokens override must be positive (got %d)", parsed)
		}
		o.MaxTokens = &parsed
	case OverrideKeyProvider:
		if !isKnownProvider(value) {
			return llmerrors.NewConfigError("unknown provider override %q (expected one of: %s, %s, %s, %s)",
				value, ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama)
		}
		o.Provider = &value
	case OverrideKeyStream:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return llmerrors.NewConfigError("stream override %q is not a boolean", value)
		}
		o.Stream = &parsed
	default:
		return llmerrors.NewConfigError("unrecognized override key %q (expected one of: %s, %s, %s, %s)",
			key, OverrideKeyTemperature, OverrideKeyMaxTokens, OverrideKeyProvider, OverrideKeyStream)
	}
	return nil
}

// Validate checks override values that arrived via JSON unmarshaling.
func (o *Overrides) Validate() error {
	if o.Temperature != nil && (*o.Temperature < 0.0 || *o.Temperature > 1.0) {
		return llmerrors.NewTemperatureError(*o.Temperature)
	}
	if o.MaxTokens != nil && *o.MaxTokens <= 0 {
		return llmerrors.NewConfigError("max_tokens override must be positive (got %d)", *o.MaxTokens)
	}
	if o.Provider != nil && !isKnownProvider(*o.Provider) {
		return llmerrors.NewConfigError("unknown provider override %q", *o.Provider)
	}
	return nil
}

// Merge folds other into o, with other taking precedence.
// Used to layer CLI overrides on top of task file frontmatter.
func (o *Overrides) Merge(other *Overrides) {
	if other == nil {
		return
	}
	if other.Temperature != nil {
		o.Temperature = other.Temperature
	}
	if other.MaxTokens != nil {
		o.MaxTokens = other.MaxTokens
	}
	if other.Provider != nil {
		o.Provider = other.Provider
	}
	if other.Stream != nil {
		o.Stream = other.Stream
	}
}

// Apply copies override values onto provider settings, returning the result.
// The input settings are not modified.
func (o *Overrides) Apply(settings ProviderSettings) ProviderSettings {
	if o == nil {
		return settings
	}
	if o.Temperature != nil {
		settings.Temperature = *o.Temperature
	}
	if o.MaxTokens != nil {
		settings.MaxTokens = *o.MaxTokens
	}
	return settings
}

// String renders the overrides for logging. Unset fields are omitted.
func (o *Overrides) String() string {
	if o == nil {
		return "{}"
	}
	parts := make([]string, 0, 4)
	if o.Temperature != nil {
		parts = append(parts, fmt.Sprintf("temperature=%.2f", *o.Temperature))
	}
	if o.MaxTokens != nil {
		parts = append(parts, fmt.Sprintf("max_tokens=%d", *o.MaxTokens))
	}
	if o.Provider != nil {
		parts = append(parts, "provider="+*o.Provider)
	}
	if o.Stream != nil {
		parts = append(parts, fmt.Sprintf("stream=%t", *o.Stream))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
