// Package config manages solver configuration including provider settings,
// model registry data, resilience tuning, and encrypted secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"solver/pkg/agent/llmerrors"
	"solver/pkg/logx"
)

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes - it defines where all
// solver files are stored relative to the project root.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string       // Immutable after LoadConfig - set once at startup
	logger     *logx.Logger // Package logger for config operations
	mu         sync.RWMutex
)

// getLogger returns the config logger, initializing it if needed.
func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger.
// This is exposed for other packages (like main) to use consistent logging.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-3-7-sonnet-20250219": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},

	// OpenAI GPT models
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"gpt-4o-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         0.15,
		OutputCPM:        0.60,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},

	// OpenAI o3 models
	"o3-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o3": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},

	// Google Gemini models
	"gemini-2.0-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.10,
		OutputCPM:        0.40,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  8192,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
// Allows using new models without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	// Ollama models - common open-source model prefixes
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
// Returns error if model cannot be mapped to a provider (FATAL).
func GetModelProvider(modelName string) (string, error) {
	// Check known models first
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	// Try pattern matching for unknown models
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	// FATAL: Cannot proceed without valid provider
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	// Check known models first
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	// Try to infer provider for unknown models
	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}

	// Return default info with inferred provider (or empty if no pattern matched)
	// Use conservative defaults for unknown models
	return ModelInfo{
		Provider:         provider,
		InputCPM:         0.0,   // No cost tracking for unknown models
		OutputCPM:        0.0,   // No cost tracking for unknown models
		MaxContextTokens: 32000, // Conservative default
		MaxOutputTokens:  4096,  // Conservative default
	}, false
}

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter to prevent thundering herd
}

// ProviderLimits defines rate limiting configuration for a specific API provider.
// These are user-configurable values that can be overridden in config.json.
type ProviderLimits struct {
	TokensPerMinute int `json:"tokens_per_minute"` // Rate limit in tokens per minute
	MaxConcurrency  int `json:"max_concurrency"`   // Maximum concurrent requests
}

// RateLimitConfig defines rate limiting configuration grouped by API provider.
type RateLimitConfig struct {
	Anthropic ProviderLimits `json:"anthropic"` // Rate limits for Anthropic models
	OpenAI    ProviderLimits `json:"openai"`    // Rate limits for OpenAI models
	Google    ProviderLimits `json:"google"`    // Rate limits for Google models
	Ollama    ProviderLimits `json:"ollama"`    // Rate limits for Ollama models (local inference)
}

// ProviderDefaults defines default rate limits for each provider.
// These are used when rate limits are not specified in config.json.
//
//nolint:gochecknoglobals // Intentional global for provider defaults
var ProviderDefaults = map[string]ProviderLimits{
	ProviderAnthropic: {
		TokensPerMinute: 300000,
		MaxConcurrency:  5,
	},
	ProviderOpenAI: {
		TokensPerMinute: 150000,
		MaxConcurrency:  5,
	},
	ProviderGoogle: {
		TokensPerMinute: 1200000, // Must be > MaxContextTokens/0.9 for Gemini models (1M context)
		MaxConcurrency:  5,
	},
	ProviderOllama: {
		TokensPerMinute: 1000000, // Effectively unlimited for local inference
		MaxConcurrency:  2,       // Limited by GPU memory - users can increase if they have more VRAM
	},
}

// ResilienceConfig bundles all resilience-related middleware configuration.
type ResilienceConfig struct {
	Retry     RetryConfig     `json:"retry"`      // Retry policy settings
	RateLimit RateLimitConfig `json:"rate_limit"` // Rate limiting settings
	Timeout   time.Duration   `json:"timeout"`    // Per-request timeout
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`        // Whether metrics collection is enabled
	Exporter      string `json:"exporter"`       // Metrics exporter type ("prometheus", "internal", "noop")
	Namespace     string `json:"namespace"`      // Metrics namespace for grouping
	PrometheusURL string `json:"prometheus_url"` // Prometheus server URL for querying metrics
}

// DebugConfig defines configuration for debug logging.
type DebugConfig struct {
	LLMMessages bool `json:"llm_messages"` // Enable debug logging for LLM message formatting (default: false)
}

// All constants bundled together for easy maintenance.
const (
	// SchemaVersion must increment for breaking config format changes.
	SchemaVersion = "1.0"

	// ProjectConfigDir is the directory under the project root holding all solver files.
	ProjectConfigDir = ".solver"

	// Provider identifiers. These match the names registered with the provider factory.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	// Default models per provider.
	DefaultGoogleModel    = "gemini-2.0-flash"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultOllamaModel    = "qwen2.5-coder:14b"

	// Environment variable names for provider credentials.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// DefaultOllamaHost is used when OLLAMA_HOST is not set.
	DefaultOllamaHost = "http://localhost:11434"

	// Generation defaults applied when a provider section omits them.
	DefaultTemperature = float32(0.3)
	DefaultMaxTokens   = 4096
	DefaultTimeout     = 120 * time.Second
	DefaultRetryCount  = 2

	// Solver loop defaults. MaxExecuteRetries bounds how many times a failed
	// verification sends the run back to execution before giving up.
	DefaultMaxExecuteRetries = 2
	DefaultMaxIterations     = 20
)

// ProviderSettings holds the user-tunable generation settings for one provider.
type ProviderSettings struct {
	Model       string  `json:"model"`              // Model name (mapped to provider via KnownModels or patterns)
	Temperature float32 `json:"temperature"`        // Sampling temperature, valid range [0.0, 1.0]
	MaxTokens   int     `json:"max_tokens"`         // Maximum completion tokens per request
	RetryCount  int     `json:"retry_count"`        // Retries after the initial attempt (total attempts = retry_count + 1)
	BaseURL     string  `json:"base_url,omitempty"` // Override API endpoint (mainly for Ollama)
}

// ProvidersConfig selects the active provider and configures each backend.
type ProvidersConfig struct {
	Active    string            `json:"active"`             // Provider tried first on each run
	Fallback  []string          `json:"fallback,omitempty"` // Remaining chain order; empty means registration order
	Anthropic *ProviderSettings `json:"anthropic,omitempty"`
	OpenAI    *ProviderSettings `json:"openai,omitempty"`
	Google    *ProviderSettings `json:"google,omitempty"`
	Ollama    *ProviderSettings `json:"ollama,omitempty"`
}

// SolverConfig defines step loop behavior.
type SolverConfig struct {
	MaxExecuteRetries int  `json:"max_execute_retries"` // Failed verifications tolerated before ending with failure
	MaxIterations     int  `json:"max_iterations"`      // Hard cap on step transitions per run
	Stream            bool `json:"stream"`              // Stream execution output as it arrives
}

// PersistenceConfig defines run history storage settings.
type PersistenceConfig struct {
	Enabled bool   `json:"enabled"`        // Whether runs are recorded to the local database
	Path    string `json:"path,omitempty"` // Database filename under the solver dir (default: solver.db)
}

// Config represents the main configuration for the solver.
//
// IMPORTANT: This structure contains only user-configurable project settings.
// Model pricing, provider mappings, and other static data are hardcoded in KnownModels and ProviderDefaults.
//
// Schema versioning prevents breaking changes - increment SchemaVersion for any structural changes.
type Config struct {
	SchemaVersion string `json:"schema_version"` // MUST increment for breaking changes

	Providers   *ProvidersConfig   `json:"providers"`   // Provider selection and per-provider settings
	Solver      *SolverConfig      `json:"solver"`      // Step loop behavior
	Resilience  *ResilienceConfig  `json:"resilience"`  // Retry, rate limit, and timeout settings
	Metrics     *MetricsConfig     `json:"metrics"`     // Metrics collection configuration
	Persistence *PersistenceConfig `json:"persistence"` // Run history storage
	Debug       *DebugConfig       `json:"debug"`       // Debug settings

	// === RUNTIME-ONLY STATE (NOT PERSISTED) ===
	SessionID string `json:"-"` // Current session ID (generated at startup)
}

// GetProjectSolverDir returns the path to the .solver directory containing all solver files.
// Must call LoadConfig first to initialize projectDir.
func GetProjectSolverDir() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return filepath.Join(projectDir, ProjectConfigDir), nil
}

// GetProjectDir returns the project directory set during LoadConfig.
// Returns empty string if LoadConfig has not been called.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// This prevents external mutation - all updates must go through Update* functions.
// Must call LoadConfig first to initialize the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	// Return by value (copy) to prevent external mutation
	return *config, nil
}

// SetConfigForTesting sets the global config for testing purposes.
// Pass nil to reset. This bypasses normal initialization and should only be used in tests.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// LoadConfig loads the entire configuration from <projectDir>/.solver/config.json into
// the global singleton. This is a simple unmarshal operation of the complete Config struct.
//
// Behavior:
// - Missing file: Creates new config with defaults and saves it
// - Existing file: Loads and validates, applying defaults for missing fields
// - Unparseable file: Returns error to avoid overwriting user changes
//
// This should typically be called once at application startup.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Store project directory - immutable after this point
	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, "config.json")

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Missing file - create new config with defaults
		getLogger().Info("📝 Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()

		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}

		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		getLogger().Info("✅ New config file created and validated")
		return nil
	}

	// File exists - try to load it
	getLogger().Info("📝 Loading config from %s", configPath)
	loadedConfig, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(loadedConfig)
	if err := validateConfig(loadedConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = loadedConfig

	// Save config back to disk with applied defaults (ensures old configs get updated)
	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	getLogger().Info("✅ Config loaded and validated successfully")
	return nil
}

// loadConfigFromFile reads and unmarshals a config file.
func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}

	return &config, nil
}

// SaveConfig saves config to <projectDir>/.solver/config.json.
func SaveConfig(config *Config, projectDir string) error {
	configPath := filepath.Join(projectDir, ProjectConfigDir, "config.json")

	// Create directory if needed
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// saveConfigLocked saves the global config. Caller must hold mu.
func saveConfigLocked() error {
	if config == nil {
		return fmt.Errorf("no config to save")
	}
	return SaveConfig(config, projectDir)
}

// createDefaultConfig creates a new config with sensible defaults.
func createDefaultConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,

		Providers: &ProvidersConfig{
			Active: ProviderGoogle,
			Google: defaultProviderSettings(DefaultGoogleModel),
		},
		Solver: &SolverConfig{
			MaxExecuteRetries: DefaultMaxExecuteRetries,
			MaxIterations:     DefaultMaxIterations,
		},
		Resilience: &ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts:   DefaultRetryCount + 1,
				InitialDelay:  1 * time.Second,
				MaxDelay:      30 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
			RateLimit: RateLimitConfig{
				Anthropic: ProviderDefaults[ProviderAnthropic],
				OpenAI:    ProviderDefaults[ProviderOpenAI],
				Google:    ProviderDefaults[ProviderGoogle],
				Ollama:    ProviderDefaults[ProviderOllama],
			},
			Timeout: DefaultTimeout,
		},
		Metrics: &MetricsConfig{
			Enabled:   true,
			Exporter:  "prometheus",
			Namespace: "solver",
		},
		Persistence: &PersistenceConfig{
			Enabled: true,
			Path:    "solver.db",
		},
		Debug: &DebugConfig{},
	}
}

// defaultProviderSettings returns provider settings with generation defaults applied.
func defaultProviderSettings(model string) *ProviderSettings {
	return &ProviderSettings{
		Model:       model,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		RetryCount:  DefaultRetryCount,
	}
}

// defaultModelFor returns the default model for a provider identifier.
func defaultModelFor(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return DefaultAnthropicModel
	case ProviderOpenAI:
		return DefaultOpenAIModel
	case ProviderGoogle:
		return DefaultGoogleModel
	case ProviderOllama:
		return DefaultOllamaModel
	default:
		return ""
	}
}

// applyDefaults fills in missing sections and fields on a loaded config.
//
//nolint:gocyclo,cyclop // Straight-line default application is clearer in one place.
func applyDefaults(config *Config) {
	// Initialize sections if nil
	if config.Providers == nil {
		config.Providers = &ProvidersConfig{}
	}
	if config.Solver == nil {
		config.Solver = &SolverConfig{}
	}
	if config.Resilience == nil {
		config.Resilience = &ResilienceConfig{}
	}
	if config.Metrics == nil {
		config.Metrics = &MetricsConfig{}
	}
	if config.Persistence == nil {
		config.Persistence = &PersistenceConfig{}
	}
	if config.Debug == nil {
		config.Debug = &DebugConfig{}
	}

	// Apply provider defaults
	if config.Providers.Active == "" {
		config.Providers.Active = ProviderGoogle
	}
	for _, provider := range []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama} {
		settings := providerSettingsFor(config.Providers, provider)
		if settings == nil {
			// Only materialize the section for the active provider
			if provider != config.Providers.Active {
				continue
			}
			settings = &ProviderSettings{}
			setProviderSettings(config.Providers, provider, settings)
		}
		if settings.Model == "" {
			settings.Model = defaultModelFor(provider)
		}
		if settings.Temperature == 0 {
			settings.Temperature = DefaultTemperature
		}
		if settings.MaxTokens == 0 {
			settings.MaxTokens = DefaultMaxTokens
		}
		if settings.RetryCount == 0 {
			settings.RetryCount = DefaultRetryCount
		}
	}

	// Apply solver defaults
	if config.Solver.MaxExecuteRetries == 0 {
		config.Solver.MaxExecuteRetries = DefaultMaxExecuteRetries
	}
	if config.Solver.MaxIterations == 0 {
		config.Solver.MaxIterations = DefaultMaxIterations
	}

	// Apply resilience defaults
	if config.Resilience.Retry.MaxAttempts == 0 {
		config.Resilience.Retry.MaxAttempts = DefaultRetryCount + 1
		config.Resilience.Retry.Jitter = true
	}
	if config.Resilience.Retry.InitialDelay == 0 {
		config.Resilience.Retry.InitialDelay = 1 * time.Second
	}
	if config.Resilience.Retry.MaxDelay == 0 {
		config.Resilience.Retry.MaxDelay = 30 * time.Second
	}
	if config.Resilience.Retry.BackoffFactor == 0 {
		config.Resilience.Retry.BackoffFactor = 2.0
	}
	if config.Resilience.Timeout == 0 {
		config.Resilience.Timeout = DefaultTimeout
	}
	if config.Resilience.RateLimit.Anthropic.TokensPerMinute == 0 {
		config.Resilience.RateLimit.Anthropic = ProviderDefaults[ProviderAnthropic]
	}
	if config.Resilience.RateLimit.OpenAI.TokensPerMinute == 0 {
		config.Resilience.RateLimit.OpenAI = ProviderDefaults[ProviderOpenAI]
	}
	if config.Resilience.RateLimit.Google.TokensPerMinute == 0 {
		config.Resilience.RateLimit.Google = ProviderDefaults[ProviderGoogle]
	}
	if config.Resilience.RateLimit.Ollama.TokensPerMinute == 0 {
		config.Resilience.RateLimit.Ollama = ProviderDefaults[ProviderOllama]
	}

	// Apply metrics defaults
	if config.Metrics.Exporter == "" {
		config.Metrics.Exporter = "prometheus"
	}
	if config.Metrics.Namespace == "" {
		config.Metrics.Namespace = "solver"
	}

	// Apply persistence defaults
	if config.Persistence.Path == "" {
		config.Persistence.Path = "solver.db"
	}
}

// Settings returns the settings section for a provider, or nil when the
// provider has no configured section.
func (p *ProvidersConfig) Settings(provider string) *ProviderSettings {
	if p == nil {
		return nil
	}
	return providerSettingsFor(p, provider)
}

// ChainOrder returns the provider names to try, active first, followed by
// the configured fallback order. When no fallback is configured, the other
// providers with settings sections follow in registration order.
func (p *ProvidersConfig) ChainOrder() []string {
	if p == nil {
		return nil
	}

	order := make([]string, 0, 4)
	seen := make(map[string]bool, 4)
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		order = append(order, name)
	}

	add(p.Active)
	if len(p.Fallback) > 0 {
		for _, name := range p.Fallback {
			add(name)
		}
		return order
	}
	for _, provider := range []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama} {
		if providerSettingsFor(p, provider) != nil {
			add(provider)
		}
	}
	return order
}

// providerSettingsFor returns the settings section for a provider, or nil.
func providerSettingsFor(providers *ProvidersConfig, provider string) *ProviderSettings {
	switch provider {
	case ProviderAnthropic:
		return providers.Anthropic
	case ProviderOpenAI:
		return providers.OpenAI
	case ProviderGoogle:
		return providers.Google
	case ProviderOllama:
		return providers.Ollama
	default:
		return nil
	}
}

// setProviderSettings assigns the settings section for a provider.
func setProviderSettings(providers *ProvidersConfig, provider string, settings *ProviderSettings) {
	switch provider {
	case ProviderAnthropic:
		providers.Anthropic = settings
	case ProviderOpenAI:
		providers.OpenAI = settings
	case ProviderGoogle:
		providers.Google = settings
	case ProviderOllama:
		providers.Ollama = settings
	}
}

// validateConfig performs structural validation on the loaded config.
// Credential checks happen later, when the factory constructs provider clients.
func validateConfig(config *Config) error {
	getLogger().Info("📋 Validating config structure")

	if config.Providers != nil {
		if err := validateProvidersInternal(config.Providers); err != nil {
			return fmt.Errorf("provider config validation failed: %w", err)
		}
	}

	if config.Solver != nil {
		if config.Solver.MaxExecuteRetries < 0 {
			return fmt.Errorf("solver max_execute_retries must be >= 0 (got %d)", config.Solver.MaxExecuteRetries)
		}
		if config.Solver.MaxIterations < 1 {
			return fmt.Errorf("solver max_iterations must be >= 1 (got %d)", config.Solver.MaxIterations)
		}
	}

	if config.Metrics != nil && config.Metrics.Enabled {
		switch config.Metrics.Exporter {
		case "prometheus", "internal", "noop":
		default:
			return fmt.Errorf("unknown metrics exporter %q (expected prometheus, internal, or noop)", config.Metrics.Exporter)
		}
	}

	getLogger().Info("✅ Config structure validated")
	return nil
}

// validateProvidersInternal checks provider selection and per-provider settings.
func validateProvidersInternal(providers *ProvidersConfig) error {
	if !isKnownProvider(providers.Active) {
		return llmerrors.NewConfigError("unknown active provider %q (expected one of: %s, %s, %s, %s)",
			providers.Active, ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama)
	}
	for _, name := range providers.Fallback {
		if !isKnownProvider(name) {
			return llmerrors.NewConfigError("unknown fallback provider %q", name)
		}
	}

	for _, provider := range []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama} {
		settings := providerSettingsFor(providers, provider)
		if settings == nil {
			continue
		}
		if settings.Model != "" {
			mapped, err := GetModelProvider(settings.Model)
			if err != nil {
				return err
			}
			if mapped != provider {
				return llmerrors.NewConfigError("model %q belongs to provider %q, configured under %q",
					settings.Model, mapped, provider)
			}
		}
		if settings.Temperature < 0.0 || settings.Temperature > 1.0 {
			return llmerrors.NewTemperatureError(settings.Temperature)
		}
		if settings.MaxTokens < 0 {
			return llmerrors.NewConfigError("max_tokens must be positive (got %d)", settings.MaxTokens)
		}
		if settings.RetryCount < 0 {
			return llmerrors.NewConfigError("retry_count must be >= 0 (got %d)", settings.RetryCount)
		}
	}

	return nil
}

// isKnownProvider reports whether name is a supported provider identifier.
func isKnownProvider(name string) bool {
	switch name {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		return true
	default:
		return false
	}
}

// CalculateCost computes the USD cost for a request against a known model.
func CalculateCost(modelName string, promptTokens, completionTokens int) (float64, error) {
	// Try to get pricing from KnownModels
	if info, exists := KnownModels[modelName]; exists {
		inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
		outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
		return inputCost + outputCost, nil
	}

	// For unknown models, return 0 cost (allows usage but no cost tracking)
	// This is intentional - we want to support new models without requiring pricing data
	return 0.0, nil
}

// GetAPIKey returns the API key for a given provider.
// Checks secrets file first, then falls back to environment variables.
// For Ollama, returns the host URL instead of an API key.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		// Ollama doesn't use API keys - return host URL instead
		// Check environment variable first, then default to localhost
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = DefaultOllamaHost
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	// Try to get from secrets file first, then environment variable
	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}

	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// GenerateSessionID generates a new session ID for this process.
func GenerateSessionID() error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	// Timestamp-based ID keeps logs readable while staying unique per process
	sessionID := fmt.Sprintf("%d", time.Now().UnixNano())
	config.SessionID = sessionID

	getLogger().Info("Generated session ID: %s", sessionID)
	return nil
}

// SetSessionID sets a specific session ID (used when resuming).
func SetSessionID(sessionID string) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	config.SessionID = sessionID
	getLogger().Info("Restored session ID: %s", sessionID)
	return nil
}
