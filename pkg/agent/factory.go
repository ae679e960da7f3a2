// Package agent provides the provider factory and run-scoped fallback chain
// that turn configuration into middleware-wrapped LLM clients.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
	"solver/pkg/agent/middleware/metrics"
	"solver/pkg/agent/middleware/resilience/ratelimit"
	"solver/pkg/agent/middleware/resilience/retry"
	"solver/pkg/agent/middleware/resilience/timeout"
	"solver/pkg/agent/middleware/validation"
	"solver/pkg/config"
	"solver/pkg/logx"
)

// Builder constructs a raw provider client from validated settings. Builders
// must not perform network I/O; connection failures surface on first use.
type Builder func(cfg llm.Config) (llm.Client, error)

// Schema describes what a provider requires before a client can be built.
type Schema struct {
	DefaultModel   string
	RequiresAPIKey bool
}

type registration struct {
	builder Builder
	schema  Schema
}

// nopRunContext labels requests made outside a run (SetActive probes,
// ad-hoc Create callers).
type nopRunContext struct{}

func (nopRunContext) RunID() string       { return "" }
func (nopRunContext) CurrentStep() string { return "" }

// Factory builds middleware-wrapped LLM clients from registered providers.
// Registration happens once at startup; Create and SetActive are safe for
// concurrent use afterwards.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]registration
	order     []string // registration order, used when no chain is configured
	active    string

	providersCfg *config.ProvidersConfig
	recorder     metrics.Recorder
	limiterMap   *ratelimit.ProviderLimiterMap
	retryPolicy  *retry.Policy
	timeout      time.Duration
	logger       *logx.Logger
}

// NewFactory creates a factory wired from the application config. The context
// bounds the rate limiter refill goroutines; cancel it (or call Stop) on
// shutdown.
func NewFactory(ctx context.Context, cfg config.Config) *Factory {
	var res config.ResilienceConfig
	if cfg.Resilience != nil {
		res = *cfg.Resilience
	}
	if res.Timeout == 0 {
		res.Timeout = config.DefaultTimeout
	}
	if res.Retry.MaxAttempts == 0 {
		res.Retry = config.RetryConfig{
			MaxAttempts:   config.DefaultRetryCount + 1,
			InitialDelay:  retry.DefaultConfig.InitialDelay,
			MaxDelay:      retry.DefaultConfig.MaxDelay,
			BackoffFactor: retry.DefaultConfig.BackoffFactor,
			Jitter:        true,
		}
	}
	limits := res.RateLimit

	limiterMap := ratelimit.NewProviderLimiterMap(ctx, map[string]ratelimit.Config{
		config.ProviderAnthropic: {TokensPerMinute: limits.Anthropic.TokensPerMinute, MaxConcurrency: limits.Anthropic.MaxConcurrency},
		config.ProviderOpenAI:    {TokensPerMinute: limits.OpenAI.TokensPerMinute, MaxConcurrency: limits.OpenAI.MaxConcurrency},
		config.ProviderGoogle:    {TokensPerMinute: limits.Google.TokensPerMinute, MaxConcurrency: limits.Google.MaxConcurrency},
		config.ProviderOllama:    {TokensPerMinute: limits.Ollama.TokensPerMinute, MaxConcurrency: limits.Ollama.MaxConcurrency},
	}, res.Timeout)

	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   res.Retry.MaxAttempts,
		InitialDelay:  res.Retry.InitialDelay,
		MaxDelay:      res.Retry.MaxDelay,
		BackoffFactor: res.Retry.BackoffFactor,
		Jitter:        res.Retry.Jitter,
	}, nil)

	active := ""
	if cfg.Providers != nil {
		active = cfg.Providers.Active
	}

	return &Factory{
		providers:    make(map[string]registration),
		active:       active,
		providersCfg: cfg.Providers,
		recorder:     newRecorder(cfg.Metrics),
		limiterMap:   limiterMap,
		retryPolicy:  policy,
		timeout:      res.Timeout,
		logger:       logx.NewLogger("factory"),
	}
}

// newRecorder picks the metrics backend from config.
func newRecorder(mc *config.MetricsConfig) metrics.Recorder {
	if mc == nil || !mc.Enabled {
		return metrics.Nop()
	}
	switch mc.Exporter {
	case "internal":
		return metrics.NewInternalRecorder()
	case "prometheus":
		return metrics.NewPrometheusRecorder(mc.Namespace)
	default:
		return metrics.Nop()
	}
}

// Recorder exposes the metrics backend for callers that report rollups.
func (f *Factory) Recorder() metrics.Recorder {
	return f.recorder
}

// Stop releases the factory's background resources (rate limiter refill
// timers). The factory is unusable afterwards.
func (f *Factory) Stop() {
	f.limiterMap.Stop()
}

// Register adds a provider under a name. Registration is idempotent for an
// identical schema; re-registering a name with a different schema is a
// configuration error.
func (f *Factory) Register(name string, builder Builder, schema Schema) error {
	if name == "" {
		return llmerrors.NewConfigError("provider name cannot be empty")
	}
	if builder == nil {
		return llmerrors.NewConfigError("provider %s registered without a builder", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.providers[name]; ok {
		if existing.schema != schema {
			return llmerrors.NewConfigError("provider %s already registered with a different schema", name)
		}
		return nil
	}

	f.providers[name] = registration{builder: builder, schema: schema}
	f.order = append(f.order, name)
	return nil
}

// Registered reports whether a provider name is known to the factory.
func (f *Factory) Registered(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.providers[name]
	return ok
}

// Active returns the name of the provider tried first on each run.
func (f *Factory) Active() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// SetActive switches the first-choice provider. The switch is validated by
// building a client from the provider's configured settings; a failed switch
// leaves the previous active provider in place.
func (f *Factory) SetActive(name string) error {
	f.mu.RLock()
	reg, ok := f.providers[name]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotRegistered, name)
	}

	cfg, err := f.providerConfig(name, reg)
	if err != nil {
		return err
	}
	if _, err := f.Create(name, cfg); err != nil {
		return err
	}

	f.mu.Lock()
	f.active = name
	f.mu.Unlock()
	f.logger.Info("active provider switched to %s (model %s)", name, cfg.Model)
	return nil
}

// Create builds a middleware-wrapped client for a registered provider from
// explicit settings. Validation failures are classified config errors.
func (f *Factory) Create(name string, cfg llm.Config) (llm.Client, error) {
	return f.createForRun(name, cfg, nopRunContext{})
}

// CreateFromConfig builds a client using the provider's settings from the
// application config (model, temperature, token budget, API key lookup).
func (f *Factory) CreateFromConfig(name string) (llm.Client, error) {
	f.mu.RLock()
	reg, ok := f.providers[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, name)
	}

	cfg, err := f.providerConfig(name, reg)
	if err != nil {
		return nil, err
	}
	return f.Create(name, cfg)
}

// createForRun builds the raw client and wraps it with the middleware chain.
// Metrics sit outermost so every attempt below is observed; retry wraps the
// rate limiter so backed-off attempts re-acquire budget; validation sits
// innermost so empty completions become retryable classified errors before
// the retry layer sees them.
func (f *Factory) createForRun(name string, cfg llm.Config, run metrics.RunContext) (llm.Client, error) {
	f.mu.RLock()
	reg, ok := f.providers[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, name)
	}

	if cfg.Model == "" {
		cfg.Model = reg.schema.DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = f.timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg.schema.RequiresAPIKey && cfg.APIKey == "" {
		return nil, llmerrors.NewAPIKeyError(name, "no API key configured")
	}

	raw, err := reg.builder(cfg)
	if err != nil {
		return nil, err
	}

	policy := f.retryPolicy.WithMaxAttempts(cfg.RetryCount + 1)

	client := llm.Chain(raw,
		metrics.Middleware(f.recorder, nil, run, f.logger),
		retry.Middleware(policy),
		ratelimit.Middleware(f.limiterMap, nil, f.recorder, run),
		timeout.Middleware(cfg.Timeout),
		validation.Middleware(name),
	)
	return client, nil
}

// providerConfig assembles an llm.Config from the application config,
// falling back to package defaults for missing fields. For Ollama the key
// lookup yields the host URL instead of a credential.
func (f *Factory) providerConfig(name string, reg registration) (llm.Config, error) {
	cfg := llm.Config{
		Model:       reg.schema.DefaultModel,
		Temperature: config.DefaultTemperature,
		MaxTokens:   config.DefaultMaxTokens,
		Timeout:     f.timeout,
		RetryCount:  config.DefaultRetryCount,
	}

	if s := f.providersCfg.Settings(name); s != nil {
		if s.Model != "" {
			cfg.Model = s.Model
		}
		if s.Temperature != 0 {
			cfg.Temperature = s.Temperature
		}
		if s.MaxTokens != 0 {
			cfg.MaxTokens = s.MaxTokens
		}
		if s.RetryCount != 0 {
			cfg.RetryCount = s.RetryCount
		}
		cfg.BaseURL = s.BaseURL
	}

	key, err := config.GetAPIKey(name)
	if err != nil {
		if reg.schema.RequiresAPIKey {
			return llm.Config{}, llmerrors.NewAPIKeyError(name, err.Error())
		}
		key = ""
	}
	if name == config.ProviderOllama {
		if cfg.BaseURL == "" {
			cfg.BaseURL = key
		}
	} else {
		cfg.APIKey = key
	}

	return cfg, nil
}
