package agent

import (
	"context"
	"sync"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
	"solver/pkg/agent/middleware/metrics"
	"solver/pkg/logx"
)

// chainEntry is one provider position in a fallback chain.
type chainEntry struct {
	client llm.Client
	name   string
}

// ProviderHealth is the run-scoped health record for one provider.
type ProviderHealth struct {
	LastError string `json:"last_error,omitempty"`
	Failures  int    `json:"failures"`
	Skipped   bool   `json:"skipped"`
}

// FallbackChain tries providers in order for the duration of one run. A
// provider that fails on auth, or exhausts its retry budget on empty
// responses, is marked unhealthy and skipped for the remainder of the run;
// other failures keep the provider eligible for later calls. The chain
// implements llm.Client so the step engine stays provider-agnostic.
type FallbackChain struct {
	mu      sync.Mutex
	entries []chainEntry
	health  map[string]*ProviderHealth
	logger  *logx.Logger
}

// NewFallbackChain builds a run-scoped chain over the named providers, each
// wired through the factory's middleware stack with the run's identity. With
// no names given the chain follows the configured order: active provider
// first, then the configured fallbacks. Providers whose clients cannot be
// built (missing API key, bad settings) start the run skipped rather than
// failing chain construction, so one unconfigured fallback does not block a
// healthy active provider. At least one provider must be usable.
func (f *Factory) NewFallbackChain(run metrics.RunContext, names ...string) (*FallbackChain, error) {
	if run == nil {
		run = nopRunContext{}
	}
	if len(names) == 0 {
		names = f.defaultChainOrder()
	}
	if len(names) == 0 {
		return nil, llmerrors.NewConfigError("no providers configured for fallback chain")
	}

	chain := &FallbackChain{
		health: make(map[string]*ProviderHealth, len(names)),
		logger: logx.NewLogger("fallback"),
	}

	usable := 0
	for _, name := range names {
		f.mu.RLock()
		reg, ok := f.providers[name]
		f.mu.RUnlock()
		if !ok {
			return nil, llmerrors.NewConfigError("provider %s is not registered", name)
		}

		health := &ProviderHealth{}
		chain.health[name] = health

		cfg, err := f.providerConfig(name, reg)
		if err == nil {
			var client llm.Client
			client, err = f.createForRun(name, cfg, run)
			if err == nil {
				chain.entries = append(chain.entries, chainEntry{client: client, name: name})
				usable++
				continue
			}
		}

		health.Skipped = true
		health.LastError = err.Error()
		chain.logger.Warn("provider %s unavailable for this run: %v", name, err)
	}

	if usable == 0 {
		return nil, llmerrors.NewConfigError("no usable providers in chain %v", names)
	}
	return chain, nil
}

// defaultChainOrder resolves the configured chain order against registered
// providers, falling back to registration order.
func (f *Factory) defaultChainOrder() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var names []string
	for _, name := range f.providersCfg.ChainOrder() {
		if _, ok := f.providers[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		return names
	}

	names = make([]string, 0, len(f.order))
	if f.active != "" {
		if _, ok := f.providers[f.active]; ok {
			names = append(names, f.active)
		}
	}
	for _, name := range f.order {
		if name != f.active {
			names = append(names, name)
		}
	}
	return names
}

// Complete tries each healthy provider in order until one succeeds. When
// every provider has failed, the returned RetryError preserves the ordered
// per-provider failures with their attempt counts.
func (c *FallbackChain) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	var failures []llmerrors.ProviderFailure

	for i := range c.entries {
		entry := &c.entries[i]
		if c.isSkipped(entry.name) {
			continue
		}

		resp, err := entry.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			// Cancellation is the caller's signal, not a provider fault.
			return llm.CompletionResponse{}, ctx.Err()
		}

		failures = append(failures, llmerrors.ProviderFailure{
			Provider: entry.name,
			Err:      err,
			Attempts: llmerrors.AttemptCount(err),
		})
		c.recordFailure(entry.name, err)
	}

	if len(failures) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewConfigError("all providers in chain are marked unhealthy")
	}
	return llm.CompletionResponse{}, llmerrors.NewRetryError(failures)
}

// Stream tries each healthy provider until one opens a stream. Failures after
// the stream starts flowing surface as error chunks; streams are finite and
// not restartable, so the chain does not fall back mid-stream.
func (c *FallbackChain) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	var failures []llmerrors.ProviderFailure

	for i := range c.entries {
		entry := &c.entries[i]
		if c.isSkipped(entry.name) {
			continue
		}

		ch, err := entry.client.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		failures = append(failures, llmerrors.ProviderFailure{
			Provider: entry.name,
			Err:      err,
			Attempts: llmerrors.AttemptCount(err),
		})
		c.recordFailure(entry.name, err)
	}

	if len(failures) == 0 {
		return nil, llmerrors.NewConfigError("all providers in chain are marked unhealthy")
	}
	return nil, llmerrors.NewRetryError(failures)
}

// GetModelName returns the model of the first provider still in play.
func (c *FallbackChain) GetModelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		entry := &c.entries[i]
		if h := c.health[entry.name]; h == nil || !h.Skipped {
			return entry.client.GetModelName()
		}
	}
	if len(c.entries) > 0 {
		return c.entries[0].client.GetModelName()
	}
	return ""
}

// Providers returns the chain order, including providers marked unhealthy.
func (c *FallbackChain) Providers() []string {
	names := make([]string, 0, len(c.entries))
	for i := range c.entries {
		names = append(names, c.entries[i].name)
	}
	return names
}

// Health returns a snapshot of the run-scoped health records, keyed by
// provider name. Useful in failure diagnostics.
func (c *FallbackChain) Health() map[string]ProviderHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[string]ProviderHealth, len(c.health))
	for name, h := range c.health {
		snapshot[name] = *h
	}
	return snapshot
}

func (c *FallbackChain) isSkipped(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[name]
	return h != nil && h.Skipped
}

// recordFailure updates the provider's health record. Auth failures and
// empty responses that survived the retry budget disqualify the provider for
// the remainder of the run; transient exhaustion keeps it eligible.
func (c *FallbackChain) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.health[name]
	if h == nil {
		h = &ProviderHealth{}
		c.health[name] = h
	}
	h.Failures++
	h.LastError = err.Error()

	if llmerrors.Is(err, llmerrors.ErrorTypeAuth) || llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
		h.Skipped = true
		c.logger.Warn("provider %s disqualified for this run: %v", name, err)
		return
	}
	c.logger.Warn("provider %s failed (%d attempts), falling back: %v", name, llmerrors.AttemptCount(err), err)
}
