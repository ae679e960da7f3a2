package agent

import (
	"solver/pkg/agent/internal/llmimpl/anthropic"
	"solver/pkg/agent/internal/llmimpl/google"
	"solver/pkg/agent/internal/llmimpl/ollama"
	"solver/pkg/agent/internal/llmimpl/openai"
	"solver/pkg/agent/llm"
	"solver/pkg/config"
)

// RegisterDefaults registers the built-in providers. Google is the default
// active provider; Ollama runs against a local host URL and needs no API key.
func RegisterDefaults(f *Factory) error {
	registrations := []struct {
		builder Builder
		name    string
		schema  Schema
	}{
		{
			name:   config.ProviderGoogle,
			schema: Schema{DefaultModel: config.DefaultGoogleModel, RequiresAPIKey: true},
			builder: func(cfg llm.Config) (llm.Client, error) {
				return google.NewClient(cfg.APIKey, cfg.Model), nil
			},
		},
		{
			name:   config.ProviderAnthropic,
			schema: Schema{DefaultModel: config.DefaultAnthropicModel, RequiresAPIKey: true},
			builder: func(cfg llm.Config) (llm.Client, error) {
				return anthropic.NewClient(cfg.APIKey, cfg.Model), nil
			},
		},
		{
			name:   config.ProviderOpenAI,
			schema: Schema{DefaultModel: config.DefaultOpenAIModel, RequiresAPIKey: true},
			builder: func(cfg llm.Config) (llm.Client, error) {
				return openai.NewClient(cfg.APIKey, cfg.Model), nil
			},
		},
		{
			name:   config.ProviderOllama,
			schema: Schema{DefaultModel: config.DefaultOllamaModel, RequiresAPIKey: false},
			builder: func(cfg llm.Config) (llm.Client, error) {
				host := cfg.BaseURL
				if host == "" {
					host = config.DefaultOllamaHost
				}
				return ollama.NewClient(host, cfg.Model), nil
			},
		},
	}

	for _, reg := range registrations {
		if err := f.Register(reg.name, reg.builder, reg.schema); err != nil {
			return err
		}
	}
	return nil
}
