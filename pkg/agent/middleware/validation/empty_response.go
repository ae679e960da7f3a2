// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
	"solver/pkg/logx"
)

// Middleware returns a middleware function that rejects empty completions.
// A response whose content is empty or whitespace-only, with no transport
// error, becomes an ErrorTypeEmptyResponse. That error is retryable, so the
// retry middleware sitting above this one re-issues the request; if the
// provider keeps returning nothing, the exhausted error surfaces to the
// fallback chain, which marks the provider unhealthy for the rest of the run.
//
// Sits innermost in the chain, directly over the provider client, so every
// layer above sees a classified error instead of a silent blank response.
func Middleware(provider string) llm.Middleware {
	logger := logx.NewLogger("validation")

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
					return resp, err
				}

				if strings.TrimSpace(resp.Content) == "" {
					model := next.GetModelName()
					logger.Warn("Empty response from %s (model: %s, stop_reason: %s)",
						provider, model, resp.StopReason)
					return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(provider, model)
				}

				return resp, nil
			},
			// Streams are validated by the consumer as chunks arrive; an empty
			// stream is visible as Done with no prior content.
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			next.GetModelName,
		)
	}
}
