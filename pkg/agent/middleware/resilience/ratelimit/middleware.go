// Package ratelimit provides rate limiting middleware for LLM clients.
package ratelimit

import (
	"context"
	"time"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/middleware/metrics"
)

// Middleware returns a middleware function that wraps an LLM client with rate limiting.
// It estimates token usage and acquires both tokens and a concurrency slot before
// making requests. The runID labels acquisitions for stale-slot diagnostics.
func Middleware(limiterMap *ProviderLimiterMap, estimator TokenEstimator, recorder metrics.Recorder, run metrics.RunContext) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()

				limiter, err := limiterMap.GetLimiter(model)
				if err != nil {
					// No limiter for this model's provider: proceed unlimited
					// rather than blocking the request.
					recorder.IncThrottle(model, "no_limiter")
					return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
				}

				// Budget the prompt plus the full output allowance
				totalTokens := estimator.EstimatePrompt(req) + req.MaxTokens

				waitStart := time.Now()
				release, err := limiter.Acquire(ctx, totalTokens, run.RunID())
				if err != nil {
					recorder.IncThrottle(model, "rate_limit")
					return llm.CompletionResponse{}, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()
				recorder.ObserveQueueWait(model, time.Since(waitStart))

				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				model := next.GetModelName()

				limiter, err := limiterMap.GetLimiter(model)
				if err != nil {
					recorder.IncThrottle(model, "no_limiter")
					return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
				}

				totalTokens := estimator.EstimatePrompt(req) + req.MaxTokens

				waitStart := time.Now()
				release, err := limiter.Acquire(ctx, totalTokens, run.RunID())
				if err != nil {
					recorder.IncThrottle(model, "rate_limit")
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				recorder.ObserveQueueWait(model, time.Since(waitStart))

				ch, err := next.Stream(ctx, req)
				if err != nil {
					release()
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}

				// Hold the concurrency slot until the stream drains
				out := make(chan llm.StreamChunk)
				go func() {
					defer release()
					defer close(out)
					for chunk := range ch {
						out <- chunk
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
