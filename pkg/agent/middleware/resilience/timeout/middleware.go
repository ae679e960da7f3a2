// Package timeout provides timeout middleware for LLM clients.
package timeout

import (
	"context"
	"errors"
	"time"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
)

// Middleware returns a middleware function that wraps an LLM client with per-request
// timeout logic. A fired timeout is classified as a retryable transient failure so
// the retry and fallback layers treat it like any other provider hiccup; caller
// cancellation passes through unchanged.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Complete(timeoutCtx, req)
				return resp, classify(ctx, err, duration)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				// The stream outlives this call, so the timeout context must
				// survive until the stream drains. Cancel when the caller's
				// context ends rather than on return.
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				ch, err := next.Stream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, classify(ctx, err, duration)
				}

				out := make(chan llm.StreamChunk)
				go func() {
					defer cancel()
					defer close(out)
					for chunk := range ch {
						select {
						case out <- chunk:
						case <-timeoutCtx.Done():
							// Best-effort error delivery; an abandoned
							// consumer must not pin this goroutine.
							select {
							case out <- llm.StreamChunk{Error: classify(ctx, timeoutCtx.Err(), duration)}:
							default:
							}
							return
						}
						if chunk.Done || chunk.Error != nil {
							return
						}
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}

// classify wraps a fired per-request deadline as transient. The caller's own
// context ending is not our timeout and must surface as-is.
func classify(callerCtx context.Context, err error, duration time.Duration) error {
	if err == nil || !errors.Is(err, context.DeadlineExceeded) || callerCtx.Err() != nil {
		return err
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err,
		"request timed out after "+duration.String())
}
