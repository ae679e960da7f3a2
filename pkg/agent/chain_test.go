package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
	"solver/pkg/config"
)

// registerMock adds a mock-backed provider to the factory.
func registerMock(t *testing.T, f *Factory, name string, mock *MockClient) {
	t.Helper()
	schema := Schema{DefaultModel: mock.GetModelName()}
	if err := f.Register(name, staticBuilder(mock), schema); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func transientOutcome() MockOutcome {
	return MockOutcome{Err: llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, 503, "server error")}
}

func emptyOutcome() MockOutcome {
	return MockOutcome{Response: llm.CompletionResponse{Content: ""}}
}

func successOutcome(content string) MockOutcome {
	return MockOutcome{Response: llm.CompletionResponse{Content: content, StopReason: "end_turn"}}
}

// The default retry budget is config.DefaultRetryCount retries plus the
// initial attempt; chain tests script exactly that many failures to exhaust
// one provider.
func exhaustingOutcomes(outcome MockOutcome) []MockOutcome {
	outcomes := make([]MockOutcome, config.DefaultRetryCount+1)
	for i := range outcomes {
		outcomes[i] = outcome
	}
	return outcomes
}

// TestChainFallsBackOnExhaustion verifies the second provider serves the
// request after the first spends its retry budget.
func TestChainFallsBackOnExhaustion(t *testing.T) {
	alpha := NewMockClient("alpha-model", exhaustingOutcomes(transientOutcome())...)
	beta := NewMockClient("beta-model", successOutcome("from beta"))

	f := testFactory(t, &config.ProvidersConfig{Active: "alpha"})
	registerMock(t, f, "alpha", alpha)
	registerMock(t, f, "beta", beta)

	chain, err := f.NewFallbackChain(nil, "alpha", "beta")
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	resp, err := chain.Complete(context.Background(), userRequest("hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from beta" {
		t.Errorf("content = %q, want from beta", resp.Content)
	}
	if got := alpha.CallCount(); got != config.DefaultRetryCount+1 {
		t.Errorf("alpha attempts = %d, want %d", got, config.DefaultRetryCount+1)
	}
	if got := beta.CallCount(); got != 1 {
		t.Errorf("beta attempts = %d, want 1", got)
	}

	// Transient exhaustion keeps alpha eligible for later calls
	health := chain.Health()
	if health["alpha"].Skipped {
		t.Error("alpha should remain eligible after transient exhaustion")
	}
	if health["alpha"].Failures != 1 {
		t.Errorf("alpha failures = %d, want 1", health["alpha"].Failures)
	}
}

// TestChainAuthDisqualifiesProvider verifies an auth failure skips the
// provider for the remainder of the run without consuming retries.
func TestChainAuthDisqualifiesProvider(t *testing.T) {
	alpha := NewMockClient("alpha-model",
		MockOutcome{Err: llmerrors.NewAPIKeyError("alpha", "invalid key")},
	)
	beta := NewMockClient("beta-model", successOutcome("one"), successOutcome("two"))

	f := testFactory(t, &config.ProvidersConfig{Active: "alpha"})
	registerMock(t, f, "alpha", alpha)
	registerMock(t, f, "beta", beta)

	chain, err := f.NewFallbackChain(nil, "alpha", "beta")
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	ctx := context.Background()
	for i, want := range []string{"one", "two"} {
		resp, err := chain.Complete(ctx, userRequest("hello"))
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if resp.Content != want {
			t.Errorf("call %d content = %q, want %q", i+1, resp.Content, want)
		}
	}

	if got := alpha.CallCount(); got != 1 {
		t.Errorf("alpha attempts = %d, want 1 (skipped after auth failure)", got)
	}
	if !chain.Health()["alpha"].Skipped {
		t.Error("alpha should be skipped after auth failure")
	}
}

// TestChainEmptyResponseDisqualifiesProvider verifies empty completions that
// survive the retry budget disqualify the provider for the run.
func TestChainEmptyResponseDisqualifiesProvider(t *testing.T) {
	alpha := NewMockClient("alpha-model", exhaustingOutcomes(emptyOutcome())...)
	beta := NewMockClient("beta-model", successOutcome("one"), successOutcome("two"))

	f := testFactory(t, &config.ProvidersConfig{Active: "alpha"})
	registerMock(t, f, "alpha", alpha)
	registerMock(t, f, "beta", beta)

	chain, err := f.NewFallbackChain(nil, "alpha", "beta")
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	ctx := context.Background()
	if _, err := chain.Complete(ctx, userRequest("hello")); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := chain.Complete(ctx, userRequest("again")); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if got := alpha.CallCount(); got != config.DefaultRetryCount+1 {
		t.Errorf("alpha attempts = %d, want %d (no calls after disqualification)", got, config.DefaultRetryCount+1)
	}
	if !chain.Health()["alpha"].Skipped {
		t.Error("alpha should be skipped after exhausting retries on empty responses")
	}
}

// TestChainExhaustionAggregatesFailures verifies the RetryError preserves
// ordered per-provider failures with attempt counts.
func TestChainExhaustionAggregatesFailures(t *testing.T) {
	alpha := NewMockClient("alpha-model", exhaustingOutcomes(transientOutcome())...)
	beta := NewMockClient("beta-model",
		MockOutcome{Err: llmerrors.NewAPIKeyError("beta", "invalid key")},
	)

	f := testFactory(t, &config.ProvidersConfig{Active: "alpha"})
	registerMock(t, f, "alpha", alpha)
	registerMock(t, f, "beta", beta)

	chain, err := f.NewFallbackChain(nil, "alpha", "beta")
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	_, err = chain.Complete(context.Background(), userRequest("hello"))
	if err == nil {
		t.Fatal("expected chain exhaustion error")
	}

	var retryErr *llmerrors.RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryError, got %T: %v", err, err)
	}
	if len(retryErr.Failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(retryErr.Failures))
	}
	if retryErr.Failures[0].Provider != "alpha" || retryErr.Failures[0].Attempts != config.DefaultRetryCount+1 {
		t.Errorf("failure[0] = %s/%d, want alpha/%d",
			retryErr.Failures[0].Provider, retryErr.Failures[0].Attempts, config.DefaultRetryCount+1)
	}
	if retryErr.Failures[1].Provider != "beta" || retryErr.Failures[1].Attempts != 1 {
		t.Errorf("failure[1] = %s/%d, want beta/1",
			retryErr.Failures[1].Provider, retryErr.Failures[1].Attempts)
	}
}

// TestChainAllSkipped reports a config error once every provider is
// disqualified.
func TestChainAllSkipped(t *testing.T) {
	alpha := NewMockClient("alpha-model", MockOutcome{Err: llmerrors.NewAPIKeyError("alpha", "bad")})
	beta := NewMockClient("beta-model", MockOutcome{Err: llmerrors.NewAPIKeyError("beta", "bad")})

	f := testFactory(t, &config.ProvidersConfig{Active: "alpha"})
	registerMock(t, f, "alpha", alpha)
	registerMock(t, f, "beta", beta)

	chain, err := f.NewFallbackChain(nil, "alpha", "beta")
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	ctx := context.Background()
	if _, err := chain.Complete(ctx, userRequest("hello")); err == nil {
		t.Fatal("expected failure on first call")
	}

	_, err = chain.Complete(ctx, userRequest("again"))
	if !llmerrors.Is(err, llmerrors.ErrorTypeConfig) {
		t.Errorf("expected config error once all providers are skipped, got %v", err)
	}
}

// TestChainUnknownProvider rejects chain construction over unregistered names.
func TestChainUnknownProvider(t *testing.T) {
	f := testFactory(t, nil)

	_, err := f.NewFallbackChain(nil, "ghost")
	if !llmerrors.Is(err, llmerrors.ErrorTypeConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

// TestChainConfiguredOrder follows the configured fallback order when no
// explicit names are given.
func TestChainConfiguredOrder(t *testing.T) {
	alpha := NewMockClient("alpha-model", successOutcome("a"))
	beta := NewMockClient("beta-model", successOutcome("b"))

	f := testFactory(t, &config.ProvidersConfig{
		Active:   "beta",
		Fallback: []string{"alpha"},
	})
	registerMock(t, f, "alpha", alpha)
	registerMock(t, f, "beta", beta)

	chain, err := f.NewFallbackChain(nil)
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	want := []string{"beta", "alpha"}
	got := chain.Providers()
	if len(got) != len(want) {
		t.Fatalf("providers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("providers = %v, want %v", got, want)
		}
	}
	if model := chain.GetModelName(); model != "beta-model" {
		t.Errorf("model = %q, want beta-model", model)
	}
}

// TestChainStreamFallsBack verifies stream setup failures fall through to the
// next provider.
func TestChainStreamFallsBack(t *testing.T) {
	alpha := NewMockClient("alpha-model", exhaustingOutcomes(transientOutcome())...)
	beta := NewMockClient("beta-model", successOutcome("streamed text"))

	f := testFactory(t, &config.ProvidersConfig{Active: "alpha"})
	registerMock(t, f, "alpha", alpha)
	registerMock(t, f, "beta", beta)

	chain, err := f.NewFallbackChain(nil, "alpha", "beta")
	if err != nil {
		t.Fatalf("NewFallbackChain: %v", err)
	}

	ch, err := chain.Stream(context.Background(), userRequest("hello"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("stream chunk error: %v", chunk.Error)
		}
		sb.WriteString(chunk.Content)
		if chunk.Done {
			break
		}
	}
	if sb.String() != "streamed text" {
		t.Errorf("streamed = %q, want %q", sb.String(), "streamed text")
	}
}
