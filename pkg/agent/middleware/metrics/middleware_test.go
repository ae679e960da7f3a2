package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
)

// captureRecorder records observations for assertions.
type captureRecorder struct {
	mu           sync.Mutex
	observations []observation
	throttles    []string
}

type observation struct {
	model            string
	runID            string
	provider         string
	step             string
	promptTokens     int
	completionTokens int
	cost             float64
	success          bool
	errorType        string
}

func (c *captureRecorder) ObserveRequest(
	model, runID, provider, step string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	_ time.Duration,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = append(c.observations, observation{
		model: model, runID: runID, provider: provider, step: step,
		promptTokens: promptTokens, completionTokens: completionTokens,
		cost: cost, success: success, errorType: errorType,
	})
}

func (c *captureRecorder) IncThrottle(model, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttles = append(c.throttles, model+"/"+reason)
}

func (c *captureRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

func (c *captureRecorder) last(t *testing.T) observation {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.observations) == 0 {
		t.Fatal("no observations recorded")
	}
	return c.observations[len(c.observations)-1]
}

// fixedRun is a static RunContext for tests.
type fixedRun struct {
	runID string
	step  string
}

func (f fixedRun) RunID() string       { return f.runID }
func (f fixedRun) CurrentStep() string { return f.step }

type stubClient struct {
	err     error
	content string
}

func (s *stubClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	if s.err != nil {
		return llm.CompletionResponse{}, s.err
	}
	return llm.CompletionResponse{Content: s.content}, nil
}

func (s *stubClient) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Content: s.content}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (s *stubClient) GetModelName() string { return "gemini-2.0-flash" }

func TestObserveRequestSuccess(t *testing.T) {
	recorder := &captureRecorder{}
	run := fixedRun{runID: "run-1", step: "EXECUTE"}
	client := Middleware(recorder, nil, run, nil)(&stubClient{content: "a result"})

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "solve this task"}}}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	obs := recorder.last(t)
	if !obs.success {
		t.Error("expected a success observation")
	}
	if obs.model != "gemini-2.0-flash" || obs.runID != "run-1" || obs.step != "EXECUTE" {
		t.Errorf("unexpected labels: %+v", obs)
	}
	if obs.provider != "google" {
		t.Errorf("expected provider label google, got %q", obs.provider)
	}
	if obs.promptTokens <= 0 || obs.completionTokens <= 0 {
		t.Errorf("expected positive token counts, got %d/%d", obs.promptTokens, obs.completionTokens)
	}
	if obs.cost <= 0 {
		t.Errorf("expected a positive cost for a priced model, got %f", obs.cost)
	}
}

func TestObserveRequestErrorClassification(t *testing.T) {
	recorder := &captureRecorder{}
	run := fixedRun{runID: "run-2", step: "PLAN"}
	failing := &stubClient{err: llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, 429, "slow down")}
	client := Middleware(recorder, nil, run, nil)(failing)

	if _, err := client.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected an error")
	}

	obs := recorder.last(t)
	if obs.success {
		t.Error("expected a failure observation")
	}
	if obs.errorType != "rate_limit" {
		t.Errorf("expected error_type rate_limit, got %q", obs.errorType)
	}
	if obs.promptTokens != 0 || obs.completionTokens != 0 || obs.cost != 0 {
		t.Error("failed requests must not accrue tokens or cost")
	}
}

func TestObserveStreamSetup(t *testing.T) {
	recorder := &captureRecorder{}
	run := fixedRun{runID: "run-3", step: "EXECUTE"}
	client := Middleware(recorder, nil, run, nil)(&stubClient{content: "streamed output"})

	ch, err := client.Stream(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for range ch {
	}

	// Stream observations record setup outcome only; token counting would
	// require buffering the whole stream.
	obs := recorder.last(t)
	if !obs.success {
		t.Error("expected a success observation for the stream setup")
	}
	if obs.promptTokens != 0 || obs.completionTokens != 0 {
		t.Errorf("stream setup must not count tokens, got %d/%d", obs.promptTokens, obs.completionTokens)
	}
}

func TestDefaultUsageExtractor(t *testing.T) {
	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "system prompt"},
			{Role: llm.RoleUser, Content: "user question about a topic"},
		},
	}
	resp := llm.CompletionResponse{Content: "a moderately sized answer"}

	prompt, completion := DefaultUsageExtractor(req, resp)
	if prompt <= 0 {
		t.Errorf("expected positive prompt tokens, got %d", prompt)
	}
	if completion <= 0 {
		t.Errorf("expected positive completion tokens, got %d", completion)
	}
}

func TestNopRecorder(t *testing.T) {
	// Must not panic
	nop := Nop()
	nop.ObserveRequest("m", "r", "p", "s", 1, 2, 0.1, true, "", time.Second)
	nop.IncThrottle("m", "reason")
	nop.ObserveQueueWait("m", time.Second)
}
