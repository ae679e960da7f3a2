package agent

import (
	"context"
	"fmt"
	"sync"

	"solver/pkg/agent/llm"
)

// MockOutcome is one scripted result for a MockClient call. Exactly one of
// Response or Err is consumed per call.
type MockOutcome struct {
	Err      error
	Response llm.CompletionResponse
}

// MockClient is a controllable llm.Client for tests. Outcomes are consumed
// in order across Complete and Stream calls; every request is recorded.
type MockClient struct {
	mu       sync.Mutex
	outcomes []MockOutcome
	index    int
	calls    []llm.CompletionRequest
	model    string
}

// NewMockClient creates a mock client that plays back the scripted outcomes.
func NewMockClient(model string, outcomes ...MockOutcome) *MockClient {
	return &MockClient{model: model, outcomes: outcomes}
}

// Complete returns the next scripted outcome.
func (m *MockClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	outcome, err := m.next(req)
	if err != nil {
		return llm.CompletionResponse{}, err
	}
	if outcome.Err != nil {
		return llm.CompletionResponse{}, outcome.Err
	}
	return outcome.Response, nil
}

// Stream returns the next scripted outcome as a two-chunk stream: content,
// then done. Scripted errors fail the stream setup, matching how provider
// clients surface request construction and connection failures.
func (m *MockClient) Stream(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	outcome, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Content: outcome.Response.Content}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// GetModelName returns the configured mock model name.
func (m *MockClient) GetModelName() string {
	return m.model
}

// Calls returns a copy of every request the mock has seen, in order.
func (m *MockClient) Calls() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]llm.CompletionRequest, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount returns how many requests the mock has seen.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockClient) next(req llm.CompletionRequest) (MockOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.index >= len(m.outcomes) {
		return MockOutcome{}, fmt.Errorf("mock client %s: no outcome scripted for call %d", m.model, m.index+1)
	}
	outcome := m.outcomes[m.index]
	m.index++
	return outcome, nil
}
