// Package metrics provides services for querying and aggregating run metrics
// from an external Prometheus server.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics represents aggregated token and cost metrics for one run.
type RunMetrics struct {
	RunID            string  `json:"run_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query run metrics from Prometheus. The
// namespace must match the one the recorder publishes under.
type QueryService struct {
	client    api.Client
	queryAPI  v1.API
	namespace string
}

// NewQueryService creates a metrics query service against prometheusURL.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:    client,
		queryAPI:  v1.NewAPI(client),
		namespace: namespace,
	}, nil
}

// GetRunMetrics retrieves aggregated token and cost totals for one run,
// summed across every provider and step that served it.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	metrics := &RunMetrics{RunID: runID}

	promptQuery := fmt.Sprintf(`sum(%s_llm_tokens_total{run_id=%q, type="prompt"})`, q.namespace, runID)
	prompt, err := q.queryScalar(ctx, promptQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	metrics.PromptTokens = int64(prompt)

	completionQuery := fmt.Sprintf(`sum(%s_llm_tokens_total{run_id=%q, type="completion"})`, q.namespace, runID)
	completion, err := q.queryScalar(ctx, completionQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.CompletionTokens = int64(completion)

	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	costQuery := fmt.Sprintf(`sum(%s_llm_costs_total{run_id=%q})`, q.namespace, runID)
	cost, err := q.queryScalar(ctx, costQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	metrics.TotalCost = cost

	return metrics, nil
}

// GetRunMetricsByModel retrieves per-model metrics for one run, showing which
// models in the fallback chain actually served requests and what each cost.
func (q *QueryService) GetRunMetricsByModel(ctx context.Context, runID string) (map[string]*RunMetrics, error) {
	result := make(map[string]*RunMetrics)

	modelsQuery := fmt.Sprintf(`group by (model) (%s_llm_tokens_total{run_id=%q})`, q.namespace, runID)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if modelName, ok := sample.Metric["model"]; ok {
				models = append(models, string(modelName))
			}
		}
	}

	for _, modelName := range models {
		metrics := &RunMetrics{RunID: runID}

		promptQuery := fmt.Sprintf(`sum(%s_llm_tokens_total{run_id=%q, model=%q, type="prompt"})`, q.namespace, runID, modelName)
		prompt, err := q.queryScalar(ctx, promptQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for model %s: %w", modelName, err)
		}
		metrics.PromptTokens = int64(prompt)

		completionQuery := fmt.Sprintf(`sum(%s_llm_tokens_total{run_id=%q, model=%q, type="completion"})`, q.namespace, runID, modelName)
		completion, err := q.queryScalar(ctx, completionQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for model %s: %w", modelName, err)
		}
		metrics.CompletionTokens = int64(completion)

		metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

		costQuery := fmt.Sprintf(`sum(%s_llm_costs_total{run_id=%q, model=%q})`, q.namespace, runID, modelName)
		cost, err := q.queryScalar(ctx, costQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for model %s: %w", modelName, err)
		}
		metrics.TotalCost = cost

		result[modelName] = metrics
	}

	return result, nil
}

// queryScalar runs an instant query and returns the first sample value, or 0
// when the series does not exist yet.
func (q *QueryService) queryScalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
