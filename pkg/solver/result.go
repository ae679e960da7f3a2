package solver

import (
	"errors"
	"time"

	"solver/pkg/agent/llmerrors"
)

// StepResult is the outcome contract returned by one step handler. Exactly
// one of Message (with Success true) or Err (with Success false) is
// meaningful.
type StepResult struct {
	Data    map[string]any
	Err     error
	Message string
	Success bool
}

// StepRecord captures one executed step for the run report and transcript.
type StepRecord struct {
	Step       Step          `json:"step"`
	Output     string        `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	OutputSize int           `json:"output_size"`
}

// Result is the successful outcome of a run.
type Result struct {
	Output     string       `json:"output"`
	RunID      string       `json:"run_id"`
	Model      string       `json:"model"`
	Steps      []StepRecord `json:"steps"`
	Warnings   []string     `json:"warnings,omitempty"`
	Duration   time.Duration `json:"duration"`
	CodeBlock  bool         `json:"code_block"` // Output was extracted from [CODE] markers
	Revisions  int          `json:"revisions"`  // VERIFY-driven EXECUTE re-entries
}

// RunError is the structured, JSON-ready failure surfaced to callers.
type RunError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
	RunID     string `json:"run_id,omitempty"`
	Step      string `json:"step,omitempty"` // Step the run failed in
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return e.Kind + ": " + e.Message
}

// NewRunError classifies an internal error into the caller-facing shape.
func NewRunError(runID string, step Step, err error) *RunError {
	if err == nil {
		return nil
	}

	kind := "unknown"
	retriable := llmerrors.IsRetryable(err)

	var chainErr *llmerrors.RetryError
	switch {
	case errors.As(err, &chainErr):
		kind = "all_providers_failed"
	default:
		if t := llmerrors.TypeOf(err); t != llmerrors.ErrorTypeUnknown {
			kind = t.String()
		}
	}

	return &RunError{
		Kind:      kind,
		Message:   err.Error(),
		Retriable: retriable,
		RunID:     runID,
		Step:      string(step),
	}
}
