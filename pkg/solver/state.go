package solver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"solver/pkg/agent"
	"solver/pkg/contextmgr"
)

// Transition records one step change with its timestamp.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	From      Step      `json:"from"`
	To        Step      `json:"to"`
}

// RunState is the mutable record threading through one run: message history,
// current step, accumulated step outputs, and the terminal result or error.
// Each run owns its own instance; it is never shared across runs. The mutex
// exists because the metrics middleware reads the run ID and current step
// while a handler holds the state.
type RunState struct {
	mu          sync.Mutex
	runID       string
	task        string
	step        Step
	context     *contextmgr.ContextManager
	data        map[string]any
	transitions []Transition
	result      string
	resultSet   bool
	err         error

	executeRetries int
	startedAt      time.Time
}

// NewRunState creates the state for a fresh run. The context manager is
// sized to the model serving the run.
func NewRunState(task, model string, maxReplyTokens int) *RunState {
	return &RunState{
		runID:     uuid.New().String(),
		task:      task,
		step:      StepUnderstand,
		context:   contextmgr.NewContextManagerForModel(model, maxReplyTokens),
		data:      make(map[string]any),
		startedAt: time.Now(),
	}
}

// RunID returns the run identifier. Implements metrics.RunContext.
func (s *RunState) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// CurrentStep returns the current step name. Implements metrics.RunContext.
func (s *RunState) CurrentStep() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.step)
}

// Step returns the current step.
func (s *RunState) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Task returns the original task statement.
func (s *RunState) Task() string {
	return s.task
}

// Context returns the run's conversation context.
func (s *RunState) Context() *contextmgr.ContextManager {
	return s.context
}

// StartedAt returns when the run began.
func (s *RunState) StartedAt() time.Time {
	return s.startedAt
}

// TransitionTo moves to the next step, enforcing the transition table.
func (s *RunState) TransitionTo(next Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !next.IsValid() {
		return fmt.Errorf("%w: %s", agent.ErrInvalidState, next)
	}
	if !s.step.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", agent.ErrInvalidTransition, s.step, next)
	}

	s.transitions = append(s.transitions, Transition{
		Timestamp: time.Now(),
		From:      s.step,
		To:        next,
	})
	s.step = next
	return nil
}

// forceEnd jumps straight to END regardless of the table. Used when a
// handler fails and the pipeline short-circuits.
func (s *RunState) forceEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == StepEnd {
		return
	}
	s.transitions = append(s.transitions, Transition{
		Timestamp: time.Now(),
		From:      s.step,
		To:        StepEnd,
	})
	s.step = StepEnd
}

// Transitions returns a copy of the transition history.
func (s *RunState) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// SetData stores a step output under a key.
func (s *RunState) SetData(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// GetData retrieves a step output.
func (s *RunState) GetData(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// GetString retrieves a step output as a string, or "" when absent.
func (s *RunState) GetString(key string) string {
	v, ok := s.GetData(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// SetResult records the terminal result. A state with an error refuses a
// result; the two are mutually exclusive.
func (s *RunState) SetResult(result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("run %s already failed: %w", s.runID, s.err)
	}
	s.result = result
	s.resultSet = true
	return nil
}

// SetError records the terminal error, clearing any provisional result so a
// terminal state carries exactly one of the two.
func (s *RunState) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.result = ""
	s.resultSet = false
}

// Result returns the terminal result and whether one was set.
func (s *RunState) Result() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.resultSet
}

// Err returns the terminal error, if any.
func (s *RunState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ExecuteRetries returns how many times VERIFY has sent the run back to
// EXECUTE.
func (s *RunState) ExecuteRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeRetries
}

// IncExecuteRetries bumps the revision counter and returns the new value.
func (s *RunState) IncExecuteRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeRetries++
	return s.executeRetries
}
