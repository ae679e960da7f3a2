// Package solver implements the fixed UNDERSTAND/PLAN/EXECUTE/VERIFY workflow
// that drives a language model from a task statement to a verified solution.
package solver

import (
	"fmt"
	"strings"

	"solver/pkg/agent"
)

// Step is one phase of the workflow. The ordering is fixed and linear; the
// only branch is the bounded VERIFY -> EXECUTE revision loop.
type Step string

const (
	// StepUnderstand restates the task requirements.
	StepUnderstand Step = "UNDERSTAND"
	// StepPlan produces a numbered implementation plan.
	StepPlan Step = "PLAN"
	// StepExecute produces the solution artifact.
	StepExecute Step = "EXECUTE"
	// StepVerify critiques the solution against the original task.
	StepVerify Step = "VERIFY"
	// StepEnd is the terminal state.
	StepEnd Step = "END"
)

// validTransitions is the closed transition table. Every working step may
// short-circuit to END on handler failure.
var validTransitions = map[Step][]Step{
	StepUnderstand: {StepPlan, StepEnd},
	StepPlan:       {StepExecute, StepEnd},
	StepExecute:    {StepVerify, StepEnd},
	StepVerify:     {StepExecute, StepEnd},
	StepEnd:        {},
}

// IsValid reports whether s is a defined step.
func (s Step) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s ends the run.
func (s Step) IsTerminal() bool {
	return s == StepEnd
}

// CanTransitionTo reports whether the table permits moving from s to next.
func (s Step) CanTransitionTo(next Step) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// String returns the step name.
func (s Step) String() string {
	return string(s)
}

// ParseStep converts a step name to a Step. Case and surrounding whitespace
// are forgiven so persisted and user-supplied names both parse.
func ParseStep(name string) (Step, error) {
	step := Step(strings.ToUpper(strings.TrimSpace(name)))
	if !step.IsValid() {
		return "", fmt.Errorf("%w: unknown step %q", agent.ErrStateNotFound, name)
	}
	return step, nil
}
