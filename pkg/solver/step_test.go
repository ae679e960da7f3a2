package solver

import (
	"errors"
	"testing"

	"solver/pkg/agent"
)

func TestStepTransitions(t *testing.T) {
	allowed := []struct{ from, to Step }{
		{StepUnderstand, StepPlan},
		{StepUnderstand, StepEnd},
		{StepPlan, StepExecute},
		{StepPlan, StepEnd},
		{StepExecute, StepVerify},
		{StepExecute, StepEnd},
		{StepVerify, StepExecute},
		{StepVerify, StepEnd},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Step }{
		{StepUnderstand, StepExecute},
		{StepUnderstand, StepVerify},
		{StepPlan, StepUnderstand},
		{StepPlan, StepVerify},
		{StepExecute, StepPlan},
		{StepVerify, StepUnderstand},
		{StepVerify, StepPlan},
		{StepEnd, StepUnderstand},
		{StepEnd, StepEnd},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestStepValidity(t *testing.T) {
	for _, s := range []Step{StepUnderstand, StepPlan, StepExecute, StepVerify, StepEnd} {
		if !s.IsValid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Step("BOGUS").IsValid() {
		t.Error("expected BOGUS to be invalid")
	}
	if Step("").IsValid() {
		t.Error("expected empty step to be invalid")
	}
}

func TestStepTerminal(t *testing.T) {
	if !StepEnd.IsTerminal() {
		t.Error("expected END to be terminal")
	}
	for _, s := range []Step{StepUnderstand, StepPlan, StepExecute, StepVerify} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestParseStep(t *testing.T) {
	cases := []struct {
		in      string
		want    Step
		wantErr bool
	}{
		{"UNDERSTAND", StepUnderstand, false},
		{"plan", StepPlan, false},
		{"Execute", StepExecute, false},
		{" verify ", StepVerify, false},
		{"END", StepEnd, false},
		{"THINK", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseStep(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseStep(%q) = (%s, %v), want (%s, wantErr=%v)", tc.in, got, err, tc.want, tc.wantErr)
		}
		if tc.wantErr && !errors.Is(err, agent.ErrStateNotFound) {
			t.Errorf("ParseStep(%q) error = %v, want ErrStateNotFound", tc.in, err)
		}
	}
}
