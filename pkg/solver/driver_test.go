package solver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"solver/pkg/agent"
	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
	"solver/pkg/agent/middleware/metrics"
	"solver/pkg/templates"
)

func newTestDriver(t *testing.T, client llm.Client, cfg Config) *Driver {
	t.Helper()
	renderer, err := templates.NewRenderer()
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	factory := func(_ metrics.RunContext) (llm.Client, error) {
		return client, nil
	}
	return NewDriver(factory, renderer, cfg)
}

func reply(content string) agent.MockOutcome {
	return agent.MockOutcome{Response: llm.CompletionResponse{Content: content}}
}

func stepSequence(result *Result) []Step {
	steps := make([]Step, len(result.Steps))
	for i, rec := range result.Steps {
		steps[i] = rec.Step
	}
	return steps
}

func equalSteps(got, want []Step) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRunHappyPath(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("The task asks for a greeting program."),
		reply("1. Print the greeting."),
		reply("Here you go:\n[CODE]\nprint('hello')\n[/CODE]"),
		reply("VERDICT: PASS\nCorrect."),
	)
	driver := newTestDriver(t, mock, Config{})

	result, err := driver.Run(context.Background(), "write a program that prints hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Output != "print('hello')" {
		t.Errorf("Output = %q", result.Output)
	}
	if !result.CodeBlock {
		t.Error("expected the output to come from a code block")
	}
	if result.Revisions != 0 {
		t.Errorf("Revisions = %d, want 0", result.Revisions)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
	if result.Model != "mock-model" {
		t.Errorf("Model = %q", result.Model)
	}
	if result.RunID == "" {
		t.Error("expected a run ID")
	}
	if mock.CallCount() != 4 {
		t.Errorf("expected 4 provider calls, got %d", mock.CallCount())
	}

	want := []Step{StepUnderstand, StepPlan, StepExecute, StepVerify}
	if got := stepSequence(result); !equalSteps(got, want) {
		t.Errorf("step sequence = %v, want %v", got, want)
	}
}

func TestRunStepOrderingInHistory(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		reply("[CODE]x = 1[/CODE]"),
		reply("VERDICT: PASS"),
	)
	driver := newTestDriver(t, mock, Config{})

	if _, err := driver.Run(context.Background(), "task"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Each request must carry the assistant output of every earlier step,
	// tagged with the step that produced it.
	calls := mock.Calls()
	if len(calls) != 4 {
		t.Fatalf("expected 4 calls, got %d", len(calls))
	}

	var tagged []string
	for _, msg := range calls[3].Messages {
		if msg.Role == llm.RoleAssistant {
			tagged = append(tagged, msg.Meta("step"))
		}
	}
	want := []string{"UNDERSTAND", "PLAN", "EXECUTE"}
	if len(tagged) != len(want) {
		t.Fatalf("assistant step tags = %v, want %v", tagged, want)
	}
	for i := range want {
		if tagged[i] != want[i] {
			t.Fatalf("assistant step tags = %v, want %v", tagged, want)
		}
	}

	if calls[0].Messages[0].Role != llm.RoleSystem {
		t.Error("expected the first request to lead with the system message")
	}
}

func TestRunEmptyTaskRejectedBeforeProviders(t *testing.T) {
	factoryCalled := false
	renderer, err := templates.NewRenderer()
	if err != nil {
		t.Fatal(err)
	}
	driver := NewDriver(func(_ metrics.RunContext) (llm.Client, error) {
		factoryCalled = true
		return agent.NewMockClient("mock-model"), nil
	}, renderer, Config{})

	for _, task := range []string{"", "   ", "\n\t"} {
		_, err := driver.Run(context.Background(), task)
		var runErr *RunError
		if !errors.As(err, &runErr) {
			t.Fatalf("task %q: expected *RunError, got %v", task, err)
		}
		if runErr.Kind != "config" {
			t.Errorf("task %q: Kind = %q, want config", task, runErr.Kind)
		}
		if runErr.Retriable {
			t.Errorf("task %q: empty task must not be retriable", task)
		}
	}
	if factoryCalled {
		t.Error("empty task must be rejected before any client is built")
	}
}

func TestRunAuthErrorSurfacesFromUnderstand(t *testing.T) {
	authErr := llmerrors.NewAPIKeyError("anthropic", "missing ANTHROPIC_API_KEY")
	mock := agent.NewMockClient("mock-model", agent.MockOutcome{Err: authErr})
	driver := newTestDriver(t, mock, Config{})

	_, err := driver.Run(context.Background(), "task")
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if runErr.Kind != "auth" {
		t.Errorf("Kind = %q, want auth", runErr.Kind)
	}
	if runErr.Step != "UNDERSTAND" {
		t.Errorf("Step = %q, want UNDERSTAND", runErr.Step)
	}
	if runErr.Retriable {
		t.Error("auth failures are not retriable")
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected exactly 1 provider call, got %d", mock.CallCount())
	}
}

func TestRunVerifyFailTriggersRevision(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		reply("[CODE]broken[/CODE]"),
		reply("VERDICT: FAIL\nThe loop condition is wrong."),
		reply("[CODE]fixed[/CODE]"),
		reply("VERDICT: PASS"),
	)
	driver := newTestDriver(t, mock, Config{MaxExecuteRetries: 2})

	result, err := driver.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "fixed" {
		t.Errorf("Output = %q, want the revised solution", result.Output)
	}
	if result.Revisions != 1 {
		t.Errorf("Revisions = %d, want 1", result.Revisions)
	}
	if mock.CallCount() != 6 {
		t.Fatalf("expected 6 provider calls, got %d", mock.CallCount())
	}

	// The revision prompt must carry the reviewer's feedback
	calls := mock.Calls()
	revisionPrompt := calls[4].Messages[len(calls[4].Messages)-1]
	if revisionPrompt.Role != llm.RoleUser {
		t.Fatalf("expected a user prompt, got role %s", revisionPrompt.Role)
	}
	if !strings.Contains(revisionPrompt.Content, "The loop condition is wrong.") {
		t.Errorf("revision prompt missing feedback: %q", revisionPrompt.Content)
	}

	want := []Step{StepUnderstand, StepPlan, StepExecute, StepVerify, StepExecute, StepVerify}
	if got := stepSequence(result); !equalSteps(got, want) {
		t.Errorf("step sequence = %v, want %v", got, want)
	}
}

func TestRunVerifyRetryBudgetBounded(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		reply("[CODE]attempt 1[/CODE]"),
		reply("VERDICT: FAIL\nwrong"),
		reply("[CODE]attempt 2[/CODE]"),
		reply("VERDICT: FAIL\nstill wrong"),
		reply("[CODE]attempt 3[/CODE]"),
		reply("VERDICT: FAIL\nnope"),
	)
	driver := newTestDriver(t, mock, Config{MaxExecuteRetries: 2})

	result, err := driver.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run must accept the best attempt, got %v", err)
	}
	if result.Output != "attempt 3" {
		t.Errorf("Output = %q, want the final attempt", result.Output)
	}
	if result.Revisions != 2 {
		t.Errorf("Revisions = %d, want 2", result.Revisions)
	}
	if mock.CallCount() != 8 {
		t.Errorf("expected 8 provider calls, got %d", mock.CallCount())
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "accepting best attempt") {
		t.Errorf("expected a best-attempt warning, got %v", result.Warnings)
	}
}

func TestRunUnparseableVerdictPassesWithWarning(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		reply("[CODE]solution[/CODE]"),
		reply("Looks fine to me, ship it."),
	)
	driver := newTestDriver(t, mock, Config{})

	result, err := driver.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "solution" {
		t.Errorf("Output = %q", result.Output)
	}
	if result.Revisions != 0 {
		t.Errorf("Revisions = %d, want 0", result.Revisions)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "unparseable") {
		t.Errorf("expected an unparseable-verdict warning, got %v", result.Warnings)
	}
}

func TestRunWithoutCodeBlockReturnsFullText(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		reply("The answer is 42."),
		reply("VERDICT: PASS"),
	)
	driver := newTestDriver(t, mock, Config{})

	result, err := driver.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "The answer is 42." {
		t.Errorf("Output = %q", result.Output)
	}
	if result.CodeBlock {
		t.Error("expected CodeBlock false when no markers are present")
	}
}

func TestRunStreamsExecuteOutput(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		reply("[CODE]streamed solution[/CODE]"),
		reply("VERDICT: PASS"),
	)
	driver := newTestDriver(t, mock, Config{Stream: true})

	var streamed strings.Builder
	driver.SetStreamHandler(func(chunk string) {
		streamed.WriteString(chunk)
	})

	result, err := driver.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "streamed solution" {
		t.Errorf("Output = %q", result.Output)
	}
	if streamed.String() != "[CODE]streamed solution[/CODE]" {
		t.Errorf("streamed = %q, want the raw execute output", streamed.String())
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	mock := agent.NewMockClient("mock-model")
	driver := newTestDriver(t, mock, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := driver.Run(ctx, "task")
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if runErr.Step != "UNDERSTAND" {
		t.Errorf("Step = %q, want UNDERSTAND", runErr.Step)
	}
	if mock.CallCount() != 0 {
		t.Errorf("cancelled run must not call the provider, got %d calls", mock.CallCount())
	}
}

func TestRunClientFactoryFailure(t *testing.T) {
	renderer, err := templates.NewRenderer()
	if err != nil {
		t.Fatal(err)
	}
	buildErr := llmerrors.NewConfigError("no providers configured")
	driver := NewDriver(func(_ metrics.RunContext) (llm.Client, error) {
		return nil, buildErr
	}, renderer, Config{})

	_, err = driver.Run(context.Background(), "task")
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if runErr.Kind != "config" {
		t.Errorf("Kind = %q, want config", runErr.Kind)
	}
}

func TestRunTransientFailureMidRun(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		agent.MockOutcome{Err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset")},
	)
	driver := newTestDriver(t, mock, Config{})

	_, err := driver.Run(context.Background(), "task")
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if runErr.Step != "EXECUTE" {
		t.Errorf("Step = %q, want EXECUTE", runErr.Step)
	}
	if runErr.Kind != "transient" {
		t.Errorf("Kind = %q, want transient", runErr.Kind)
	}
	if !runErr.Retriable {
		t.Error("transient failures should be marked retriable")
	}
}

func TestRunSeedContextInUnderstandPrompt(t *testing.T) {
	mock := agent.NewMockClient("mock-model",
		reply("analysis"),
		reply("plan"),
		reply("[CODE]count = 0[/CODE]"),
		reply("VERDICT: PASS"),
	)
	driver := newTestDriver(t, mock, Config{
		Context: map[string]string{"language": "python", "runtime": "3.12"},
	})

	if _, err := driver.Run(context.Background(), "write a counter"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := mock.Calls()
	if len(calls) != 4 {
		t.Fatalf("expected 4 provider calls, got %d", len(calls))
	}
	understand := calls[0].Messages[len(calls[0].Messages)-1].Content
	for _, want := range []string{"Known context:", "- language: python", "- runtime: 3.12"} {
		if !strings.Contains(understand, want) {
			t.Errorf("understand prompt missing %q:\n%s", want, understand)
		}
	}
	// The seed block belongs to analysis only; later prompts must not repeat it
	verify := calls[3].Messages[len(calls[3].Messages)-1].Content
	if strings.Contains(verify, "Known context:") {
		t.Error("seed context repeated in the verify prompt")
	}
}
