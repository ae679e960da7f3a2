package solver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"solver/pkg/agent"
	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
	"solver/pkg/agent/middleware/metrics"
	"solver/pkg/config"
	"solver/pkg/contextmgr"
	"solver/pkg/logx"
	"solver/pkg/templates"
)

// Keys under which step outputs accumulate in the run state.
const (
	dataAnalysis     = "analysis"
	dataPlan         = "plan"
	dataExecution    = "execution"
	dataVerification = "verification"
	dataFeedback     = "feedback"
)

// ClientFactory builds the provider client serving one run. The run state is
// passed so the middleware chain can label requests with the run's identity
// and current step. Typically wraps agent.Factory.NewFallbackChain.
type ClientFactory func(run metrics.RunContext) (llm.Client, error)

// StreamHandler receives EXECUTE output chunks as they arrive.
type StreamHandler func(chunk string)

// Config tunes the step loop.
type Config struct {
	Context           map[string]string // Seed facts injected into the analysis prompt
	MaxExecuteRetries int               // VERIFY-driven EXECUTE re-entries tolerated
	MaxIterations     int               // Hard cap on step executions per run
	MaxTokens         int               // Completion budget per request
	Temperature       float32           // Sampling temperature
	Stream            bool              // Stream EXECUTE output as it arrives
}

// applyDefaults fills zero fields with the package defaults.
func (c *Config) applyDefaults() {
	if c.MaxExecuteRetries == 0 {
		c.MaxExecuteRetries = config.DefaultMaxExecuteRetries
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = config.DefaultMaxIterations
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = llm.MaxTokensDefault
	}
	if c.Temperature == 0 {
		c.Temperature = llm.TemperatureDefault
	}
}

// Driver sequences the workflow steps over one run state at a time. Steps
// execute strictly in order; the only place a run blocks is the provider
// call. A single Driver may serve many runs concurrently since all per-run
// state lives in the RunState.
type Driver struct {
	newClient     ClientFactory
	renderer      *templates.Renderer
	cfg           Config
	logger        *logx.Logger
	streamHandler StreamHandler
}

// NewDriver creates a workflow driver.
func NewDriver(newClient ClientFactory, renderer *templates.Renderer, cfg Config) *Driver {
	cfg.applyDefaults()
	return &Driver{
		newClient: newClient,
		renderer:  renderer,
		cfg:       cfg,
		logger:    logx.NewLogger("solver"),
	}
}

// SetStreamHandler installs the chunk handler for streamed EXECUTE output.
func (d *Driver) SetStreamHandler(h StreamHandler) {
	d.streamHandler = h
}

// Run drives a task through UNDERSTAND, PLAN, EXECUTE, and VERIFY to a
// terminal result. On failure the returned error is a *RunError naming the
// failed step. Cancellation is honored at the checkpoint between steps;
// mid-flight provider calls are bounded by the configured timeout.
func (d *Driver) Run(ctx context.Context, task string) (*Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, NewRunError("", "", llmerrors.NewConfigError("task cannot be empty"))
	}

	state := NewRunState(task, "", d.cfg.MaxTokens)
	client, err := d.newClient(state)
	if err != nil {
		return nil, NewRunError(state.RunID(), state.Step(), err)
	}
	// Size the context window to the model actually serving the run.
	state.context = contextmgr.NewContextManagerForModel(client.GetModelName(), d.cfg.MaxTokens)

	d.logger.Info("run %s started (model %s): %s",
		state.RunID(), client.GetModelName(), llmerrors.SanitizePrompt(task, 160))

	sysPrompt, err := d.renderer.Render(templates.SystemTemplate, &templates.TemplateData{Task: task})
	if err != nil {
		return nil, NewRunError(state.RunID(), state.Step(), err)
	}
	if err := state.Context().AddSystemMessage(sysPrompt); err != nil {
		return nil, NewRunError(state.RunID(), state.Step(), err)
	}

	var (
		records    []StepRecord
		warnings   []string
		failedStep Step
	)

	iterations := 0
	for !state.Step().IsTerminal() {
		// Cooperative cancellation checkpoint between steps
		if ctxErr := ctx.Err(); ctxErr != nil {
			state.SetError(llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, ctxErr, "run cancelled"))
			failedStep = state.Step()
			state.forceEnd()
			break
		}
		if iterations >= d.cfg.MaxIterations {
			state.SetError(llmerrors.NewConfigError("step budget exhausted after %d iterations", iterations))
			failedStep = state.Step()
			state.forceEnd()
			break
		}
		iterations++

		step := state.Step()
		started := time.Now()
		result := d.processStep(ctx, client, state)
		records = append(records, StepRecord{
			Step:       step,
			Output:     result.Message,
			Duration:   time.Since(started),
			OutputSize: len(result.Message),
		})

		if warning, ok := result.Data["warning"].(string); ok && warning != "" {
			warnings = append(warnings, warning)
			d.logger.Warn("run %s %s: %s", state.RunID(), step, warning)
		}

		if !result.Success {
			state.SetError(result.Err)
			failedStep = step
			state.forceEnd()
			break
		}
	}

	if runErr := state.Err(); runErr != nil {
		d.logger.Error("run %s failed in %s: %v", state.RunID(), failedStep, runErr)
		return nil, NewRunError(state.RunID(), failedStep, runErr)
	}

	execution := state.GetString(dataExecution)
	output, found := ExtractSolution(execution)
	if !found {
		d.logger.Warn("run %s: no code block in execution output, returning full text", state.RunID())
	}
	if err := state.SetResult(output); err != nil {
		return nil, NewRunError(state.RunID(), StepEnd, err)
	}

	d.logger.Info("run %s finished: %d steps, %d revisions, %s",
		state.RunID(), len(records), state.ExecuteRetries(), time.Since(state.StartedAt()).Round(time.Millisecond))

	return &Result{
		Output:    output,
		RunID:     state.RunID(),
		Model:     client.GetModelName(),
		Steps:     records,
		Warnings:  warnings,
		Duration:  time.Since(state.StartedAt()),
		CodeBlock: found,
		Revisions: state.ExecuteRetries(),
	}, nil
}

// processStep dispatches the current step to its handler.
func (d *Driver) processStep(ctx context.Context, client llm.Client, state *RunState) StepResult {
	switch state.Step() {
	case StepUnderstand:
		return d.handleUnderstand(ctx, client, state)
	case StepPlan:
		return d.handlePlan(ctx, client, state)
	case StepExecute:
		return d.handleExecute(ctx, client, state)
	case StepVerify:
		return d.handleVerify(ctx, client, state)
	case StepEnd:
		return StepResult{Success: true}
	default:
		return StepResult{Err: fmt.Errorf("%w: %s", agent.ErrInvalidState, state.Step())}
	}
}

// handleUnderstand asks the model to restate the task requirements.
func (d *Driver) handleUnderstand(ctx context.Context, client llm.Client, state *RunState) StepResult {
	prompt, err := d.renderer.Render(templates.UnderstandTemplate, &templates.TemplateData{
		Task:    state.Task(),
		Context: d.cfg.Context,
	})
	if err != nil {
		return StepResult{Err: err}
	}

	content, err := d.complete(ctx, client, state, prompt)
	if err != nil {
		return StepResult{Err: err}
	}
	state.Context().AddMessage(llm.NewAssistantMessage(content).WithMetadata("step", string(StepUnderstand)))
	state.SetData(dataAnalysis, content)

	if err := state.TransitionTo(StepPlan); err != nil {
		return StepResult{Err: err}
	}
	return StepResult{Success: true, Message: content}
}

// handlePlan asks for an implementation plan from the analysis.
func (d *Driver) handlePlan(ctx context.Context, client llm.Client, state *RunState) StepResult {
	prompt, err := d.renderer.Render(templates.PlanTemplate, &templates.TemplateData{
		Task:     state.Task(),
		Analysis: state.GetString(dataAnalysis),
	})
	if err != nil {
		return StepResult{Err: err}
	}

	content, err := d.complete(ctx, client, state, prompt)
	if err != nil {
		return StepResult{Err: err}
	}
	state.Context().AddMessage(llm.NewAssistantMessage(content).WithMetadata("step", string(StepPlan)))
	state.SetData(dataPlan, content)

	if err := state.TransitionTo(StepExecute); err != nil {
		return StepResult{Err: err}
	}
	return StepResult{Success: true, Message: content}
}

// handleExecute asks for the solution artifact. On re-entry after a failed
// verification, the prompt carries the reviewer feedback instead of the plan.
func (d *Driver) handleExecute(ctx context.Context, client llm.Client, state *RunState) StepResult {
	var prompt string
	var err error
	if feedback := state.GetString(dataFeedback); feedback != "" {
		prompt, err = d.renderer.Render(templates.VerifyFeedbackTemplate, &templates.TemplateData{
			Task:        state.Task(),
			Feedback:    feedback,
			Attempt:     state.ExecuteRetries(),
			MaxAttempts: d.cfg.MaxExecuteRetries,
		})
		state.SetData(dataFeedback, "")
	} else {
		prompt, err = d.renderer.Render(templates.ExecuteTemplate, &templates.TemplateData{
			Task: state.Task(),
			Plan: state.GetString(dataPlan),
		})
	}
	if err != nil {
		return StepResult{Err: err}
	}

	var content string
	if d.cfg.Stream {
		content, err = d.streamCompletion(ctx, client, state, prompt)
	} else {
		content, err = d.complete(ctx, client, state, prompt)
	}
	if err != nil {
		return StepResult{Err: err}
	}
	state.Context().AddMessage(llm.NewAssistantMessage(content).WithMetadata("step", string(StepExecute)))
	state.SetData(dataExecution, content)

	if err := state.TransitionTo(StepVerify); err != nil {
		return StepResult{Err: err}
	}
	return StepResult{Success: true, Message: content}
}

// handleVerify critiques the solution and routes the run: PASS ends it, FAIL
// re-enters EXECUTE within the revision budget, and an unparseable verdict
// passes with a warning.
func (d *Driver) handleVerify(ctx context.Context, client llm.Client, state *RunState) StepResult {
	prompt, err := d.renderer.Render(templates.VerifyTemplate, &templates.TemplateData{
		Task:   state.Task(),
		Result: state.GetString(dataExecution),
	})
	if err != nil {
		return StepResult{Err: err}
	}

	content, err := d.complete(ctx, client, state, prompt)
	if err != nil {
		return StepResult{Err: err}
	}

	verdict := ParseVerdict(content)
	state.Context().AddMessage(llm.NewAssistantMessage(content).
		WithMetadata("step", string(StepVerify)).
		WithMetadata("verdict", verdict.String()))
	state.SetData(dataVerification, content)

	switch verdict {
	case VerdictFail:
		if state.ExecuteRetries() < d.cfg.MaxExecuteRetries {
			attempt := state.IncExecuteRetries()
			state.SetData(dataFeedback, content)
			d.logger.Info("run %s verification failed, revising (attempt %d of %d)",
				state.RunID(), attempt, d.cfg.MaxExecuteRetries)
			if err := state.TransitionTo(StepExecute); err != nil {
				return StepResult{Err: err}
			}
			return StepResult{Success: true, Message: content}
		}
		// Revision budget spent: accept the best attempt
		if err := state.TransitionTo(StepEnd); err != nil {
			return StepResult{Err: err}
		}
		return StepResult{
			Success: true,
			Message: content,
			Data: map[string]any{
				"warning": fmt.Sprintf("verification still failing after %d revisions; accepting best attempt", d.cfg.MaxExecuteRetries),
			},
		}
	case VerdictUnknown:
		if err := state.TransitionTo(StepEnd); err != nil {
			return StepResult{Err: err}
		}
		return StepResult{
			Success: true,
			Message: content,
			Data:    map[string]any{"warning": "verification verdict unparseable; treating as pass"},
		}
	default: // VerdictPass
		if err := state.TransitionTo(StepEnd); err != nil {
			return StepResult{Err: err}
		}
		return StepResult{Success: true, Message: content}
	}
}

// complete appends the prompt, compacts if needed, and runs one synchronous
// provider call. The assistant reply is returned to the caller, who appends
// it with step metadata.
func (d *Driver) complete(ctx context.Context, client llm.Client, state *RunState, prompt string) (string, error) {
	if err := state.Context().AddUserMessage(prompt); err != nil {
		return "", err
	}
	state.Context().CompactIfNeeded()

	resp, err := client.Complete(ctx, llm.CompletionRequest{
		Messages:    state.Context().ToRequestMessages(),
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// streamCompletion runs one provider call over the streaming interface,
// forwarding chunks to the handler while accumulating the full text.
func (d *Driver) streamCompletion(ctx context.Context, client llm.Client, state *RunState, prompt string) (string, error) {
	if err := state.Context().AddUserMessage(prompt); err != nil {
		return "", err
	}
	state.Context().CompactIfNeeded()

	ch, err := client.Stream(ctx, llm.CompletionRequest{
		Messages:    state.Context().ToRequestMessages(),
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			if d.streamHandler != nil {
				d.streamHandler(chunk.Content)
			}
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}
