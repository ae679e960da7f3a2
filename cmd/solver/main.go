// Command solver runs a task through the UNDERSTAND/PLAN/EXECUTE/VERIFY
// workflow against the configured model providers and prints the solution.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"solver/pkg/agent"
	"solver/pkg/agent/llm"
	"solver/pkg/agent/middleware/metrics"
	"solver/pkg/config"
	"solver/pkg/logx"
	runmetrics "solver/pkg/metrics"
	"solver/pkg/persistence"
	"solver/pkg/solver"
	"solver/pkg/taskfile"
	"solver/pkg/templates"
)

// stringSlice collects repeated flag values.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "solver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		sets       stringSlice
		taskFile   = flag.String("task-file", "", "read the task from a file instead of arguments")
		projectDir = flag.String("project", ".", "project directory holding the .solver config")
		stream     = flag.Bool("stream", false, "stream solution output as it is generated")
		jsonOut    = flag.Bool("json", false, "emit the run result as JSON")
		showRuns   = flag.Int("recent", 0, "print the N most recent runs and exit")
		runMetrics = flag.String("run-metrics", "", "print token/cost totals for a run ID from the Prometheus server and exit")
	)
	flag.Var(&sets, "set", "per-run override as key=value (temperature, max_tokens, provider, stream); repeatable")
	flag.Parse()

	logger := logx.NewLogger("cli")

	if err := config.LoadConfig(*projectDir); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.GenerateSessionID(); err != nil {
		return fmt.Errorf("failed to generate session ID: %w", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	if *showRuns > 0 {
		return printRecentRuns(cfg, *showRuns, *jsonOut)
	}
	if *runMetrics != "" {
		return printRunMetrics(cfg, *runMetrics, *jsonOut)
	}

	task, overrides, seedContext, err := resolveTask(*taskFile, flag.Args())
	if err != nil {
		return err
	}

	if err := unlockSecrets(*projectDir); err != nil {
		return err
	}

	// CLI overrides layer on top of task file frontmatter
	cliOverrides, err := config.ParseOverrides(sets)
	if err != nil {
		return err
	}
	overrides.Merge(cliOverrides)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := agent.NewFactory(ctx, cfg)
	defer factory.Stop()

	if err := agent.RegisterDefaults(factory); err != nil {
		return fmt.Errorf("failed to register providers: %w", err)
	}
	if overrides.Provider != nil {
		if err := factory.SetActive(*overrides.Provider); err != nil {
			return fmt.Errorf("failed to switch provider to %s: %w", *overrides.Provider, err)
		}
	}

	driverCfg := buildDriverConfig(cfg, overrides, *stream)
	driverCfg.Context = seedContext

	renderer, err := templates.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}

	driver := solver.NewDriver(func(run metrics.RunContext) (llm.Client, error) {
		return factory.NewFallbackChain(run)
	}, renderer, driverCfg)

	if driverCfg.Stream && !*jsonOut {
		driver.SetStreamHandler(func(chunk string) {
			fmt.Print(chunk)
		})
	}

	started := time.Now()
	result, runErr := driver.Run(ctx, task)

	if err := persistRun(cfg, task, started, result, runErr); err != nil {
		// Persistence failures must not mask the run outcome
		logger.Warn("failed to persist run: %v", err)
	}

	if runErr != nil {
		return reportFailure(runErr, *jsonOut)
	}
	return reportSuccess(cfg, factory, result, *jsonOut, driverCfg.Stream)
}

// resolveTask reads the task from the file flag or the positional arguments.
// Task files may carry frontmatter overrides and seed context; plain-argument
// tasks carry neither.
func resolveTask(taskFilePath string, args []string) (string, *config.Overrides, map[string]string, error) {
	if taskFilePath != "" {
		parsed, err := taskfile.Load(taskFilePath)
		if err != nil {
			return "", nil, nil, err
		}
		return parsed.Task, parsed.Overrides(), parsed.Context, nil
	}
	if len(args) == 0 {
		return "", nil, nil, errors.New("no task given (pass it as arguments or via -task-file)")
	}
	return strings.Join(args, " "), &config.Overrides{}, nil, nil
}

// unlockSecrets decrypts the project secrets file when one exists, prompting
// for the passphrase on the terminal. Without a terminal (or file) provider
// keys fall back to environment variables.
func unlockSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	fmt.Fprint(os.Stderr, "Secrets passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}

	secrets, err := config.DecryptSecretsFile(projectDir, string(passphrase))
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// buildDriverConfig folds the solver section and per-run overrides into the
// driver configuration. Sampling settings come from the active provider.
func buildDriverConfig(cfg config.Config, overrides *config.Overrides, streamFlag bool) solver.Config {
	driverCfg := solver.Config{Stream: streamFlag}

	if cfg.Solver != nil {
		driverCfg.MaxExecuteRetries = cfg.Solver.MaxExecuteRetries
		driverCfg.MaxIterations = cfg.Solver.MaxIterations
		if cfg.Solver.Stream {
			driverCfg.Stream = true
		}
	}

	if cfg.Providers != nil {
		if settings := cfg.Providers.Settings(cfg.Providers.Active); settings != nil {
			applied := overrides.Apply(*settings)
			driverCfg.Temperature = applied.Temperature
			driverCfg.MaxTokens = applied.MaxTokens
		}
	}
	if overrides.Temperature != nil {
		driverCfg.Temperature = *overrides.Temperature
	}
	if overrides.MaxTokens != nil {
		driverCfg.MaxTokens = *overrides.MaxTokens
	}
	if overrides.Stream != nil {
		driverCfg.Stream = *overrides.Stream
	}
	return driverCfg
}

// persistRun writes the run outcome and step transcripts to the run database
// when persistence is enabled.
func persistRun(cfg config.Config, task string, started time.Time, result *solver.Result, runErr error) error {
	if cfg.Persistence == nil || !cfg.Persistence.Enabled {
		return nil
	}

	store, err := persistence.Open(filepath.Join(config.GetProjectDir(), cfg.Persistence.Path), cfg.SessionID)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if runErr != nil {
		var failed *solver.RunError
		if !errors.As(runErr, &failed) || failed.RunID == "" {
			return nil // Nothing identifiable to record
		}
		return store.UpsertRun(&persistence.Run{
			ID:           failed.RunID,
			Task:         task,
			Model:        "",
			Status:       persistence.RunStatusFailed,
			ErrorKind:    failed.Kind,
			ErrorMessage: failed.Message,
			StartedAt:    started.UTC(),
			FinishedAt:   time.Now().UTC(),
			DurationMS:   time.Since(started).Milliseconds(),
		})
	}

	run := &persistence.Run{
		ID:         result.RunID,
		Task:       task,
		Model:      result.Model,
		Status:     persistence.RunStatusSucceeded,
		Output:     result.Output,
		Warnings:   result.Warnings,
		CodeBlock:  result.CodeBlock,
		Revisions:  result.Revisions,
		StartedAt:  started.UTC(),
		FinishedAt: started.Add(result.Duration).UTC(),
		DurationMS: result.Duration.Milliseconds(),
	}
	if err := store.UpsertRun(run); err != nil {
		return err
	}

	for i, rec := range result.Steps {
		transcript := &persistence.StepTranscript{
			RunID:      result.RunID,
			Sequence:   i + 1,
			Step:       string(rec.Step),
			Output:     rec.Output,
			DurationMS: rec.Duration.Milliseconds(),
		}
		if rec.Step == solver.StepVerify {
			transcript.Verdict = solver.ParseVerdict(rec.Output).String()
		}
		if err := store.InsertStep(transcript); err != nil {
			return err
		}
	}
	return nil
}

// reportSuccess prints the run outcome, plus a usage rollup when the internal
// metrics recorder is active.
func reportSuccess(cfg config.Config, factory *agent.Factory, result *solver.Result, jsonOut, streamed bool) error {
	if jsonOut {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	// With streaming on, the solution already went to stdout chunk by chunk
	if !streamed {
		fmt.Println(result.Output)
	} else {
		fmt.Println()
	}

	fmt.Fprintf(os.Stderr, "\nrun %s: %d steps, %d revisions, %s\n",
		result.RunID, len(result.Steps), result.Revisions, result.Duration.Round(time.Millisecond))
	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled && cfg.Metrics.Exporter == "internal" {
		if recorder, ok := factory.Recorder().(*metrics.InternalRecorder); ok {
			if totals := recorder.GetRunTotals(result.RunID); totals != nil {
				fmt.Fprintf(os.Stderr, "usage: %d prompt + %d completion tokens, $%.4f across %d requests\n",
					totals.PromptTokens, totals.CompletionTokens, totals.TotalCost, totals.RequestCount)
			}
		}
	}
	return nil
}

// reportFailure prints the structured failure and returns it so the process
// exits nonzero.
func reportFailure(runErr error, jsonOut bool) error {
	var failed *solver.RunError
	if jsonOut && errors.As(runErr, &failed) {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(failed); err != nil {
			return err
		}
	}
	return runErr
}

// printRunMetrics queries the Prometheus server for one run's token and cost
// rollup, overall and per model.
func printRunMetrics(cfg config.Config, runID string, jsonOut bool) error {
	if cfg.Metrics == nil || !cfg.Metrics.Enabled || cfg.Metrics.PrometheusURL == "" {
		return errors.New("metrics querying needs metrics.enabled and metrics.prometheus_url set")
	}

	service, err := runmetrics.NewQueryService(cfg.Metrics.PrometheusURL, cfg.Metrics.Namespace)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	totals, err := service.GetRunMetrics(ctx, runID)
	if err != nil {
		return err
	}
	byModel, err := service.GetRunMetricsByModel(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOut {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(struct {
			Totals  *runmetrics.RunMetrics            `json:"totals"`
			ByModel map[string]*runmetrics.RunMetrics `json:"by_model"`
		}{totals, byModel})
	}

	fmt.Printf("run %s: %d prompt + %d completion tokens, $%.4f\n",
		totals.RunID, totals.PromptTokens, totals.CompletionTokens, totals.TotalCost)
	for name, m := range byModel {
		fmt.Printf("  %-24s %d+%d tokens  $%.4f\n", name, m.PromptTokens, m.CompletionTokens, m.TotalCost)
	}
	return nil
}

// printRecentRuns lists the newest runs from the run database.
func printRecentRuns(cfg config.Config, limit int, jsonOut bool) error {
	if cfg.Persistence == nil || !cfg.Persistence.Enabled {
		return errors.New("persistence is disabled; no run history available")
	}

	store, err := persistence.Open(filepath.Join(config.GetProjectDir(), cfg.Persistence.Path), cfg.SessionID)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}

	if jsonOut {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(runs)
	}

	for _, run := range runs {
		task := run.Task
		if len(task) > 60 {
			task = task[:57] + "..."
		}
		fmt.Printf("%s  %-9s  %-24s  %6dms  %s\n",
			run.StartedAt.Format(time.RFC3339), run.Status, run.Model, run.DurationMS, task)
	}
	return nil
}
