package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"weaver/internal/agent"
	"weaver/internal/config"
	"weaver/internal/observability"
	"weaver/internal/orchestrator"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

// newRunCommand creates the run subcommand
func newRunCommand(cli *CLI) *cobra.Command {
	var (
		inputs    []string
		inputJSON string
		priority  string
		backend   string
		timeout   time.Duration
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow definition once and wait for the result",
		Long: `Load a workflow from a YAML or JSON file, execute it against an
in-memory store and print the per-task results. Pass --store to run
against the configured durable backend instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadEngineConfig()
			if err != nil {
				return err
			}
			// One-shot runs stay ephemeral unless asked otherwise.
			cfg.Store.Backend = "memory"
			if backend != "" {
				cfg.Store.Backend = backend
			}
			if cli.logLevel == "" {
				cfg.LogLevel = "warn"
			}
			cfg = cfg.Normalized()
			if err := cfg.Validate(); err != nil {
				return err
			}

			if priority != "" && store.ParsePriority(priority) != store.Priority(priority) {
				return fmt.Errorf("unknown priority %q (want urgent, high, medium or low)", priority)
			}
			input, err := parseInputValues(inputs, inputJSON)
			if err != nil {
				return err
			}
			return runWorkflowFile(cmd.Context(), cfg, args[0], input, priority, timeout, asJSON)
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Workflow input as key=value (repeatable, values may be JSON)")
	cmd.Flags().StringVar(&inputJSON, "input-json", "", "Workflow input as a JSON object")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Queue priority (urgent|high|medium|low)")
	cmd.Flags().StringVar(&backend, "store", "", "Store backend for this run (default memory)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the wait after this duration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final execution record as JSON")
	return cmd
}

func runWorkflowFile(ctx context.Context, cfg config.Config, path string, input map[string]interface{}, priority string, timeout time.Duration, asJSON bool) error {
	wf, err := workflow.ParseFile(path)
	if err != nil {
		return err
	}

	slogger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel})
	logger := slogger.Printf()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	registry := agent.NewRegistry(logger)
	if err := agent.RegisterBuiltins(registry, logger); err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:    st,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(stopCtx)
	}()

	stored, err := orch.SubmitWorkflow(ctx, wf)
	if err != nil {
		return err
	}

	opts := []orchestrator.TriggerOption{orchestrator.WithOrigin(store.OriginManual)}
	if priority != "" {
		opts = append(opts, orchestrator.WithPriority(priority))
	}
	execID, err := orch.TriggerExecution(ctx, stored.ID, input, opts...)
	if err != nil {
		return err
	}
	if !asJSON {
		fmt.Printf("%s %s %s\n", blue("▸"), bold(stored.Name), gray(execID))
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	exec, err := orch.AwaitExecution(waitCtx, execID)
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(exec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printExecutionReport(exec)
	}
	if exec.Status != store.ExecutionSucceeded {
		return fmt.Errorf("execution %s", exec.Status)
	}
	return nil
}

// parseInputValues merges --input-json with repeated --input key=value
// pairs. Pair values are decoded as JSON when they parse, so numbers
// and booleans come through typed; everything else stays a string.
func parseInputValues(pairs []string, rawJSON string) (map[string]interface{}, error) {
	if len(pairs) == 0 && rawJSON == "" {
		return nil, nil
	}
	input := map[string]interface{}{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &input); err != nil {
			return nil, fmt.Errorf("parse --input-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --input %q (want key=value)", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		input[key] = v
	}
	return input, nil
}

func printExecutionReport(exec *store.Execution) {
	elapsed := ""
	if exec.StartedAt != nil && exec.EndedAt != nil {
		elapsed = exec.EndedAt.Sub(*exec.StartedAt).Round(time.Millisecond).String()
	}
	fmt.Printf("\n%s %s %s\n", statusGlyph(string(exec.Status)), bold(string(exec.Status)), gray(elapsed))

	for _, name := range orderedTaskNames(exec.TaskStates) {
		ts := exec.TaskStates[name]
		switch ts.Status {
		case store.TaskSucceeded:
			fmt.Printf("  %s %s %s\n", statusGlyph(string(ts.Status)), name, gray(fmt.Sprintf("%dms", ts.ElapsedMs)))
		case store.TaskFailed:
			msg := ""
			if ts.Error != nil {
				msg = fmt.Sprintf("%s: %s", ts.Error.Kind, ts.Error.Message)
			}
			fmt.Printf("  %s %s %s\n", statusGlyph(string(ts.Status)), name, red(msg))
		case store.TaskSkipped:
			fmt.Printf("  %s %s %s\n", statusGlyph(string(ts.Status)), name, gray(ts.Reason))
		default:
			fmt.Printf("  %s %s\n", statusGlyph(string(ts.Status)), name)
		}
	}

	if exec.FailureDigest != nil {
		fmt.Printf("\n%s %s: %s\n", red("failure:"), exec.FailureDigest.TaskName, exec.FailureDigest.Message)
	}
	if exec.Status == store.ExecutionCancelled && exec.CancelReason != "" {
		fmt.Printf("\n%s %s\n", yellow("cancelled:"), exec.CancelReason)
	}
}

// orderedTaskNames sorts task states by start time so the report reads
// in execution order; tasks that never started sort last by name.
func orderedTaskNames(states map[string]*store.TaskState) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := states[names[i]], states[names[j]]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return names[i] < names[j]
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case a.StartedAt.Equal(*b.StartedAt):
			return names[i] < names[j]
		default:
			return a.StartedAt.Before(*b.StartedAt)
		}
	})
	return names
}

func statusGlyph(status string) string {
	switch status {
	case "succeeded":
		return green("✔")
	case "failed":
		return red("✘")
	case "skipped":
		return yellow("↷")
	case "cancelled":
		return yellow("⊘")
	case "running", "ready":
		return blue("▸")
	default:
		return gray("·")
	}
}
