package workflow

import (
	"strings"
	"testing"

	"weaver/internal/errors"
)

func validWorkflow() *Workflow {
	return &Workflow{
		ID:      "demo",
		Name:    "Demo",
		Version: 1,
		Trigger: Trigger{Type: TriggerManual},
		Tasks: []TaskSpec{
			{Name: "first", AgentType: "http", Action: "request"},
			{
				Name: "second", AgentType: "transform", Action: "analyze",
				DependsOn:  []string{"first"},
				Parameters: map[string]interface{}{"body": "${tasks.first.body}"},
			},
		},
	}
}

func hasIssue(issues []ValidationIssue, field, fragment string) bool {
	for _, issue := range issues {
		if strings.Contains(issue.Field, field) && strings.Contains(issue.Message, fragment) {
			return true
		}
	}
	return false
}

func TestValidateAcceptsWellFormedWorkflow(t *testing.T) {
	if issues := Validate(validWorkflow()); len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if err := ValidateStrict(validWorkflow()); err != nil {
		t.Fatalf("ValidateStrict: %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	w := &Workflow{}
	issues := Validate(w)

	for _, want := range []struct{ field, fragment string }{
		{"id", "required"},
		{"name", "required"},
	} {
		if !hasIssue(issues, want.field, want.fragment) {
			t.Errorf("missing issue %s/%s in %v", want.field, want.fragment, issues)
		}
	}
}

func TestValidateAllowsEmptyTaskList(t *testing.T) {
	w := &Workflow{ID: "noop", Name: "noop", Version: 1}
	if issues := Validate(w); len(issues) != 0 {
		t.Fatalf("empty workflow should validate, got %v", issues)
	}
}

func TestValidateTaskIssues(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(w *Workflow)
		field    string
		fragment string
	}{
		{
			name:     "bad task name charset",
			mutate:   func(w *Workflow) { w.Tasks[0].Name = "1 bad" },
			field:    ".name",
			fragment: "must match",
		},
		{
			name: "duplicate task name",
			mutate: func(w *Workflow) {
				w.Tasks = append(w.Tasks, TaskSpec{Name: "first", AgentType: "x", Action: "y"})
			},
			field:    "tasks[2].name",
			fragment: "already used",
		},
		{
			name:     "missing agent type",
			mutate:   func(w *Workflow) { w.Tasks[0].AgentType = "" },
			field:    ".agentType",
			fragment: "required",
		},
		{
			name:     "missing action",
			mutate:   func(w *Workflow) { w.Tasks[0].Action = "" },
			field:    ".action",
			fragment: "required",
		},
		{
			name:     "negative timeout",
			mutate:   func(w *Workflow) { w.Tasks[0].TimeoutMs = timeoutMs(-1) },
			field:    ".timeoutMs",
			fragment: "negative",
		},
		{
			name:     "retry attempts below one",
			mutate:   func(w *Workflow) { w.Tasks[0].Retry = &RetrySpec{MaxAttempts: 0} },
			field:    ".retry.maxAttempts",
			fragment: "at least 1",
		},
		{
			name: "unknown retryOn kind",
			mutate: func(w *Workflow) {
				w.Tasks[0].Retry = &RetrySpec{MaxAttempts: 2, RetryOn: []string{"Flaky"}}
			},
			field:    ".retry.retryOn",
			fragment: `unknown error kind "Flaky"`,
		},
		{
			name:     "self dependency",
			mutate:   func(w *Workflow) { w.Tasks[0].DependsOn = []string{"first"} },
			field:    ".dependsOn",
			fragment: "depend on itself",
		},
		{
			name:     "unknown dependency",
			mutate:   func(w *Workflow) { w.Tasks[1].DependsOn = []string{"ghost"} },
			field:    ".dependsOn",
			fragment: `unknown task "ghost"`,
		},
		{
			name:     "unknown onError policy",
			mutate:   func(w *Workflow) { w.Tasks[0].OnError = OnErrorSpec{Policy: "retry"} },
			field:    ".onError",
			fragment: "unknown onError policy",
		},
		{
			name:     "fallback without targets",
			mutate:   func(w *Workflow) { w.Tasks[0].OnError = OnErrorSpec{Policy: OnErrorFallback} },
			field:    ".onError",
			fragment: "at least one task",
		},
		{
			name: "fallback to unknown task",
			mutate: func(w *Workflow) {
				w.Tasks[0].OnError = OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"ghost"}}
			},
			field:    ".onError.fallback",
			fragment: `unknown task "ghost"`,
		},
		{
			name: "task as its own fallback",
			mutate: func(w *Workflow) {
				w.Tasks[0].OnError = OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"first"}}
			},
			field:    ".onError.fallback",
			fragment: "own fallback",
		},
		{
			name: "fallback task with dependencies",
			mutate: func(w *Workflow) {
				w.Tasks[0].OnError = OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"second"}}
			},
			field:    ".onError.fallback",
			fragment: "must not declare dependencies",
		},
		{
			name: "normal task depending on a fallback task",
			mutate: func(w *Workflow) {
				w.Tasks = append(w.Tasks,
					TaskSpec{Name: "rescue", AgentType: "storage", Action: "save"},
					TaskSpec{Name: "late", AgentType: "http", Action: "request", DependsOn: []string{"rescue"}},
				)
				w.Tasks[0].OnError = OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"rescue"}}
			},
			field:    "(late).dependsOn",
			fragment: `cannot depend on fallback task "rescue"`,
		},
		{
			name: "parameter referencing unknown task",
			mutate: func(w *Workflow) {
				w.Tasks[1].Parameters = map[string]interface{}{"v": "${tasks.ghost.out}"}
			},
			field:    ".parameters",
			fragment: `unknown task "ghost"`,
		},
		{
			name: "parameter referencing own output",
			mutate: func(w *Workflow) {
				w.Tasks[0].Parameters = map[string]interface{}{"v": "${tasks.first.out}"}
			},
			field:    ".parameters",
			fragment: "its own output",
		},
		{
			name:     "condition referencing own output",
			mutate:   func(w *Workflow) { w.Tasks[0].Condition = "${tasks.first.ok}" },
			field:    ".condition",
			fragment: "its own output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			tt.mutate(w)
			issues := Validate(w)
			if !hasIssue(issues, tt.field, tt.fragment) {
				t.Errorf("missing issue %s / %s, got %v", tt.field, tt.fragment, issues)
			}
		})
	}
}

func TestValidateTriggers(t *testing.T) {
	w := validWorkflow()
	w.Trigger = Trigger{Type: TriggerCron}
	if issues := Validate(w); !hasIssue(issues, "trigger.cronExpr", "requires an expression") {
		t.Errorf("cron without expression not flagged: %v", issues)
	}

	w.Trigger = Trigger{Type: TriggerCron, CronExpr: "*/5 * * * *"}
	if issues := Validate(w); len(issues) != 0 {
		t.Errorf("valid cron trigger flagged: %v", issues)
	}

	w.Trigger = Trigger{Type: "poll"}
	if issues := Validate(w); !hasIssue(issues, "trigger.type", `unknown trigger type "poll"`) {
		t.Errorf("unknown trigger type not flagged: %v", issues)
	}
}

func TestValidateWorkflowLevelOnError(t *testing.T) {
	w := validWorkflow()
	w.Config.OnError = OnErrorSpec{Policy: OnErrorContinue}
	if issues := Validate(w); len(issues) != 0 {
		t.Errorf("workflow-level continue flagged: %v", issues)
	}

	w.Config.OnError = OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"first"}}
	if issues := Validate(w); !hasIssue(issues, "config.onError", "cannot declare fallbacks") {
		t.Errorf("workflow-level fallback not flagged: %v", issues)
	}
}

func TestValidateStrictReturnsValidationKind(t *testing.T) {
	err := ValidateStrict(&Workflow{ID: "broken"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("error kind = %v, want ValidationError", err)
	}
	if !strings.Contains(err.Error(), "invalid workflow broken") {
		t.Errorf("error text = %q", err.Error())
	}
}
