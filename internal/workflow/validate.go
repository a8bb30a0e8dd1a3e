package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"weaver/internal/errors"
	"weaver/internal/expr"
)

// Task names appear inside ${tasks.<name>...} expressions, so the
// charset must stay clear of the path syntax.
var taskNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidationIssue is one problem found in a workflow definition.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

func issuef(field, format string, args ...interface{}) ValidationIssue {
	return ValidationIssue{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every static invariant of a workflow definition and
// returns all problems at once. Graph-shape errors (cycles) surface
// from the planner; this pass covers everything checkable per task.
func Validate(w *Workflow) []ValidationIssue {
	var issues []ValidationIssue

	if strings.TrimSpace(w.ID) == "" {
		issues = append(issues, issuef("id", "workflow id is required"))
	}
	if strings.TrimSpace(w.Name) == "" {
		issues = append(issues, issuef("name", "workflow name is required"))
	}
	if w.Version < 0 {
		issues = append(issues, issuef("version", "version must not be negative"))
	}
	// An empty task list is valid; such a workflow completes
	// immediately with an empty output.

	switch w.Trigger.Type {
	case "", TriggerManual, TriggerWebhook:
	case TriggerCron:
		if strings.TrimSpace(w.Trigger.CronExpr) == "" {
			issues = append(issues, issuef("trigger.cronExpr", "cron trigger requires an expression"))
		}
	default:
		issues = append(issues, issuef("trigger.type", "unknown trigger type %q", w.Trigger.Type))
	}

	switch w.Config.OnError.EffectivePolicy() {
	case OnErrorFail, OnErrorContinue:
	case OnErrorFallback:
		issues = append(issues, issuef("config.onError", "workflow-level onError cannot declare fallbacks"))
	default:
		issues = append(issues, issuef("config.onError", "unknown onError policy %q", w.Config.OnError.Policy))
	}

	names := make(map[string]int, len(w.Tasks))
	for i := range w.Tasks {
		t := &w.Tasks[i]
		field := fmt.Sprintf("tasks[%d]", i)

		if t.Name == "" {
			issues = append(issues, issuef(field+".name", "task name is required"))
			continue
		}
		if !taskNamePattern.MatchString(t.Name) {
			issues = append(issues, issuef(field+".name", "task name %q must match %s", t.Name, taskNamePattern))
		}
		if prev, dup := names[t.Name]; dup {
			issues = append(issues, issuef(field+".name", "task name %q already used by tasks[%d]", t.Name, prev))
		}
		names[t.Name] = i
	}

	fallbackTargets := w.FallbackTargets()

	for i := range w.Tasks {
		t := &w.Tasks[i]
		field := fmt.Sprintf("tasks[%d] (%s)", i, t.Name)

		if strings.TrimSpace(t.AgentType) == "" {
			issues = append(issues, issuef(field+".agentType", "agentType is required"))
		}
		if strings.TrimSpace(t.Action) == "" {
			issues = append(issues, issuef(field+".action", "action is required"))
		}
		if t.TimeoutMs != nil && *t.TimeoutMs < 0 {
			issues = append(issues, issuef(field+".timeoutMs", "timeout must not be negative"))
		}
		if t.Retry != nil && t.Retry.MaxAttempts < 1 {
			issues = append(issues, issuef(field+".retry.maxAttempts", "maxAttempts must be at least 1"))
		}
		if t.Retry != nil {
			for _, kind := range t.Retry.RetryOn {
				if !knownErrorKind(kind) {
					issues = append(issues, issuef(field+".retry.retryOn", "unknown error kind %q", kind))
				}
			}
		}

		for _, dep := range t.DependsOn {
			if dep == t.Name {
				issues = append(issues, issuef(field+".dependsOn", "task cannot depend on itself"))
				continue
			}
			if _, ok := names[dep]; !ok {
				issues = append(issues, issuef(field+".dependsOn", "unknown task %q", dep))
			}
		}

		switch t.OnError.EffectivePolicy() {
		case OnErrorFail, OnErrorContinue:
		case OnErrorFallback:
			if len(t.OnError.Fallback) == 0 {
				issues = append(issues, issuef(field+".onError", "fallback policy requires at least one task"))
			}
			for _, fb := range t.OnError.Fallback {
				fbIdx, ok := names[fb]
				if !ok {
					issues = append(issues, issuef(field+".onError.fallback", "unknown task %q", fb))
					continue
				}
				if fb == t.Name {
					issues = append(issues, issuef(field+".onError.fallback", "task cannot be its own fallback"))
				}
				if len(w.Tasks[fbIdx].DependsOn) > 0 {
					issues = append(issues, issuef(field+".onError.fallback", "fallback task %q must not declare dependencies", fb))
				}
			}
		default:
			issues = append(issues, issuef(field+".onError", "unknown onError policy %q", t.OnError.Policy))
		}

		// A fallback-only task is activated out-of-band, so normal tasks
		// must not depend on it.
		if _, isFallback := fallbackTargets[t.Name]; isFallback {
			for j := range w.Tasks {
				other := &w.Tasks[j]
				if _, alsoFallback := fallbackTargets[other.Name]; alsoFallback {
					continue
				}
				for _, dep := range other.DependsOn {
					if dep == t.Name {
						issues = append(issues, issuef(
							fmt.Sprintf("tasks[%d] (%s).dependsOn", j, other.Name),
							"cannot depend on fallback task %q", t.Name))
					}
				}
			}
		}

		issues = append(issues, validateRefs(t, field, names)...)
	}

	return issues
}

// validateRefs enforces that every ${...} reference in parameters and
// condition names a known scope, and task references point at declared
// tasks. Topological ordering of references is the planner's job.
func validateRefs(t *TaskSpec, field string, names map[string]int) []ValidationIssue {
	var issues []ValidationIssue

	check := func(sub string, value interface{}) {
		for _, ref := range expr.Refs(value) {
			if ref.Scope != expr.ScopeTasks {
				continue
			}
			target := ref.Task()
			if target == t.Name {
				issues = append(issues, issuef(field+sub, "task references its own output ${tasks.%s...}", target))
				continue
			}
			if _, ok := names[target]; !ok {
				issues = append(issues, issuef(field+sub, "reference to unknown task %q", target))
			}
		}
	}

	check(".parameters", t.Parameters)
	if t.Condition != "" {
		check(".condition", t.Condition)
	}
	return issues
}

// ValidateStrict wraps the issue list into a single validation error,
// or nil when the workflow is well-formed.
func ValidateStrict(w *Workflow) error {
	issues := Validate(w)
	if len(issues) == 0 {
		return nil
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.String()
	}
	return errors.New(errors.KindValidation, "invalid workflow %s: %s", w.ID, strings.Join(parts, "; "))
}

func knownErrorKind(kind string) bool {
	switch errors.Kind(kind) {
	case errors.KindValidation, errors.KindParamResolution, errors.KindAgentNotFound,
		errors.KindTimeout, errors.KindTransientAgent, errors.KindPermanentAgent,
		errors.KindCircuitOpen, errors.KindInterrupted, errors.KindCancelled:
		return true
	}
	return false
}
