// Package workflow defines workflow templates, their validation, and the
// DAG planner that turns a template into an executable plan.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"weaver/internal/errors"
)

// Trigger types.
const (
	TriggerManual  = "manual"
	TriggerCron    = "cron"
	TriggerWebhook = "webhook"
)

// OnError policies.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorFallback = "fallback"
)

// Workflow is an immutable template. Edits produce a new version; an
// execution always pins the version it started with.
type Workflow struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Version     int        `json:"version" yaml:"version"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []TaskSpec `json:"tasks" yaml:"tasks"`
	Trigger     Trigger    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Config      Config     `json:"config,omitempty" yaml:"config,omitempty"`
	CreatedAt   time.Time  `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// Trigger describes how executions of this workflow start.
type Trigger struct {
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	CronExpr string `json:"cronExpr,omitempty" yaml:"cronExpr,omitempty"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Config carries workflow-level defaults that tasks inherit.
type Config struct {
	TimeoutMs      int64       `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	TaskTimeoutMs  int64       `json:"taskTimeoutMs,omitempty" yaml:"taskTimeoutMs,omitempty"`
	ConcurrencyCap int         `json:"concurrencyCap,omitempty" yaml:"concurrencyCap,omitempty"`
	OnError        OnErrorSpec `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// TaskSpec is one node of the workflow DAG. TimeoutMs is a pointer so
// an explicit zero (an already-exhausted budget) stays distinguishable
// from an omitted value that inherits the workflow default.
type TaskSpec struct {
	Name       string                 `json:"name" yaml:"name"`
	AgentType  string                 `json:"agentType" yaml:"agentType"`
	Action     string                 `json:"action" yaml:"action"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn  []string               `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Retry      *RetrySpec             `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutMs  *int64                 `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	OnError    OnErrorSpec            `json:"onError,omitempty" yaml:"onError,omitempty"`
	Condition  string                 `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// timeoutMs builds the pointer form used by template literals.
func timeoutMs(v int64) *int64 { return &v }

// RetrySpec is the persisted form of a retry policy. Durations are
// milliseconds to keep templates backend-agnostic.
type RetrySpec struct {
	MaxAttempts    int      `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelayMs int64    `json:"initialDelayMs,omitempty" yaml:"initialDelayMs,omitempty"`
	MaxDelayMs     int64    `json:"maxDelayMs,omitempty" yaml:"maxDelayMs,omitempty"`
	Multiplier     float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	RetryOn        []string `json:"retryOn,omitempty" yaml:"retryOn,omitempty"`
}

// Policy converts the spec into a runnable retry policy.
func (r *RetrySpec) Policy() errors.Policy {
	if r == nil {
		return errors.DefaultPolicy()
	}
	p := errors.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:   r.Multiplier,
		JitterFactor: 0.25,
	}
	for _, kind := range r.RetryOn {
		p.RetryOn = append(p.RetryOn, errors.Kind(kind))
	}
	return p.Normalized()
}

// OnErrorSpec is either a bare policy name ("continue") or a fallback
// declaration with task names. Both template forms are accepted:
//
//	onError: continue
//	onError: {policy: fallback, fallback: [notify-admin]}
type OnErrorSpec struct {
	Policy   string   `json:"policy,omitempty" yaml:"policy,omitempty"`
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// IsZero reports whether the spec was omitted entirely.
func (o OnErrorSpec) IsZero() bool {
	return o.Policy == "" && len(o.Fallback) == 0
}

// EffectivePolicy resolves the policy name, defaulting to fail.
func (o OnErrorSpec) EffectivePolicy() string {
	if o.Policy == "" {
		if len(o.Fallback) > 0 {
			return OnErrorFallback
		}
		return OnErrorFail
	}
	return o.Policy
}

func (o *OnErrorSpec) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		o.Policy = name
		o.Fallback = nil
		return nil
	}
	type plain OnErrorSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = OnErrorSpec(p)
	return nil
}

func (o OnErrorSpec) MarshalJSON() ([]byte, error) {
	if len(o.Fallback) == 0 && o.Policy != "" {
		return json.Marshal(o.Policy)
	}
	type plain OnErrorSpec
	return json.Marshal(plain(o))
}

func (o *OnErrorSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		o.Fallback = nil
		return value.Decode(&o.Policy)
	}
	type plain OnErrorSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*o = OnErrorSpec(p)
	return nil
}

// Task finds a task spec by name.
func (w *Workflow) Task(name string) (*TaskSpec, bool) {
	for i := range w.Tasks {
		if w.Tasks[i].Name == name {
			return &w.Tasks[i], true
		}
	}
	return nil, false
}

// Key identifies a workflow version, used for plan caching and logs.
func (w *Workflow) Key() string {
	return fmt.Sprintf("%s@v%d", w.ID, w.Version)
}

// EffectiveTaskTimeout resolves a task's timeout: its own, then the
// workflow default, then the given runtime default. An explicit zero
// resolves to zero, which the executor treats as an exhausted budget.
func (w *Workflow) EffectiveTaskTimeout(t *TaskSpec, runtimeDefault time.Duration) time.Duration {
	if t.TimeoutMs != nil {
		if *t.TimeoutMs <= 0 {
			return 0
		}
		return time.Duration(*t.TimeoutMs) * time.Millisecond
	}
	if w.Config.TaskTimeoutMs > 0 {
		return time.Duration(w.Config.TaskTimeoutMs) * time.Millisecond
	}
	return runtimeDefault
}

// EffectiveTimeout resolves the whole-execution timeout.
func (w *Workflow) EffectiveTimeout(runtimeDefault time.Duration) time.Duration {
	if w.Config.TimeoutMs > 0 {
		return time.Duration(w.Config.TimeoutMs) * time.Millisecond
	}
	return runtimeDefault
}

// EffectiveOnError resolves a task's on-error policy against the
// workflow-level default.
func (w *Workflow) EffectiveOnError(t *TaskSpec) OnErrorSpec {
	if !t.OnError.IsZero() {
		return t.OnError
	}
	if !w.Config.OnError.IsZero() {
		return w.Config.OnError
	}
	return OnErrorSpec{Policy: OnErrorFail}
}

// FallbackTargets collects every task name referenced as a fallback.
// Those tasks are planned out-of-band: they only run when their owner
// fails. Only task-level onError may name fallbacks; the workflow-level
// default is restricted to fail/continue by validation.
func (w *Workflow) FallbackTargets() map[string]struct{} {
	targets := map[string]struct{}{}
	for i := range w.Tasks {
		for _, name := range w.Tasks[i].OnError.Fallback {
			targets[name] = struct{}{}
		}
	}
	return targets
}
