package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"weaver/internal/errors"
	"weaver/internal/expr"
)

// PlanError kinds.
const (
	PlanErrUnknownDep = "UnknownDep"
	PlanErrCycle      = "Cycle"
)

// PlanError reports why a workflow cannot be planned.
type PlanError struct {
	Kind string
	Task string
	Dep  string   // set for UnknownDep
	Path []string // set for Cycle, e.g. [a b c a]
}

func (e *PlanError) Error() string {
	switch e.Kind {
	case PlanErrUnknownDep:
		return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dep)
	case PlanErrCycle:
		return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
	default:
		return fmt.Sprintf("plan error %s for task %q", e.Kind, e.Task)
	}
}

// Defaults are the runtime-level fallbacks the planner bakes into
// annotations when neither task nor workflow declares a value.
type Defaults struct {
	TaskTimeout time.Duration
}

// Annotation carries the effective policies of one task after
// inheritance is resolved.
type Annotation struct {
	Timeout      time.Duration
	Retry        errors.Policy
	OnError      OnErrorSpec
	FallbackOnly bool
}

// Plan is the executable shape of a workflow version: topological levels
// over the dependency graph plus per-task adjacency and annotations.
// Fallback-only tasks carry annotations but sit outside the levels; the
// runtime splices them in when their owner fails.
type Plan struct {
	WorkflowKey  string
	Levels       [][]string
	Order        []string // levels flattened, deterministic
	Predecessors map[string][]string
	Successors   map[string][]string
	Annotations  map[string]Annotation
	Fallbacks    map[string][]string // failing task -> fallback tasks
}

// BuildPlan validates the graph shape of a workflow and computes its
// execution plan. Planning is deterministic: the same workflow version
// always yields the same plan, which makes plans safe to cache.
func BuildPlan(w *Workflow, defaults Defaults) (*Plan, error) {
	index := make(map[string]int, len(w.Tasks))
	for i := range w.Tasks {
		index[w.Tasks[i].Name] = i
	}

	fallbackOnly := w.FallbackTargets()

	plan := &Plan{
		WorkflowKey:  w.Key(),
		Predecessors: make(map[string][]string, len(w.Tasks)),
		Successors:   make(map[string][]string, len(w.Tasks)),
		Annotations:  make(map[string]Annotation, len(w.Tasks)),
		Fallbacks:    make(map[string][]string),
	}

	// Resolve each task's predecessors: declared dependsOn first, then
	// implicit edges from ${tasks.X...} references in parameters and
	// condition.
	for i := range w.Tasks {
		t := &w.Tasks[i]

		plan.Annotations[t.Name] = Annotation{
			Timeout:      w.EffectiveTaskTimeout(t, defaults.TaskTimeout),
			Retry:        t.Retry.Policy(),
			OnError:      w.EffectiveOnError(t),
			FallbackOnly: isFallbackOnly(t.Name, fallbackOnly),
		}
		if len(t.OnError.Fallback) > 0 {
			plan.Fallbacks[t.Name] = append([]string(nil), t.OnError.Fallback...)
		}

		preds := make([]string, 0, len(t.DependsOn))
		seen := make(map[string]struct{}, len(t.DependsOn))

		addPred := func(dep string) error {
			if _, ok := index[dep]; !ok {
				return &PlanError{Kind: PlanErrUnknownDep, Task: t.Name, Dep: dep}
			}
			if isFallbackOnly(dep, fallbackOnly) {
				// Fallback tasks run out-of-band; a scheduling edge onto
				// one can never be satisfied.
				return &PlanError{Kind: PlanErrUnknownDep, Task: t.Name, Dep: dep}
			}
			if _, dup := seen[dep]; dup || dep == t.Name {
				return nil
			}
			seen[dep] = struct{}{}
			preds = append(preds, dep)
			return nil
		}

		for _, dep := range t.DependsOn {
			if err := addPred(dep); err != nil {
				return nil, err
			}
		}

		// Fallback tasks resolve their references at activation time,
		// so their reads do not constrain the schedule.
		if !isFallbackOnly(t.Name, fallbackOnly) {
			implicit := expr.TaskRefs(t.Parameters)
			if t.Condition != "" {
				implicit = append(implicit, expr.TaskRefs(t.Condition)...)
			}
			sort.Strings(implicit)
			for _, dep := range implicit {
				if dep == t.Name {
					continue
				}
				if err := addPred(dep); err != nil {
					return nil, err
				}
			}
		}

		plan.Predecessors[t.Name] = preds
	}

	// Successor lists follow task declaration order for determinism.
	for i := range w.Tasks {
		name := w.Tasks[i].Name
		for _, dep := range plan.Predecessors[name] {
			plan.Successors[dep] = append(plan.Successors[dep], name)
		}
	}

	if err := detectCycle(w, plan, fallbackOnly); err != nil {
		return nil, err
	}

	plan.Levels = computeLevels(w, plan, fallbackOnly)
	for _, level := range plan.Levels {
		plan.Order = append(plan.Order, level...)
	}

	return plan, nil
}

func isFallbackOnly(name string, targets map[string]struct{}) bool {
	_, ok := targets[name]
	return ok
}

// detectCycle runs a DFS over the scheduled tasks and reports the first
// cycle with its full path.
func detectCycle(w *Workflow, plan *Plan, fallbackOnly map[string]struct{}) error {
	const (
		white = iota // unvisited
		gray         // on the current DFS stack
		black        // fully explored
	)

	color := make(map[string]int, len(w.Tasks))
	var stack []string

	var visit func(name string) *PlanError
	visit = func(name string) *PlanError {
		color[name] = gray
		stack = append(stack, name)

		for _, next := range plan.Successors[name] {
			switch color[next] {
			case gray:
				// Close the loop for the error path.
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), next)
				return &PlanError{Kind: PlanErrCycle, Task: next, Path: path}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for i := range w.Tasks {
		name := w.Tasks[i].Name
		if isFallbackOnly(name, fallbackOnly) {
			continue
		}
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm wave by wave. Within a level,
// tasks keep their declaration order so plans are stable for tests and
// cache hits.
func computeLevels(w *Workflow, plan *Plan, fallbackOnly map[string]struct{}) [][]string {
	indegree := make(map[string]int, len(w.Tasks))
	scheduled := make([]string, 0, len(w.Tasks))
	for i := range w.Tasks {
		name := w.Tasks[i].Name
		if isFallbackOnly(name, fallbackOnly) {
			continue
		}
		scheduled = append(scheduled, name)
		indegree[name] = len(plan.Predecessors[name])
	}

	var levels [][]string
	done := make(map[string]bool, len(scheduled))

	for len(done) < len(scheduled) {
		var wave []string
		for _, name := range scheduled {
			if !done[name] && indegree[name] == 0 {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			// Unreachable after detectCycle, kept as a hard stop.
			break
		}
		for _, name := range wave {
			done[name] = true
			for _, succ := range plan.Successors[name] {
				indegree[succ]--
			}
		}
		levels = append(levels, wave)
	}

	return levels
}

// Level returns the index of the level containing the task, or -1 for
// fallback-only tasks.
func (p *Plan) Level(name string) int {
	for i, level := range p.Levels {
		for _, n := range level {
			if n == name {
				return i
			}
		}
	}
	return -1
}

// Annotation returns the effective policies for a task.
func (p *Plan) Annotation(name string) (Annotation, bool) {
	a, ok := p.Annotations[name]
	return a, ok
}

// ScheduledCount is the number of tasks in the levels, excluding
// fallback-only tasks.
func (p *Plan) ScheduledCount() int {
	return len(p.Order)
}
