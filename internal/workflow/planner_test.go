package workflow

import (
	stderrors "errors"
	"reflect"
	"testing"
	"time"
)

func diamondWorkflow() *Workflow {
	return &Workflow{
		ID:      "diamond",
		Name:    "Diamond",
		Version: 1,
		Tasks: []TaskSpec{
			{Name: "fetch", AgentType: "http", Action: "request"},
			{Name: "parse-a", AgentType: "transform", Action: "analyze", DependsOn: []string{"fetch"}},
			{
				Name:      "parse-b",
				AgentType: "transform",
				Action:    "analyze",
				Parameters: map[string]interface{}{
					"body": "${tasks.fetch.body}",
				},
			},
			{
				Name:      "merge",
				AgentType: "transform",
				Action:    "aggregate",
				DependsOn: []string{"parse-a"},
				Parameters: map[string]interface{}{
					"extra": "${tasks.parse-b.out}",
				},
			},
		},
	}
}

func TestBuildPlanDiamondLevels(t *testing.T) {
	plan, err := BuildPlan(diamondWorkflow(), Defaults{TaskTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	wantLevels := [][]string{
		{"fetch"},
		{"parse-a", "parse-b"},
		{"merge"},
	}
	if !reflect.DeepEqual(plan.Levels, wantLevels) {
		t.Errorf("Levels = %v, want %v", plan.Levels, wantLevels)
	}

	wantOrder := []string{"fetch", "parse-a", "parse-b", "merge"}
	if !reflect.DeepEqual(plan.Order, wantOrder) {
		t.Errorf("Order = %v, want %v", plan.Order, wantOrder)
	}
	if plan.ScheduledCount() != 4 {
		t.Errorf("ScheduledCount = %d, want 4", plan.ScheduledCount())
	}
	if plan.WorkflowKey != "diamond@v1" {
		t.Errorf("WorkflowKey = %q, want diamond@v1", plan.WorkflowKey)
	}
}

func TestBuildPlanMergesExplicitAndImplicitDeps(t *testing.T) {
	plan, err := BuildPlan(diamondWorkflow(), Defaults{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	// parse-b never declares dependsOn; the edge comes from its
	// ${tasks.fetch.body} parameter.
	if got := plan.Predecessors["parse-b"]; !reflect.DeepEqual(got, []string{"fetch"}) {
		t.Errorf("Predecessors[parse-b] = %v, want [fetch]", got)
	}

	// merge mixes a declared dep with an implicit one. Declared deps
	// come first, implicit ones follow in sorted order.
	if got := plan.Predecessors["merge"]; !reflect.DeepEqual(got, []string{"parse-a", "parse-b"}) {
		t.Errorf("Predecessors[merge] = %v, want [parse-a parse-b]", got)
	}

	// Successor lists follow task declaration order.
	if got := plan.Successors["fetch"]; !reflect.DeepEqual(got, []string{"parse-a", "parse-b"}) {
		t.Errorf("Successors[fetch] = %v, want [parse-a parse-b]", got)
	}
}

func TestBuildPlanDedupsRepeatedEdges(t *testing.T) {
	w := &Workflow{
		ID: "dup", Name: "dup", Version: 1,
		Tasks: []TaskSpec{
			{Name: "a", AgentType: "x", Action: "y"},
			{
				Name: "b", AgentType: "x", Action: "y",
				DependsOn: []string{"a", "a"},
				Parameters: map[string]interface{}{
					"one": "${tasks.a.out}",
					"two": "${tasks.a.other}",
				},
			},
		},
	}
	plan, err := BuildPlan(w, Defaults{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if got := plan.Predecessors["b"]; !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Predecessors[b] = %v, want [a]", got)
	}
	if got := plan.Successors["a"]; !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Successors[a] = %v, want [b]", got)
	}
}

func TestBuildPlanConditionCreatesEdge(t *testing.T) {
	w := &Workflow{
		ID: "cond", Name: "cond", Version: 1,
		Tasks: []TaskSpec{
			{Name: "probe", AgentType: "http", Action: "request"},
			{
				Name: "cleanup", AgentType: "storage", Action: "save",
				Condition: "${tasks.probe.ok ?? false}",
			},
		},
	}
	plan, err := BuildPlan(w, Defaults{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if got := plan.Predecessors["cleanup"]; !reflect.DeepEqual(got, []string{"probe"}) {
		t.Errorf("Predecessors[cleanup] = %v, want [probe]", got)
	}
	if plan.Level("cleanup") != 1 {
		t.Errorf("Level(cleanup) = %d, want 1", plan.Level("cleanup"))
	}
}

func TestBuildPlanUnknownDep(t *testing.T) {
	w := &Workflow{
		ID: "broken", Name: "broken", Version: 1,
		Tasks: []TaskSpec{
			{Name: "a", AgentType: "x", Action: "y", DependsOn: []string{"ghost"}},
		},
	}
	_, err := BuildPlan(w, Defaults{})
	var perr *PlanError
	if !stderrors.As(err, &perr) {
		t.Fatalf("BuildPlan error = %v, want *PlanError", err)
	}
	if perr.Kind != PlanErrUnknownDep || perr.Task != "a" || perr.Dep != "ghost" {
		t.Errorf("PlanError = %+v, want UnknownDep a->ghost", perr)
	}
}

func TestBuildPlanUnknownImplicitDep(t *testing.T) {
	w := &Workflow{
		ID: "broken", Name: "broken", Version: 1,
		Tasks: []TaskSpec{
			{
				Name: "a", AgentType: "x", Action: "y",
				Parameters: map[string]interface{}{"v": "${tasks.ghost.out}"},
			},
		},
	}
	_, err := BuildPlan(w, Defaults{})
	var perr *PlanError
	if !stderrors.As(err, &perr) {
		t.Fatalf("BuildPlan error = %v, want *PlanError", err)
	}
	if perr.Kind != PlanErrUnknownDep || perr.Dep != "ghost" {
		t.Errorf("PlanError = %+v, want UnknownDep on ghost", perr)
	}
}

func TestBuildPlanCyclePath(t *testing.T) {
	w := &Workflow{
		ID: "loop", Name: "loop", Version: 1,
		Tasks: []TaskSpec{
			{Name: "a", AgentType: "x", Action: "y", DependsOn: []string{"c"}},
			{Name: "b", AgentType: "x", Action: "y", DependsOn: []string{"a"}},
			{Name: "c", AgentType: "x", Action: "y", DependsOn: []string{"b"}},
		},
	}
	_, err := BuildPlan(w, Defaults{})
	var perr *PlanError
	if !stderrors.As(err, &perr) {
		t.Fatalf("BuildPlan error = %v, want *PlanError", err)
	}
	if perr.Kind != PlanErrCycle {
		t.Fatalf("PlanError kind = %s, want Cycle", perr.Kind)
	}
	want := []string{"a", "b", "c", "a"}
	if !reflect.DeepEqual(perr.Path, want) {
		t.Errorf("cycle path = %v, want %v", perr.Path, want)
	}
	if got := perr.Error(); got != "dependency cycle: a -> b -> c -> a" {
		t.Errorf("Error() = %q", got)
	}
}

func TestBuildPlanSelfReferenceViaExpressionIgnored(t *testing.T) {
	// Validation rejects self-references; the planner must simply not
	// wedge itself if one slips through.
	w := &Workflow{
		ID: "selfref", Name: "selfref", Version: 1,
		Tasks: []TaskSpec{
			{
				Name: "a", AgentType: "x", Action: "y",
				Parameters: map[string]interface{}{"v": "${tasks.a.out}"},
			},
		},
	}
	plan, err := BuildPlan(w, Defaults{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Predecessors["a"]) != 0 {
		t.Errorf("Predecessors[a] = %v, want empty", plan.Predecessors["a"])
	}
}

func TestBuildPlanAnnotations(t *testing.T) {
	w := &Workflow{
		ID: "annotated", Name: "annotated", Version: 2,
		Config: Config{
			TaskTimeoutMs: 5000,
			OnError:       OnErrorSpec{Policy: OnErrorContinue},
		},
		Tasks: []TaskSpec{
			{
				Name: "tuned", AgentType: "http", Action: "request",
				TimeoutMs: timeoutMs(2000),
				Retry:     &RetrySpec{MaxAttempts: 4, InitialDelayMs: 100, MaxDelayMs: 1000, Multiplier: 2},
				OnError:   OnErrorSpec{Policy: OnErrorFail},
			},
			{Name: "plain", AgentType: "http", Action: "request"},
		},
	}

	plan, err := BuildPlan(w, Defaults{TaskTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	tuned, ok := plan.Annotation("tuned")
	if !ok {
		t.Fatal("missing annotation for tuned")
	}
	if tuned.Timeout != 2*time.Second {
		t.Errorf("tuned timeout = %v, want 2s", tuned.Timeout)
	}
	if tuned.Retry.MaxAttempts != 4 || tuned.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("tuned retry = %+v", tuned.Retry)
	}
	if tuned.OnError.EffectivePolicy() != OnErrorFail {
		t.Errorf("tuned onError = %q, want fail", tuned.OnError.EffectivePolicy())
	}

	plain, _ := plan.Annotation("plain")
	if plain.Timeout != 5*time.Second {
		t.Errorf("plain timeout = %v, want workflow default 5s", plain.Timeout)
	}
	if plain.Retry.MaxAttempts != 1 {
		t.Errorf("plain retry attempts = %d, want 1 (no retries)", plain.Retry.MaxAttempts)
	}
	if plain.OnError.EffectivePolicy() != OnErrorContinue {
		t.Errorf("plain onError = %q, want workflow-level continue", plain.OnError.EffectivePolicy())
	}
}

func TestBuildPlanRuntimeDefaultTimeout(t *testing.T) {
	w := &Workflow{
		ID: "bare", Name: "bare", Version: 1,
		Tasks: []TaskSpec{{Name: "a", AgentType: "x", Action: "y"}},
	}
	plan, err := BuildPlan(w, Defaults{TaskTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	a, _ := plan.Annotation("a")
	if a.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want runtime default 30s", a.Timeout)
	}
}

func TestBuildPlanFallbackTasksSitOutsideLevels(t *testing.T) {
	w := &Workflow{
		ID: "fb", Name: "fb", Version: 1,
		Tasks: []TaskSpec{
			{Name: "main", AgentType: "notify", Action: "send",
				OnError: OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"rescue"}}},
			{Name: "rescue", AgentType: "storage", Action: "save"},
			{Name: "after", AgentType: "http", Action: "request", DependsOn: []string{"main"}},
		},
	}

	plan, err := BuildPlan(w, Defaults{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	wantLevels := [][]string{{"main"}, {"after"}}
	if !reflect.DeepEqual(plan.Levels, wantLevels) {
		t.Errorf("Levels = %v, want %v", plan.Levels, wantLevels)
	}
	if plan.Level("rescue") != -1 {
		t.Errorf("Level(rescue) = %d, want -1", plan.Level("rescue"))
	}
	if plan.ScheduledCount() != 2 {
		t.Errorf("ScheduledCount = %d, want 2", plan.ScheduledCount())
	}

	rescue, ok := plan.Annotation("rescue")
	if !ok {
		t.Fatal("fallback task must still carry an annotation")
	}
	if !rescue.FallbackOnly {
		t.Error("rescue annotation missing FallbackOnly")
	}
	if got := plan.Fallbacks["main"]; !reflect.DeepEqual(got, []string{"rescue"}) {
		t.Errorf("Fallbacks[main] = %v, want [rescue]", got)
	}
}

func TestBuildPlanRejectsEdgeOntoFallbackTask(t *testing.T) {
	w := &Workflow{
		ID: "fb", Name: "fb", Version: 1,
		Tasks: []TaskSpec{
			{Name: "main", AgentType: "notify", Action: "send",
				OnError: OnErrorSpec{Policy: OnErrorFallback, Fallback: []string{"rescue"}}},
			{Name: "rescue", AgentType: "storage", Action: "save"},
			{Name: "after", AgentType: "http", Action: "request", DependsOn: []string{"rescue"}},
		},
	}
	_, err := BuildPlan(w, Defaults{})
	var perr *PlanError
	if !stderrors.As(err, &perr) {
		t.Fatalf("BuildPlan error = %v, want *PlanError", err)
	}
	if perr.Kind != PlanErrUnknownDep || perr.Dep != "rescue" {
		t.Errorf("PlanError = %+v, want UnknownDep on rescue", perr)
	}
}

func TestPlanDeterminism(t *testing.T) {
	w := diamondWorkflow()
	first, err := BuildPlan(w, Defaults{TaskTimeout: time.Second})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := BuildPlan(w, Defaults{TaskTimeout: time.Second})
		if err != nil {
			t.Fatalf("BuildPlan: %v", err)
		}
		if !reflect.DeepEqual(next.Levels, first.Levels) || !reflect.DeepEqual(next.Order, first.Order) {
			t.Fatalf("plan %d differs: %v vs %v", i, next.Levels, first.Levels)
		}
		if !reflect.DeepEqual(next.Predecessors, first.Predecessors) {
			t.Fatalf("predecessors differ: %v vs %v", next.Predecessors, first.Predecessors)
		}
	}
}
