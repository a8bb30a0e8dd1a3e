package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/agent"
	"weaver/internal/config"
	"weaver/internal/logging"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

type echoAgent struct{}

func (echoAgent) Execute(_ context.Context, _ string, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"params": params}, nil
}

type blockingAgent struct {
	release chan struct{}
}

func (b *blockingAgent) Execute(ctx context.Context, _ string, _ map[string]interface{}) (interface{}, error) {
	select {
	case <-b.release:
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestOrchestrator(t *testing.T, extra ...agent.Descriptor) (*Orchestrator, *store.MemoryStore) {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "node-test"
	cfg.SchedulerTick = 10 * time.Millisecond
	cfg.DefaultTaskTimeout = 5 * time.Second

	st := store.NewMemoryStore()
	o, err := New(cfg, Deps{Store: st, Logger: logging.Nop()})
	require.NoError(t, err)

	require.NoError(t, o.Registry().Register(agent.Descriptor{
		Type:       "echo",
		Name:       "echo",
		Actions:    []agent.Action{{Name: "run"}},
		Idempotent: true,
		Agent:      echoAgent{},
	}))
	for _, d := range extra {
		require.NoError(t, o.Registry().Register(d))
	}

	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o, st
}

func pipelineDefinition(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:   id,
		Name: id,
		Tasks: []workflow.TaskSpec{
			{
				Name: "extract", AgentType: "echo", Action: "run",
				Parameters: map[string]interface{}{"source": "${input.source}"},
			},
			{
				Name: "load", AgentType: "echo", Action: "run",
				Parameters: map[string]interface{}{"payload": "${tasks.extract.params.source}"},
			},
		},
	}
}

func TestSubmitWorkflowAssignsVersions(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	v1, err := o.SubmitWorkflow(ctx, pipelineDefinition("pipeline"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := o.SubmitWorkflow(ctx, pipelineDefinition("pipeline"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.CreatedAt, v2.CreatedAt)

	latest, err := o.GetWorkflow(ctx, "pipeline", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	all, err := o.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Version)
}

func TestSubmitWorkflowGeneratesID(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	def := pipelineDefinition("")
	submitted, err := o.SubmitWorkflow(context.Background(), def)
	require.NoError(t, err)
	assert.NotEmpty(t, submitted.ID)
	assert.Equal(t, 1, submitted.Version)
}

func TestSubmitWorkflowRejectsInvalidDefinitions(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.SubmitWorkflow(ctx, nil)
	assert.Error(t, err)

	unknownDep := pipelineDefinition("bad-dep")
	unknownDep.Tasks[1].DependsOn = []string{"ghost"}
	_, err = o.SubmitWorkflow(ctx, unknownDep)
	assert.Error(t, err)

	cycle := pipelineDefinition("cycle")
	cycle.Tasks[0].DependsOn = []string{"load"}
	cycle.Tasks[1].DependsOn = []string{"extract"}
	_, err = o.SubmitWorkflow(ctx, cycle)
	assert.Error(t, err)
}

func TestTriggerAndAwaitExecution(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.SubmitWorkflow(ctx, pipelineDefinition("pipeline"))
	require.NoError(t, err)

	id, err := o.TriggerExecution(ctx, "pipeline", map[string]interface{}{"source": "s3://input"})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exec, err := o.AwaitExecution(awaitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionSucceeded, exec.Status)

	view, err := o.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Summary[store.TaskSucceeded])
	assert.Equal(t, store.OriginManual, view.Origin)
}

func TestTriggerExecutionOptions(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.SubmitWorkflow(ctx, pipelineDefinition("pipeline"))
	require.NoError(t, err)

	id, err := o.TriggerExecution(ctx, "pipeline",
		map[string]interface{}{"source": "s3://input"},
		WithPriority("urgent"),
		WithOrigin(store.OriginWebhook),
		WithMeta(map[string]string{"hook": "github"}),
	)
	require.NoError(t, err)

	view, err := o.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PriorityUrgent, view.Priority)
	assert.Equal(t, store.OriginWebhook, view.Origin)
	assert.Equal(t, "github", view.Meta["hook"])
}

func TestTriggerExecutionUnknownWorkflow(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.TriggerExecution(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteWorkflowLifecycle(t *testing.T) {
	blocker := &blockingAgent{release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, agent.Descriptor{
		Type:       "slow",
		Name:       "slow",
		Actions:    []agent.Action{{Name: "run"}},
		Idempotent: true,
		Agent:      blocker,
	})
	ctx := context.Background()

	def := &workflow.Workflow{
		ID:   "pipeline",
		Name: "pipeline",
		Tasks: []workflow.TaskSpec{
			{Name: "hold", AgentType: "slow", Action: "run"},
		},
	}
	_, err := o.SubmitWorkflow(ctx, def)
	require.NoError(t, err)
	require.NoError(t, o.ScheduleUpsert(ctx, "pipeline", "*/5 * * * *", "UTC", false))

	id, err := o.TriggerExecution(ctx, "pipeline", nil)
	require.NoError(t, err)

	// Wait for the run to be live, then deletion must be refused.
	waitFor(t, func() bool {
		view, err := o.GetExecution(ctx, id)
		return err == nil && view.Status == store.ExecutionRunning
	})
	assert.ErrorIs(t, o.DeleteWorkflow(ctx, "pipeline"), store.ErrWorkflowInUse)

	close(blocker.release)
	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = o.AwaitExecution(awaitCtx, id)
	require.NoError(t, err)

	require.NoError(t, o.DeleteWorkflow(ctx, "pipeline"))
	_, err = o.GetWorkflow(ctx, "pipeline", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = o.GetSchedule(ctx, "pipeline")
	assert.ErrorIs(t, err, store.ErrNotFound, "schedule must not survive its workflow")

	assert.ErrorIs(t, o.DeleteWorkflow(ctx, "pipeline"), store.ErrNotFound)
}

func TestScheduleUpsert(t *testing.T) {
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	err := o.ScheduleUpsert(ctx, "ghost", "*/5 * * * *", "", true)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = o.SubmitWorkflow(ctx, pipelineDefinition("pipeline"))
	require.NoError(t, err)

	assert.Error(t, o.ScheduleUpsert(ctx, "pipeline", "not-a-cron", "", true))
	assert.Error(t, o.ScheduleUpsert(ctx, "pipeline", "*/5 * * * *", "Mars/Phobos", true))

	require.NoError(t, o.ScheduleUpsert(ctx, "pipeline", "*/5 * * * *", "UTC", true))
	entry, err := o.GetSchedule(ctx, "pipeline")
	require.NoError(t, err)
	assert.True(t, entry.Enabled)

	// Counters and arming survive a same-expression update.
	armed := entry.Clone()
	armed.NextFireAt = time.Date(2025, 6, 2, 12, 5, 0, 0, time.UTC)
	armed.SkippedSlots = 4
	armed.DroppedFires = 2
	require.NoError(t, st.UpsertScheduleEntry(ctx, armed))

	require.NoError(t, o.ScheduleUpsert(ctx, "pipeline", "*/5 * * * *", "UTC", false))
	entry, err = o.GetSchedule(ctx, "pipeline")
	require.NoError(t, err)
	assert.False(t, entry.Enabled)
	assert.Equal(t, int64(4), entry.SkippedSlots)
	assert.Equal(t, int64(2), entry.DroppedFires)
	assert.Equal(t, armed.NextFireAt, entry.NextFireAt)

	// Changing the expression re-arms from scratch.
	require.NoError(t, o.ScheduleUpsert(ctx, "pipeline", "0 * * * *", "UTC", true))
	entry, err = o.GetSchedule(ctx, "pipeline")
	require.NoError(t, err)
	assert.True(t, entry.NextFireAt.IsZero())
	assert.Equal(t, int64(4), entry.SkippedSlots, "counters are cumulative across re-arms")

	require.NoError(t, o.DeleteSchedule(ctx, "pipeline"))
	_, err = o.GetSchedule(ctx, "pipeline")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduledWorkflowFires(t *testing.T) {
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.SubmitWorkflow(ctx, pipelineDefinition("pipeline"))
	require.NoError(t, err)

	// Arm a due slot directly; the next scheduler tick fires it.
	require.NoError(t, st.UpsertScheduleEntry(ctx, &store.ScheduleEntry{
		WorkflowID: "pipeline",
		CronExpr:   "* * * * *",
		Timezone:   "UTC",
		Enabled:    true,
		NextFireAt: time.Now().Add(-time.Second),
	}))

	waitFor(t, func() bool {
		execs, err := o.ListExecutions(ctx, "pipeline")
		return err == nil && len(execs) == 1
	})
	execs, err := o.ListExecutions(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, store.OriginCron, execs[0].Origin)
	assert.NotEmpty(t, execs[0].Meta["scheduledFor"])
}

func TestStats(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	waitFor(t, func() bool { return o.Stats().SchedulerLeading })

	stats := o.Stats()
	assert.Zero(t, stats.RunningExecutions)
	assert.Len(t, stats.Agents, 1)
	assert.Equal(t, "echo", stats.Agents[0].Type)
	assert.Contains(t, stats.QueueDepths, store.PriorityMedium)
	assert.Empty(t, stats.Breakers)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
