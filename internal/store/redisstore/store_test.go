package redisstore

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"weaver/internal/errors"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := New(client)
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func testWorkflow(id string, version int) *workflow.Workflow {
	return &workflow.Workflow{
		ID:      id,
		Name:    id,
		Version: version,
		Tasks: []workflow.TaskSpec{
			{Name: "fetch", AgentType: "http", Action: "request"},
		},
	}
}

func TestRedisStoreWorkflowVersions(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	if err := st.PutWorkflow(ctx, testWorkflow("wf", 1)); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := st.PutWorkflow(ctx, testWorkflow("wf", 2)); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := st.PutWorkflow(ctx, testWorkflow("wf", 2)); !stderrors.Is(err, store.ErrExists) {
		t.Fatalf("duplicate version: got %v, want ErrExists", err)
	}

	latest, err := st.GetWorkflow(ctx, "wf", 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 2 || latest.Tasks[0].Name != "fetch" {
		t.Errorf("latest = v%d tasks=%v", latest.Version, latest.Tasks)
	}
	pinned, err := st.GetWorkflow(ctx, "wf", 1)
	if err != nil {
		t.Fatalf("get pinned: %v", err)
	}
	if pinned.Version != 1 {
		t.Errorf("pinned version = %d, want 1", pinned.Version)
	}
	if _, err := st.GetWorkflow(ctx, "missing", 0); !stderrors.Is(err, store.ErrNotFound) {
		t.Errorf("missing workflow: got %v, want ErrNotFound", err)
	}

	if err := st.PutWorkflow(ctx, testWorkflow("other", 1)); err != nil {
		t.Fatal(err)
	}
	all, err := st.ListWorkflows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "other" || all[1].Version != 2 {
		t.Errorf("list = %v", all)
	}
}

func TestRedisStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	exec := &store.Execution{
		ID:         "e1",
		WorkflowID: "wf",
		Status:     store.ExecutionPending,
		Origin:     store.OriginManual,
		Priority:   store.PriorityMedium,
		Input:      map[string]interface{}{"source": "s3://bucket"},
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateExecution(ctx, exec); !stderrors.Is(err, store.ErrExists) {
		t.Fatalf("duplicate create: got %v, want ErrExists", err)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.UpdateExecutionStatus(ctx, "e1", store.ExecutionRunning, store.WithStartedAt(started)); err != nil {
		t.Fatalf("update running: %v", err)
	}
	got, err := st.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ExecutionRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("startedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Input["source"] != "s3://bucket" {
		t.Errorf("input = %v", got.Input)
	}

	digest := &store.FailureDigest{TaskName: "fetch", Kind: errors.KindTimeout, Message: "deadline exceeded"}
	if err := st.UpdateExecutionStatus(ctx, "e1", store.ExecutionFailed, store.WithEndedAt(time.Now()), store.WithFailureDigest(digest)); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := st.UpdateExecutionStatus(ctx, "e1", store.ExecutionRunning); !stderrors.Is(err, store.ErrTerminalExecution) {
		t.Fatalf("reopen terminal execution: got %v, want ErrTerminalExecution", err)
	}

	got, _ = st.GetExecution(ctx, "e1")
	if got.FailureDigest == nil || got.FailureDigest.TaskName != "fetch" {
		t.Errorf("failure digest not persisted: %+v", got.FailureDigest)
	}
	if _, err := st.GetExecution(ctx, "missing"); !stderrors.Is(err, store.ErrNotFound) {
		t.Errorf("missing execution: got %v, want ErrNotFound", err)
	}
}

func TestRedisStoreTaskStateWriteOnce(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	if err := st.CreateExecution(ctx, &store.Execution{ID: "e1", WorkflowID: "wf", Status: store.ExecutionRunning}); err != nil {
		t.Fatal(err)
	}

	if err := st.UpsertTaskState(ctx, "e1", &store.TaskState{Name: "fetch", Status: store.TaskRunning}); err != nil {
		t.Fatalf("upsert running: %v", err)
	}
	if err := st.UpsertTaskState(ctx, "e1", &store.TaskState{Name: "fetch", Status: store.TaskFailed}); err != nil {
		t.Fatalf("upsert terminal: %v", err)
	}
	err := st.UpsertTaskState(ctx, "e1", &store.TaskState{Name: "fetch", Status: store.TaskSucceeded})
	if !stderrors.Is(err, store.ErrTerminalTaskState) {
		t.Fatalf("overwrite terminal: got %v, want ErrTerminalTaskState", err)
	}

	if err := st.MarkTaskRecovered(ctx, "e1", "fetch"); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}
	got, _ := st.GetExecution(ctx, "e1")
	ts := got.TaskStates["fetch"]
	if ts == nil || !ts.Recovered || ts.Status != store.TaskFailed {
		t.Errorf("recovered state = %+v", ts)
	}
	if err := st.MarkTaskRecovered(ctx, "e1", "missing"); !stderrors.Is(err, store.ErrNotFound) {
		t.Errorf("recover missing task: got %v, want ErrNotFound", err)
	}

	if err := st.UpsertTaskState(ctx, "e1", &store.TaskState{Name: "transform", Status: store.TaskPending}); err != nil {
		t.Fatal(err)
	}
	names, err := st.ListReadyTaskCandidates(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "transform" {
		t.Errorf("candidates = %v, want [transform]", names)
	}
}

func TestRedisStoreDeleteWorkflowInUse(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	if err := st.PutWorkflow(ctx, testWorkflow("wf", 1)); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateExecution(ctx, &store.Execution{ID: "e1", WorkflowID: "wf", Status: store.ExecutionRunning}); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteWorkflow(ctx, "wf"); !stderrors.Is(err, store.ErrWorkflowInUse) {
		t.Fatalf("delete with running execution: got %v, want ErrWorkflowInUse", err)
	}
	if err := st.UpdateExecutionStatus(ctx, "e1", store.ExecutionSucceeded); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteWorkflow(ctx, "wf"); err != nil {
		t.Fatalf("delete after terminal: %v", err)
	}
	if _, err := st.GetWorkflow(ctx, "wf", 0); !stderrors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted workflow still readable: %v", err)
	}
	if err := st.DeleteWorkflow(ctx, "wf"); !stderrors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestRedisStoreListExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	executions := []*store.Execution{
		{ID: "e1", WorkflowID: "wf-a", Status: store.ExecutionPending, CreatedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		{ID: "e2", WorkflowID: "wf-a", Status: store.ExecutionSucceeded, CreatedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)},
		{ID: "e3", WorkflowID: "wf-b", Status: store.ExecutionPending, CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, e := range executions {
		if err := st.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := st.ListExecutions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "e3" || all[2].ID != "e1" {
		t.Errorf("all (newest first) = %v", executionIDs(all))
	}
	pending, _ := st.ListExecutions(ctx, "", store.ExecutionPending)
	if len(pending) != 2 {
		t.Errorf("pending = %v", executionIDs(pending))
	}
	wfA, _ := st.ListExecutions(ctx, "wf-a", store.ExecutionPending)
	if len(wfA) != 1 || wfA[0].ID != "e1" {
		t.Errorf("wf-a pending = %v", executionIDs(wfA))
	}
}

func TestRedisStoreScheduleEntries(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	entries := []*store.ScheduleEntry{
		{WorkflowID: "b", CronExpr: "*/5 * * * *", Timezone: "UTC", Enabled: true},
		{WorkflowID: "a", CronExpr: "0 * * * *", Timezone: "UTC", Enabled: false},
	}
	for _, e := range entries {
		if err := st.UpsertScheduleEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := st.ListScheduleEntries(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].WorkflowID != "a" {
		t.Errorf("list all = %v", all)
	}
	enabled, _ := st.ListScheduleEntries(ctx, true)
	if len(enabled) != 1 || enabled[0].WorkflowID != "b" {
		t.Errorf("enabled only = %v", enabled)
	}

	entries[0].DroppedFires = 2
	if err := st.UpsertScheduleEntry(ctx, entries[0]); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetScheduleEntry(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.DroppedFires != 2 {
		t.Errorf("droppedFires = %d, want 2", got.DroppedFires)
	}

	if err := st.DeleteScheduleEntry(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetScheduleEntry(ctx, "a"); !stderrors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted entry still readable: %v", err)
	}
	if err := st.DeleteScheduleEntry(ctx, "a"); !stderrors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestRedisStoreSchedulerLease(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)

	ok, err := st.AcquireSchedulerLease(ctx, "node-a", 15*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = st.AcquireSchedulerLease(ctx, "node-b", 15*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("node-b acquired a live lease held by node-a")
	}

	mr.FastForward(10 * time.Second)
	ok, _ = st.RenewSchedulerLease(ctx, "node-a", 15*time.Second)
	if !ok {
		t.Fatal("holder failed to renew a live lease")
	}
	ok, _ = st.RenewSchedulerLease(ctx, "node-b", 15*time.Second)
	if ok {
		t.Fatal("non-holder renewed the lease")
	}

	// Past the TTL the key expires and anyone may take over.
	mr.FastForward(20 * time.Second)
	ok, _ = st.AcquireSchedulerLease(ctx, "node-b", 15*time.Second)
	if !ok {
		t.Fatal("node-b failed to acquire an expired lease")
	}

	if err := st.ReleaseSchedulerLease(ctx, "node-b"); err != nil {
		t.Fatal(err)
	}
	ok, _ = st.AcquireSchedulerLease(ctx, "node-a", 15*time.Second)
	if !ok {
		t.Fatal("released lease not acquirable")
	}
}

func TestRedisStoreTryRecordFire(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	first, err := st.TryRecordFire(ctx, "wf", "2025-06-01T12:00:00Z")
	if err != nil || !first {
		t.Fatalf("first fire: ok=%v err=%v", first, err)
	}
	second, _ := st.TryRecordFire(ctx, "wf", "2025-06-01T12:00:00Z")
	if second {
		t.Fatal("duplicate dedup key recorded twice")
	}
	other, _ := st.TryRecordFire(ctx, "wf", "2025-06-01T12:05:00Z")
	if !other {
		t.Fatal("distinct slot rejected")
	}
	otherWf, _ := st.TryRecordFire(ctx, "wf2", "2025-06-01T12:00:00Z")
	if !otherWf {
		t.Fatal("same slot on another workflow rejected")
	}
}

func executionIDs(executions []*store.Execution) []string {
	out := make([]string, len(executions))
	for i, e := range executions {
		out[i] = e.ID
	}
	return out
}
