package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"weaver/internal/errors"
	"weaver/internal/workflow"
)

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

func TestMemoryStoreWorkflowVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.PutWorkflow(ctx, testWorkflow("wf", 1)); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := s.PutWorkflow(ctx, testWorkflow("wf", 2)); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := s.PutWorkflow(ctx, testWorkflow("wf", 2)); !stderrors.Is(err, ErrExists) {
		t.Fatalf("duplicate version: got %v, want ErrExists", err)
	}

	latest, err := s.GetWorkflow(ctx, "wf", 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}
	pinned, err := s.GetWorkflow(ctx, "wf", 1)
	if err != nil {
		t.Fatalf("get pinned: %v", err)
	}
	if pinned.Version != 1 {
		t.Errorf("pinned version = %d, want 1", pinned.Version)
	}
	if _, err := s.GetWorkflow(ctx, "missing", 0); !stderrors.Is(err, ErrNotFound) {
		t.Errorf("missing workflow: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDeleteWorkflowInUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.PutWorkflow(ctx, testWorkflow("wf", 1)); err != nil {
		t.Fatal(err)
	}
	exec := &Execution{ID: "e1", WorkflowID: "wf", WorkflowVersion: 1, Status: ExecutionRunning}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteWorkflow(ctx, "wf"); !stderrors.Is(err, ErrWorkflowInUse) {
		t.Fatalf("delete with running execution: got %v, want ErrWorkflowInUse", err)
	}
	if err := s.UpdateExecutionStatus(ctx, "e1", ExecutionSucceeded); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteWorkflow(ctx, "wf"); err != nil {
		t.Fatalf("delete after terminal: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, "wf", 0); !stderrors.Is(err, ErrNotFound) {
		t.Errorf("deleted workflow still readable: %v", err)
	}
}

func TestMemoryStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	exec := &Execution{
		ID:         "e1",
		WorkflowID: "wf",
		Status:     ExecutionPending,
		Origin:     OriginManual,
		Priority:   PriorityMedium,
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateExecution(ctx, exec); !stderrors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: got %v, want ErrExists", err)
	}

	started := time.Now()
	if err := s.UpdateExecutionStatus(ctx, "e1", ExecutionRunning, WithStartedAt(started)); err != nil {
		t.Fatalf("update running: %v", err)
	}
	got, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ExecutionRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("startedAt = %v, want %v", got.StartedAt, started)
	}

	digest := &FailureDigest{TaskName: "fetch", Kind: errors.KindTimeout, Message: "deadline exceeded"}
	if err := s.UpdateExecutionStatus(ctx, "e1", ExecutionFailed, WithEndedAt(time.Now()), WithFailureDigest(digest)); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := s.UpdateExecutionStatus(ctx, "e1", ExecutionRunning); !stderrors.Is(err, ErrTerminalExecution) {
		t.Fatalf("reopen terminal execution: got %v, want ErrTerminalExecution", err)
	}

	got, _ = s.GetExecution(ctx, "e1")
	if got.FailureDigest == nil || got.FailureDigest.TaskName != "fetch" {
		t.Errorf("failure digest not persisted: %+v", got.FailureDigest)
	}
}

func TestMemoryStoreTaskStateWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateExecution(ctx, &Execution{ID: "e1", WorkflowID: "wf", Status: ExecutionRunning}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertTaskState(ctx, "e1", &TaskState{Name: "fetch", Status: TaskRunning}); err != nil {
		t.Fatalf("upsert running: %v", err)
	}
	if err := s.UpsertTaskState(ctx, "e1", &TaskState{Name: "fetch", Status: TaskSucceeded, Output: map[string]interface{}{"n": 1}}); err != nil {
		t.Fatalf("upsert terminal: %v", err)
	}
	err := s.UpsertTaskState(ctx, "e1", &TaskState{Name: "fetch", Status: TaskFailed})
	if !stderrors.Is(err, ErrTerminalTaskState) {
		t.Fatalf("overwrite terminal: got %v, want ErrTerminalTaskState", err)
	}

	// The recovered bit is the one allowed post-terminal mutation.
	if err := s.MarkTaskRecovered(ctx, "e1", "fetch"); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}
	got, _ := s.GetExecution(ctx, "e1")
	ts := got.TaskStates["fetch"]
	if ts == nil || !ts.Recovered || ts.Status != TaskSucceeded {
		t.Errorf("recovered state = %+v", ts)
	}
}

func TestMemoryStoreReadyCandidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateExecution(ctx, &Execution{ID: "e1", WorkflowID: "wf", Status: ExecutionRunning}); err != nil {
		t.Fatal(err)
	}
	states := []*TaskState{
		{Name: "a", Status: TaskSucceeded},
		{Name: "b", Status: TaskPending},
		{Name: "c", Status: TaskReady},
		{Name: "d", Status: TaskRunning},
	}
	for _, ts := range states {
		if err := s.UpsertTaskState(ctx, "e1", ts); err != nil {
			t.Fatal(err)
		}
	}
	names, err := s.ListReadyTaskCandidates(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "b" || names[1] != "c" {
		t.Errorf("candidates = %v, want [b c]", names)
	}
}

func TestMemoryStoreSchedulerLease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.AcquireSchedulerLease(ctx, "node-a", 15*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = s.AcquireSchedulerLease(ctx, "node-b", 15*time.Second)
	if ok {
		t.Fatal("node-b acquired a live lease held by node-a")
	}

	// Renewal by the holder extends, renewal by others fails.
	now = now.Add(10 * time.Second)
	ok, _ = s.RenewSchedulerLease(ctx, "node-a", 15*time.Second)
	if !ok {
		t.Fatal("holder failed to renew a live lease")
	}
	ok, _ = s.RenewSchedulerLease(ctx, "node-b", 15*time.Second)
	if ok {
		t.Fatal("non-holder renewed the lease")
	}

	// After expiry anyone may take over.
	now = now.Add(20 * time.Second)
	ok, _ = s.AcquireSchedulerLease(ctx, "node-b", 15*time.Second)
	if !ok {
		t.Fatal("node-b failed to acquire an expired lease")
	}

	if err := s.ReleaseSchedulerLease(ctx, "node-b"); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.AcquireSchedulerLease(ctx, "node-a", 15*time.Second)
	if !ok {
		t.Fatal("released lease not acquirable")
	}
}

func TestMemoryStoreTryRecordFire(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.TryRecordFire(ctx, "wf", "2025-06-01T12:00:00Z")
	if err != nil || !first {
		t.Fatalf("first fire: ok=%v err=%v", first, err)
	}
	second, _ := s.TryRecordFire(ctx, "wf", "2025-06-01T12:00:00Z")
	if second {
		t.Fatal("duplicate dedup key recorded twice")
	}
	other, _ := s.TryRecordFire(ctx, "wf", "2025-06-01T12:05:00Z")
	if !other {
		t.Fatal("distinct slot rejected")
	}
	otherWf, _ := s.TryRecordFire(ctx, "wf2", "2025-06-01T12:00:00Z")
	if !otherWf {
		t.Fatal("same slot on another workflow rejected")
	}
}

func TestMemoryStoreScheduleEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	entries := []*ScheduleEntry{
		{WorkflowID: "b", CronExpr: "*/5 * * * *", Timezone: "UTC", Enabled: true},
		{WorkflowID: "a", CronExpr: "0 * * * *", Timezone: "UTC", Enabled: false},
	}
	for _, e := range entries {
		if err := s.UpsertScheduleEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListScheduleEntries(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].WorkflowID != "a" {
		t.Errorf("list all = %v", all)
	}
	enabled, _ := s.ListScheduleEntries(ctx, true)
	if len(enabled) != 1 || enabled[0].WorkflowID != "b" {
		t.Errorf("enabled only = %v", enabled)
	}

	if err := s.DeleteScheduleEntry(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetScheduleEntry(ctx, "a"); !stderrors.Is(err, ErrNotFound) {
		t.Errorf("deleted entry still readable: %v", err)
	}
}
