package observability

import (
	"context"
	"time"

	"weaver/internal/store"
	"weaver/internal/workflow"
)

// InstrumentStore wraps a store so every call lands in the collector's
// operation counter and latency histogram. A disabled collector returns
// the store unwrapped.
func InstrumentStore(inner store.Store, backend string, collector *MetricsCollector) store.Store {
	if collector == nil || collector.storeOps == nil {
		return inner
	}
	return &instrumentedStore{inner: inner, backend: backend, collector: collector}
}

type instrumentedStore struct {
	inner     store.Store
	backend   string
	collector *MetricsCollector
}

func (s *instrumentedStore) record(ctx context.Context, op string, start time.Time, err error) {
	s.collector.RecordStoreOp(ctx, s.backend, op, start, err)
}

func (s *instrumentedStore) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	err := s.inner.EnsureSchema(ctx)
	s.record(ctx, "EnsureSchema", start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	start := time.Now()
	err := s.inner.Close()
	s.record(context.Background(), "Close", start, err)
	return err
}

func (s *instrumentedStore) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	start := time.Now()
	err := s.inner.PutWorkflow(ctx, w)
	s.record(ctx, "PutWorkflow", start, err)
	return err
}

func (s *instrumentedStore) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	start := time.Now()
	wf, err := s.inner.GetWorkflow(ctx, id, version)
	s.record(ctx, "GetWorkflow", start, err)
	return wf, err
}

func (s *instrumentedStore) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	start := time.Now()
	wfs, err := s.inner.ListWorkflows(ctx)
	s.record(ctx, "ListWorkflows", start, err)
	return wfs, err
}

func (s *instrumentedStore) DeleteWorkflow(ctx context.Context, id string) error {
	start := time.Now()
	err := s.inner.DeleteWorkflow(ctx, id)
	s.record(ctx, "DeleteWorkflow", start, err)
	return err
}

func (s *instrumentedStore) CreateExecution(ctx context.Context, e *store.Execution) error {
	start := time.Now()
	err := s.inner.CreateExecution(ctx, e)
	s.record(ctx, "CreateExecution", start, err)
	return err
}

func (s *instrumentedStore) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	start := time.Now()
	exec, err := s.inner.GetExecution(ctx, id)
	s.record(ctx, "GetExecution", start, err)
	return exec, err
}

func (s *instrumentedStore) UpdateExecutionStatus(ctx context.Context, id string, status store.ExecutionStatus, updates ...store.ExecutionUpdate) error {
	start := time.Now()
	err := s.inner.UpdateExecutionStatus(ctx, id, status, updates...)
	s.record(ctx, "UpdateExecutionStatus", start, err)
	return err
}

func (s *instrumentedStore) ListExecutions(ctx context.Context, workflowID string, statuses ...store.ExecutionStatus) ([]*store.Execution, error) {
	start := time.Now()
	execs, err := s.inner.ListExecutions(ctx, workflowID, statuses...)
	s.record(ctx, "ListExecutions", start, err)
	return execs, err
}

func (s *instrumentedStore) UpsertTaskState(ctx context.Context, executionID string, state *store.TaskState) error {
	start := time.Now()
	err := s.inner.UpsertTaskState(ctx, executionID, state)
	s.record(ctx, "UpsertTaskState", start, err)
	return err
}

func (s *instrumentedStore) MarkTaskRecovered(ctx context.Context, executionID, taskName string) error {
	start := time.Now()
	err := s.inner.MarkTaskRecovered(ctx, executionID, taskName)
	s.record(ctx, "MarkTaskRecovered", start, err)
	return err
}

func (s *instrumentedStore) ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error) {
	start := time.Now()
	names, err := s.inner.ListReadyTaskCandidates(ctx, executionID)
	s.record(ctx, "ListReadyTaskCandidates", start, err)
	return names, err
}

func (s *instrumentedStore) UpsertScheduleEntry(ctx context.Context, entry *store.ScheduleEntry) error {
	start := time.Now()
	err := s.inner.UpsertScheduleEntry(ctx, entry)
	s.record(ctx, "UpsertScheduleEntry", start, err)
	return err
}

func (s *instrumentedStore) GetScheduleEntry(ctx context.Context, workflowID string) (*store.ScheduleEntry, error) {
	start := time.Now()
	entry, err := s.inner.GetScheduleEntry(ctx, workflowID)
	s.record(ctx, "GetScheduleEntry", start, err)
	return entry, err
}

func (s *instrumentedStore) ListScheduleEntries(ctx context.Context, enabledOnly bool) ([]*store.ScheduleEntry, error) {
	start := time.Now()
	entries, err := s.inner.ListScheduleEntries(ctx, enabledOnly)
	s.record(ctx, "ListScheduleEntries", start, err)
	return entries, err
}

func (s *instrumentedStore) DeleteScheduleEntry(ctx context.Context, workflowID string) error {
	start := time.Now()
	err := s.inner.DeleteScheduleEntry(ctx, workflowID)
	s.record(ctx, "DeleteScheduleEntry", start, err)
	return err
}

func (s *instrumentedStore) AcquireSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.inner.AcquireSchedulerLease(ctx, ownerID, ttl)
	s.record(ctx, "AcquireSchedulerLease", start, err)
	return ok, err
}

func (s *instrumentedStore) RenewSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.inner.RenewSchedulerLease(ctx, ownerID, ttl)
	s.record(ctx, "RenewSchedulerLease", start, err)
	return ok, err
}

func (s *instrumentedStore) ReleaseSchedulerLease(ctx context.Context, ownerID string) error {
	start := time.Now()
	err := s.inner.ReleaseSchedulerLease(ctx, ownerID)
	s.record(ctx, "ReleaseSchedulerLease", start, err)
	return err
}

func (s *instrumentedStore) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	start := time.Now()
	ok, err := s.inner.TryRecordFire(ctx, workflowID, dedupKey)
	s.record(ctx, "TryRecordFire", start, err)
	return ok, err
}
