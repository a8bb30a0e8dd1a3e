package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"weaver/internal/workflow"
)

// MemoryStore keeps all records in process memory. It backs tests, the
// one-shot CLI runner and single-node deployments that do not need
// durability.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]map[int]*workflow.Workflow
	executions map[string]*Execution
	schedules  map[string]*ScheduleEntry
	fires      map[string]map[string]time.Time
	lease      *SchedulerLease

	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]map[int]*workflow.Workflow),
		executions: make(map[string]*Execution),
		schedules:  make(map[string]*ScheduleEntry),
		fires:      make(map[string]map[string]time.Time),
		now:        time.Now,
	}
}

// EnsureSchema is a no-op for the in-memory backend.
func (m *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.workflows[w.ID]
	if !ok {
		versions = make(map[int]*workflow.Workflow)
		m.workflows[w.ID] = versions
	}
	if _, dup := versions[w.Version]; dup {
		return ErrExists
	}
	// Workflow versions are immutable after submission, so the pointer
	// itself is safe to share.
	versions[w.Version] = w
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, ok := m.workflows[id]
	if !ok || len(versions) == 0 {
		return nil, ErrNotFound
	}
	if version <= 0 {
		version = latestVersion(versions)
	}
	w, ok := versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(m.workflows))
	for _, versions := range m.workflows {
		if len(versions) == 0 {
			continue
		}
		out = append(out, versions[latestVersion(versions)])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	for _, e := range m.executions {
		if e.WorkflowID == id && !e.Status.IsTerminal() {
			return ErrWorkflowInUse
		}
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.executions[e.ID]; dup {
		return ErrExists
	}
	c := e.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	c.UpdatedAt = m.now()
	if c.TaskStates == nil {
		c.TaskStates = make(map[string]*TaskState)
	}
	m.executions[e.ID] = c
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, updates ...ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status.IsTerminal() && status != e.Status {
		return ErrTerminalExecution
	}
	e.Status = status
	for _, apply := range updates {
		apply(e)
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, workflowID string, statuses ...ExecutionStatus) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.executions {
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		if !matchesStatus(e.Status, statuses) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpsertTaskState(ctx context.Context, executionID string, state *TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if existing, ok := e.TaskStates[state.Name]; ok && existing.Status.IsTerminal() {
		return ErrTerminalTaskState
	}
	c := state.Clone()
	c.UpdatedAt = m.now()
	e.TaskStates[state.Name] = c
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkTaskRecovered(ctx context.Context, executionID, taskName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	ts, ok := e.TaskStates[taskName]
	if !ok {
		return ErrNotFound
	}
	ts.Recovered = true
	ts.UpdatedAt = m.now()
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	var names []string
	for name, ts := range e.TaskStates {
		if ts.Status == TaskPending || ts.Status == TaskReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) UpsertScheduleEntry(ctx context.Context, entry *ScheduleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := entry.Clone()
	c.UpdatedAt = m.now()
	m.schedules[entry.WorkflowID] = c
	return nil
}

func (m *MemoryStore) GetScheduleEntry(ctx context.Context, workflowID string) (*ScheduleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.schedules[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (m *MemoryStore) ListScheduleEntries(ctx context.Context, enabledOnly bool) ([]*ScheduleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ScheduleEntry, 0, len(m.schedules))
	for _, entry := range m.schedules {
		if enabledOnly && !entry.Enabled {
			continue
		}
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (m *MemoryStore) DeleteScheduleEntry(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[workflowID]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, workflowID)
	return nil
}

func (m *MemoryStore) AcquireSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.lease != nil && m.lease.OwnerID != ownerID && now.Before(m.lease.ExpiresAt) {
		return false, nil
	}
	m.lease = &SchedulerLease{OwnerID: ownerID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) RenewSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.lease == nil || m.lease.OwnerID != ownerID || now.After(m.lease.ExpiresAt) {
		return false, nil
	}
	m.lease.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) ReleaseSchedulerLease(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease != nil && m.lease.OwnerID == ownerID {
		m.lease = nil
	}
	return nil
}

func (m *MemoryStore) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots, ok := m.fires[workflowID]
	if !ok {
		slots = make(map[string]time.Time)
		m.fires[workflowID] = slots
	}
	if _, fired := slots[dedupKey]; fired {
		return false, nil
	}
	slots[dedupKey] = m.now()
	return true, nil
}

func latestVersion(versions map[int]*workflow.Workflow) int {
	latest := 0
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}

func matchesStatus(status ExecutionStatus, filter []ExecutionStatus) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range filter {
		if s == status {
			return true
		}
	}
	return false
}
