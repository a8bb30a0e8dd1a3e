// Package store defines the durable execution log: workflow templates,
// executions and their task states, schedule entries, fire dedup records
// and the scheduler lease. Every backend guarantees atomic single-entity
// writes and serializable updates within one execution; updates to
// distinct executions may proceed independently.
package store

import (
	"context"
	stderrors "errors"
	"time"

	"weaver/internal/errors"
	"weaver/internal/workflow"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound - the requested record does not exist.
	ErrNotFound = stderrors.New("not found")
	// ErrExists - create refused because the record already exists.
	ErrExists = stderrors.New("already exists")
	// ErrTerminalTaskState - write refused because the stored task state
	// is terminal and terminal records are write-once.
	ErrTerminalTaskState = stderrors.New("task state is terminal")
	// ErrTerminalExecution - status change refused because the execution
	// already reached a terminal status.
	ErrTerminalExecution = stderrors.New("execution is terminal")
	// ErrWorkflowInUse - delete refused while an active execution still
	// references the workflow.
	ErrWorkflowInUse = stderrors.New("workflow has active executions")
)

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of one task within an execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// Origin records what caused an execution to start.
type Origin string

const (
	OriginManual   Origin = "manual"
	OriginCron     Origin = "cron"
	OriginWebhook  Origin = "webhook"
	OriginRecovery Origin = "recovery"
)

// Priority selects the submission queue band for an execution.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a user-supplied priority name onto a band,
// defaulting to medium.
func ParsePriority(name string) Priority {
	switch Priority(name) {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(name)
	default:
		return PriorityMedium
	}
}

// TaskError is the persisted failure record of a task attempt.
type TaskError struct {
	Kind      errors.Kind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// TaskErrorFrom converts any error into its persisted form.
func TaskErrorFrom(err error) *TaskError {
	structured := errors.Classify(err)
	if structured == nil {
		return nil
	}
	return &TaskError{
		Kind:      structured.Kind,
		Message:   structured.Message,
		Retryable: structured.Retryable,
	}
}

// TaskState is the persisted record of one task within an execution.
// Terminal records are write-once: status, endedAt, output and error
// never change after the task reaches a terminal status. The Recovered
// bit is the one exception; it is flipped through MarkTaskRecovered
// when a fallback succeeds after the task already failed.
type TaskState struct {
	Name      string      `json:"name"`
	Status    TaskStatus  `json:"status"`
	Attempt   int         `json:"attempt"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	EndedAt   *time.Time  `json:"endedAt,omitempty"`
	Output    interface{} `json:"output,omitempty"`
	Error     *TaskError  `json:"error,omitempty"`
	Reason    string      `json:"reason,omitempty"` // set for skipped tasks
	ElapsedMs int64       `json:"elapsedMs,omitempty"`
	Recovered bool        `json:"recovered,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Clone returns a copy safe to hand across goroutines. Output values
// are write-once and treated as immutable, so a shallow reference copy
// is sufficient.
func (ts *TaskState) Clone() *TaskState {
	if ts == nil {
		return nil
	}
	c := *ts
	if ts.StartedAt != nil {
		t := *ts.StartedAt
		c.StartedAt = &t
	}
	if ts.EndedAt != nil {
		t := *ts.EndedAt
		c.EndedAt = &t
	}
	if ts.Error != nil {
		e := *ts.Error
		c.Error = &e
	}
	return &c
}

// FailureDigest names the first failing task of an execution.
type FailureDigest struct {
	TaskName string      `json:"taskName"`
	Kind     errors.Kind `json:"kind"`
	Message  string      `json:"message"`
}

// Execution is one run of a workflow version. It owns its task states
// exclusively; only the runtime that executes it may mutate them.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflowId"`
	WorkflowVersion int                    `json:"workflowVersion"`
	Status          ExecutionStatus        `json:"status"`
	Origin          Origin                 `json:"origin"`
	Priority        Priority               `json:"priority"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Meta            map[string]string      `json:"meta,omitempty"` // trigger metadata, e.g. coalesced slot count
	TaskStates      map[string]*TaskState  `json:"taskStates,omitempty"`
	FailureDigest   *FailureDigest         `json:"failureDigest,omitempty"`
	CancelReason    string                 `json:"cancelReason,omitempty"` // user | timeout
	CreatedAt       time.Time              `json:"createdAt"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	EndedAt         *time.Time             `json:"endedAt,omitempty"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// Clone returns a deep copy of the execution record.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	if e.FailureDigest != nil {
		d := *e.FailureDigest
		c.FailureDigest = &d
	}
	if e.Input != nil {
		c.Input = make(map[string]interface{}, len(e.Input))
		for k, v := range e.Input {
			c.Input[k] = v
		}
	}
	if e.Meta != nil {
		c.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			c.Meta[k] = v
		}
	}
	if e.TaskStates != nil {
		c.TaskStates = make(map[string]*TaskState, len(e.TaskStates))
		for name, ts := range e.TaskStates {
			c.TaskStates[name] = ts.Clone()
		}
	}
	return &c
}

// StatusSummary counts task states by status, for progress reporting.
func (e *Execution) StatusSummary() map[TaskStatus]int {
	summary := make(map[TaskStatus]int, len(e.TaskStates))
	for _, ts := range e.TaskStates {
		summary[ts.Status]++
	}
	return summary
}

// ExecutionUpdate customizes an UpdateExecutionStatus call.
type ExecutionUpdate func(*Execution)

// WithStartedAt records when the runtime picked the execution up.
func WithStartedAt(t time.Time) ExecutionUpdate {
	return func(e *Execution) { e.StartedAt = &t }
}

// WithEndedAt records when the execution reached a terminal status.
func WithEndedAt(t time.Time) ExecutionUpdate {
	return func(e *Execution) { e.EndedAt = &t }
}

// WithFailureDigest attaches the first-failure summary.
func WithFailureDigest(d *FailureDigest) ExecutionUpdate {
	return func(e *Execution) { e.FailureDigest = d }
}

// WithCancelReason distinguishes user-cancelled from timeout-cancelled.
func WithCancelReason(reason string) ExecutionUpdate {
	return func(e *Execution) { e.CancelReason = reason }
}

// ScheduleEntry is the persisted cron binding of one workflow.
type ScheduleEntry struct {
	WorkflowID   string    `json:"workflowId"`
	CronExpr     string    `json:"cronExpr"`
	Timezone     string    `json:"timezone"`
	Enabled      bool      `json:"enabled"`
	NextFireAt   time.Time `json:"nextFireAt,omitempty"`
	LastDedupKey string    `json:"lastDedupKey,omitempty"`
	SkippedSlots int64     `json:"skippedSlots,omitempty"` // coalesced missed instants, cumulative
	DroppedFires int64     `json:"droppedFires,omitempty"` // fires rejected by a full queue, cumulative
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Clone returns a copy of the schedule entry.
func (s *ScheduleEntry) Clone() *ScheduleEntry {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SchedulerLease is the single row that elects the active scheduler.
type SchedulerLease struct {
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store is the persistence port consumed by the runtime, the scheduler
// and the control facade. Implementations: memory, filestore,
// postgresstore, redisstore.
type Store interface {
	// EnsureSchema creates or migrates backend structures. Safe to call
	// repeatedly.
	EnsureSchema(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// --- Workflow templates ---

	// PutWorkflow persists one immutable workflow version. Writing a
	// (id, version) pair that already exists returns ErrExists.
	PutWorkflow(ctx context.Context, w *workflow.Workflow) error

	// GetWorkflow returns one version, or the latest when version <= 0.
	GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error)

	// ListWorkflows returns the latest version of every workflow,
	// ordered by id.
	ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error)

	// DeleteWorkflow removes every version of a workflow. Refused with
	// ErrWorkflowInUse while a non-terminal execution references it.
	DeleteWorkflow(ctx context.Context, id string) error

	// --- Executions ---

	// CreateExecution persists a new execution record.
	CreateExecution(ctx context.Context, e *Execution) error

	// GetExecution returns the execution with its task states.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecutionStatus transitions the execution and applies the
	// given updates atomically.
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, updates ...ExecutionUpdate) error

	// ListExecutions returns executions filtered by workflow id (empty
	// matches all) and status set (empty matches all), newest first.
	ListExecutions(ctx context.Context, workflowID string, statuses ...ExecutionStatus) ([]*Execution, error)

	// UpsertTaskState writes one task state. Once the stored state is
	// terminal the write is refused with ErrTerminalTaskState.
	UpsertTaskState(ctx context.Context, executionID string, state *TaskState) error

	// MarkTaskRecovered flips the recovered bit on a failed task after
	// one of its fallbacks succeeded. This is the only mutation allowed
	// on a terminal task state.
	MarkTaskRecovered(ctx context.Context, executionID, taskName string) error

	// ListReadyTaskCandidates returns the names of tasks not yet
	// started (pending or ready), sorted. The runtime intersects this
	// with plan-level dependency checks.
	ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error)

	// --- Scheduling ---

	// UpsertScheduleEntry creates or replaces the entry for a workflow.
	UpsertScheduleEntry(ctx context.Context, entry *ScheduleEntry) error

	// GetScheduleEntry returns the entry for a workflow.
	GetScheduleEntry(ctx context.Context, workflowID string) (*ScheduleEntry, error)

	// ListScheduleEntries returns entries ordered by workflow id,
	// optionally restricted to enabled ones.
	ListScheduleEntries(ctx context.Context, enabledOnly bool) ([]*ScheduleEntry, error)

	// DeleteScheduleEntry removes the entry for a workflow.
	DeleteScheduleEntry(ctx context.Context, workflowID string) error

	// AcquireSchedulerLease grants the lease to ownerID when no live
	// lease exists. Re-acquiring an expired lease is allowed.
	AcquireSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error)

	// RenewSchedulerLease extends the lease when ownerID still holds it.
	RenewSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseSchedulerLease drops the lease when ownerID holds it.
	ReleaseSchedulerLease(ctx context.Context, ownerID string) error

	// TryRecordFire records a (workflowId, dedupKey) fire slot exactly
	// once. Returns false when the slot was already recorded, so the
	// same cron instant never starts two executions.
	TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error)
}
