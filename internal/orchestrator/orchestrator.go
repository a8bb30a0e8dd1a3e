// Package orchestrator assembles the engine and exposes its control
// surface: workflow CRUD, triggers, execution inspection and
// cancellation, agent listing, schedule management and operational
// stats. One Orchestrator owns the registry, breaker table, plan
// cache, runtime pool and scheduler; nothing in here is a process
// global.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"weaver/internal/agent"
	"weaver/internal/config"
	"weaver/internal/errors"
	"weaver/internal/logging"
	"weaver/internal/runtime"
	"weaver/internal/scheduler"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

// Deps are the externally supplied collaborators. Everything else the
// orchestrator assembles from the config.
type Deps struct {
	Store    store.Store
	Registry *agent.Registry // nil creates an empty registry
	Logger   logging.Logger
	Metrics  *Metrics // nil disables metrics
}

// Orchestrator is the in-process control plane.
type Orchestrator struct {
	cfg      config.Config
	store    store.Store
	registry *agent.Registry
	breakers *errors.BreakerManager
	plans    *workflow.PlanCache
	runtime  *runtime.Runtime
	sched    *scheduler.Scheduler
	metrics  *Metrics
	log      logging.Logger
	now      func() time.Time
	newID    func() string
}

// New wires an orchestrator. Call Start before submitting work.
func New(cfg config.Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.Normalized()
	if deps.Store == nil {
		return nil, stderrors.New("orchestrator requires a store")
	}
	log := logging.OrNop(deps.Logger)
	registry := deps.Registry
	if registry == nil {
		registry = agent.NewRegistry(log)
	}

	breakers := errors.NewBreakerManager(errors.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		OnStateChange:    deps.Metrics.BreakerHook(),
		Logger:           log,
	})
	plans := workflow.NewPlanCache(cfg.PlanCacheSize, workflow.Defaults{
		TaskTimeout: cfg.DefaultTaskTimeout,
	})

	var runObserver runtime.Observer
	var schedObserver scheduler.Observer
	if deps.Metrics != nil {
		runObserver = deps.Metrics
		schedObserver = deps.Metrics
	}

	rt := runtime.New(runtime.Deps{
		Store:    deps.Store,
		Registry: registry,
		Breakers: breakers,
		Plans:    plans,
		Logger:   log,
		Observer: runObserver,
	}, runtime.Options{
		Workers:         cfg.Workers,
		QueueCapacity:   cfg.QueueCapacity,
		ConcurrencyCap:  cfg.ConcurrencyCap,
		WorkflowTimeout: cfg.WorkflowTimeout,
	})

	sched := scheduler.New(scheduler.Deps{
		Store:    deps.Store,
		Enqueuer: rt,
		Logger:   log,
		Observer: schedObserver,
	}, scheduler.Options{
		OwnerID:  cfg.NodeID,
		Tick:     cfg.SchedulerTick,
		LeaseTTL: cfg.LeaseTTL,
	})

	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		registry: registry,
		breakers: breakers,
		plans:    plans,
		runtime:  rt,
		sched:    sched,
		metrics:  deps.Metrics,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Registry exposes the agent registry for embedders that register
// their own agents before Start.
func (o *Orchestrator) Registry() *agent.Registry {
	return o.registry
}

// Start prepares the store, initializes agents and launches the
// runtime workers and the scheduler loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("preparing store: %w", err)
	}
	o.registry.Start(ctx)
	if err := o.runtime.Start(ctx); err != nil {
		return err
	}
	if err := o.sched.Start(ctx); err != nil {
		return err
	}
	o.log.Info("orchestrator started: node=%s store=%s", o.cfg.NodeID, o.cfg.Store.Backend)
	return nil
}

// Stop shuts the pieces down in dependency order: no new fires, then
// drain the runtime within ctx, then agent cleanup, then the store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.sched.Stop()
	err := o.runtime.Stop(ctx)
	o.registry.Stop(ctx)
	if cerr := o.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	o.log.Info("orchestrator stopped")
	return err
}

// SubmitWorkflow validates a definition, assigns the next version and
// persists it. Versions are server-assigned: resubmitting an id never
// mutates an existing version. The returned workflow carries the
// assigned version.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	if wf == nil {
		return nil, errors.New(errors.KindValidation, "workflow definition is required")
	}
	def := *wf
	if def.ID == "" {
		def.ID = o.newID()
	}
	if err := workflow.ValidateStrict(&def); err != nil {
		return nil, err
	}

	// Losing the version race to a concurrent submitter is retried with
	// a recomputed version rather than surfaced.
	for attempt := 0; ; attempt++ {
		latest, err := o.store.GetWorkflow(ctx, def.ID, 0)
		switch {
		case err == nil:
			def.Version = latest.Version + 1
			def.CreatedAt = latest.CreatedAt
		case stderrors.Is(err, store.ErrNotFound):
			def.Version = 1
			def.CreatedAt = o.now()
		default:
			return nil, err
		}
		def.UpdatedAt = o.now()

		if _, err := o.plans.Plan(&def); err != nil {
			return nil, err
		}
		err = o.store.PutWorkflow(ctx, &def)
		if err == nil {
			break
		}
		o.plans.Invalidate(def.Key())
		if !stderrors.Is(err, store.ErrExists) || attempt >= 2 {
			return nil, fmt.Errorf("storing workflow %s: %w", def.Key(), err)
		}
	}

	o.log.Info("workflow %s submitted: tasks=%d", def.Key(), len(def.Tasks))
	return &def, nil
}

// GetWorkflow returns one version of a workflow; version <= 0 means
// the latest.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	return o.store.GetWorkflow(ctx, id, version)
}

// ListWorkflows returns the latest version of every workflow.
func (o *Orchestrator) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	return o.store.ListWorkflows(ctx)
}

// DeleteWorkflow removes every version of a workflow along with its
// schedule. Deletion is refused while a non-terminal execution still
// references the id.
func (o *Orchestrator) DeleteWorkflow(ctx context.Context, id string) error {
	if err := o.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	if err := o.store.DeleteScheduleEntry(ctx, id); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		o.log.Warn("removing schedule of deleted workflow %s: %v", id, err)
	}
	o.plans.InvalidateWorkflow(id)
	o.log.Info("workflow %s deleted", id)
	return nil
}

// TriggerOption customizes a trigger.
type TriggerOption func(*runtime.SubmitRequest)

// WithPriority places the execution in the named queue band. Unknown
// names fall back to medium.
func WithPriority(priority string) TriggerOption {
	return func(req *runtime.SubmitRequest) { req.Priority = store.ParsePriority(priority) }
}

// WithVersion pins the execution to a workflow version instead of the
// latest.
func WithVersion(version int) TriggerOption {
	return func(req *runtime.SubmitRequest) { req.Version = version }
}

// WithOrigin overrides the manual trigger origin, e.g. for webhooks.
func WithOrigin(origin store.Origin) TriggerOption {
	return func(req *runtime.SubmitRequest) { req.Origin = origin }
}

// WithMeta attaches caller metadata to the execution record.
func WithMeta(meta map[string]string) TriggerOption {
	return func(req *runtime.SubmitRequest) { req.Meta = meta }
}

// TriggerExecution starts an execution of the workflow's latest
// version with the given input. It returns the execution id as soon as
// the run is queued; a full queue rejects with runtime.ErrOverloaded.
func (o *Orchestrator) TriggerExecution(ctx context.Context, workflowID string, input map[string]interface{}, opts ...TriggerOption) (string, error) {
	req := runtime.SubmitRequest{
		WorkflowID: workflowID,
		Input:      input,
		Origin:     store.OriginManual,
		Priority:   store.PriorityMedium,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return o.runtime.Enqueue(ctx, req)
}

// ExecutionView is the control-surface shape of one execution: the
// stored record plus a task progress summary.
type ExecutionView struct {
	*store.Execution
	Summary map[store.TaskStatus]int `json:"summary"`
}

// GetExecution returns an execution with its task states and progress
// summary.
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*ExecutionView, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionView{Execution: exec, Summary: exec.StatusSummary()}, nil
}

// ListExecutions returns executions newest first, optionally filtered
// by workflow and status.
func (o *Orchestrator) ListExecutions(ctx context.Context, workflowID string, statuses ...store.ExecutionStatus) ([]*store.Execution, error) {
	return o.store.ListExecutions(ctx, workflowID, statuses...)
}

// CancelExecution stops an execution. Queued runs terminate
// immediately; running ones are cancelled cooperatively.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID string) error {
	return o.runtime.Cancel(ctx, executionID)
}

// AwaitExecution blocks until the execution reaches a terminal status
// or ctx expires.
func (o *Orchestrator) AwaitExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	return o.runtime.Await(ctx, executionID)
}

// ListAgents returns the registered agents with their runtime state.
func (o *Orchestrator) ListAgents() []agent.Info {
	return o.registry.List()
}

// ScheduleUpsert creates or replaces the cron schedule of a workflow.
// Fire counters survive updates; changing the expression or timezone
// re-arms the entry from scratch.
func (o *Orchestrator) ScheduleUpsert(ctx context.Context, workflowID, cronExpr, timezone string, enabled bool) error {
	if _, err := o.store.GetWorkflow(ctx, workflowID, 0); err != nil {
		return fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	if err := scheduler.Validate(cronExpr, timezone); err != nil {
		return errors.Wrap(errors.KindValidation, err)
	}

	entry := &store.ScheduleEntry{
		WorkflowID: workflowID,
		CronExpr:   cronExpr,
		Timezone:   timezone,
		Enabled:    enabled,
	}
	existing, err := o.store.GetScheduleEntry(ctx, workflowID)
	switch {
	case err == nil:
		entry.SkippedSlots = existing.SkippedSlots
		entry.DroppedFires = existing.DroppedFires
		if existing.CronExpr == cronExpr && existing.Timezone == timezone {
			entry.NextFireAt = existing.NextFireAt
			entry.LastDedupKey = existing.LastDedupKey
		}
	case stderrors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	if err := o.store.UpsertScheduleEntry(ctx, entry); err != nil {
		return err
	}
	o.log.Info("schedule for workflow %s upserted: cron=%q tz=%q enabled=%v", workflowID, cronExpr, timezone, enabled)
	return nil
}

// GetSchedule returns the schedule entry of a workflow.
func (o *Orchestrator) GetSchedule(ctx context.Context, workflowID string) (*store.ScheduleEntry, error) {
	return o.store.GetScheduleEntry(ctx, workflowID)
}

// ListSchedules returns every schedule entry.
func (o *Orchestrator) ListSchedules(ctx context.Context) ([]*store.ScheduleEntry, error) {
	return o.store.ListScheduleEntries(ctx, false)
}

// DeleteSchedule removes the schedule entry of a workflow.
func (o *Orchestrator) DeleteSchedule(ctx context.Context, workflowID string) error {
	return o.store.DeleteScheduleEntry(ctx, workflowID)
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	RunningExecutions int                      `json:"runningExecutions"`
	QueueDepths       map[store.Priority]int   `json:"queueDepths"`
	Agents            []agent.Info             `json:"agents"`
	Breakers          []errors.BreakerSnapshot `json:"breakers"`
	SchedulerLeading  bool                     `json:"schedulerLeading"`
	CachedPlans       int                      `json:"cachedPlans"`
}

// Stats reports what this node is doing right now.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		RunningExecutions: o.runtime.InflightCount(),
		QueueDepths:       o.runtime.QueueDepths(),
		Agents:            o.registry.List(),
		Breakers:          o.breakers.Snapshots(),
		SchedulerLeading:  o.sched.Leading(),
		CachedPlans:       o.plans.Len(),
	}
}
