// Package runtime executes workflow plans: a bounded priority queue
// feeds a worker pool, each worker drives one execution's ready-set
// loop, and every state transition is persisted before the scheduler
// acts on it.
package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"weaver/internal/agent"
	"weaver/internal/errors"
	"weaver/internal/logging"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

// Options tune the runtime pool. Per-task timeouts are resolved by the
// plan cache, so they do not appear here.
type Options struct {
	Workers         int           // concurrent executions (default 4)
	QueueCapacity   int           // bounded submission queue (default 256)
	ConcurrencyCap  int           // per-execution task parallelism (default 8)
	WorkflowTimeout time.Duration // whole-execution budget (default 1h)
	Env             map[string]string
}

func (o Options) normalized() Options {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.QueueCapacity < 1 {
		o.QueueCapacity = 256
	}
	if o.ConcurrencyCap < 1 {
		o.ConcurrencyCap = 8
	}
	if o.WorkflowTimeout <= 0 {
		o.WorkflowTimeout = time.Hour
	}
	if o.Env == nil {
		o.Env = envMap()
	}
	return o
}

// Deps are the runtime's collaborators.
type Deps struct {
	Store    store.Store
	Registry *agent.Registry
	Breakers *errors.BreakerManager
	Plans    *workflow.PlanCache
	Logger   logging.Logger
	Observer Observer
}

// SubmitRequest describes one trigger.
type SubmitRequest struct {
	WorkflowID string
	Version    int // 0 pins the latest version
	Input      map[string]interface{}
	Origin     store.Origin
	Priority   store.Priority
	Meta       map[string]string
}

// Runtime owns the submission queue and the execution workers.
type Runtime struct {
	store    store.Store
	registry *agent.Registry
	executor *Executor
	plans    *workflow.PlanCache
	queue    *submitQueue
	log      logging.Logger
	observer Observer
	opts     Options
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	waiters  map[string][]chan struct{}

	started  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a runtime. Call Start to begin draining the queue.
func New(deps Deps, opts Options) *Runtime {
	opts = opts.normalized()
	log := logging.OrNop(deps.Logger)
	return &Runtime{
		store:    deps.Store,
		registry: deps.Registry,
		executor: NewExecutor(deps.Registry, deps.Breakers, log),
		plans:    deps.Plans,
		queue:    newSubmitQueue(opts.QueueCapacity),
		log:      log,
		observer: orNopObserver(deps.Observer),
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: make(map[string]context.CancelCauseFunc),
		waiters:  make(map[string][]chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start recovers interrupted executions and spins up the worker pool.
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.started.CompareAndSwap(false, true) {
		return stderrors.New("runtime already started")
	}
	if err := rt.recover(ctx); err != nil {
		return fmt.Errorf("recovering executions: %w", err)
	}
	for i := 0; i < rt.opts.Workers; i++ {
		rt.wg.Add(1)
		go rt.worker(ctx)
	}
	rt.log.Info("runtime started: workers=%d queue=%d cap=%d", rt.opts.Workers, rt.opts.QueueCapacity, rt.opts.ConcurrencyCap)
	return nil
}

// Stop closes intake and waits for in-flight executions. When ctx
// expires first the remaining runs are cancelled with a shutdown cause
// and Stop waits for them to persist their terminal states.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.stopOnce.Do(func() {
		close(rt.stopped)
		rt.queue.close()
	})

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rt.log.Info("runtime stopped")
		return nil
	case <-ctx.Done():
	}

	rt.mu.Lock()
	for id, cancel := range rt.inflight {
		rt.log.Warn("forcing cancellation of execution %s", id)
		cancel(errShutdown)
	}
	rt.mu.Unlock()

	<-done
	rt.log.Info("runtime stopped after forced cancellation")
	return ctx.Err()
}

// Enqueue validates the trigger, persists a pending execution and
// queues it. A full queue rejects with ErrOverloaded before anything
// is written.
func (rt *Runtime) Enqueue(ctx context.Context, req SubmitRequest) (string, error) {
	wf, err := rt.store.GetWorkflow(ctx, req.WorkflowID, req.Version)
	if err != nil {
		return "", fmt.Errorf("workflow %s: %w", req.WorkflowID, err)
	}
	if _, err := rt.plans.Plan(wf); err != nil {
		return "", errors.Wrap(errors.KindValidation, err)
	}

	if err := rt.queue.reserve(); err != nil {
		return "", err
	}

	priority := req.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}
	origin := req.Origin
	if origin == "" {
		origin = store.OriginManual
	}
	exec := &store.Execution{
		ID:              rt.newID(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          store.ExecutionPending,
		Origin:          origin,
		Priority:        priority,
		Input:           req.Input,
		Meta:            req.Meta,
		CreatedAt:       rt.now(),
	}
	if err := rt.store.CreateExecution(ctx, exec); err != nil {
		rt.queue.release()
		return "", fmt.Errorf("creating execution: %w", err)
	}

	rt.queue.commit(exec.ID, priority)
	rt.reportDepths()
	rt.log.Info("execution %s queued: workflow=%s priority=%s origin=%s", exec.ID, wf.Key(), priority, origin)
	return exec.ID, nil
}

// Cancel stops an execution. Queued executions terminate immediately;
// running ones get a cooperative cancellation signal and in-flight
// tasks finish per agent semantics.
func (rt *Runtime) Cancel(ctx context.Context, executionID string) error {
	rt.mu.Lock()
	cancel, running := rt.inflight[executionID]
	rt.mu.Unlock()
	if running {
		cancel(errUserCancelled)
		return nil
	}

	exec, err := rt.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("execution %s is already %s: %w", executionID, exec.Status, store.ErrTerminalExecution)
	}

	err = rt.store.UpdateExecutionStatus(ctx, executionID, store.ExecutionCancelled,
		store.WithEndedAt(rt.now()), store.WithCancelReason(cancelReasonUser))
	if err != nil {
		return err
	}

	// A worker may have picked the execution up in between; its run
	// observes the terminal status, but signal it anyway.
	rt.mu.Lock()
	if cancel, ok := rt.inflight[executionID]; ok {
		cancel(errUserCancelled)
	}
	rt.mu.Unlock()

	rt.notifyDone(executionID)
	rt.log.Info("execution %s cancelled while queued", executionID)
	return nil
}

// Await blocks until the execution reaches a terminal status. It
// notices completions on this node immediately and polls the store as
// a fallback for executions finishing elsewhere.
func (rt *Runtime) Await(ctx context.Context, executionID string) (*store.Execution, error) {
	ch := rt.subscribe(executionID)
	defer rt.unsubscribe(executionID, ch)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		exec, err := rt.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// QueueDepths reports the queued executions per priority band.
func (rt *Runtime) QueueDepths() map[store.Priority]int {
	return rt.queue.depths()
}

// InflightCount reports the executions currently running on this node.
func (rt *Runtime) InflightCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.inflight)
}

func (rt *Runtime) worker(ctx context.Context) {
	defer rt.wg.Done()
	for {
		id, err := rt.queue.pop(rt.stopped)
		if err != nil {
			return
		}
		rt.reportDepths()
		rt.runExecution(ctx, id)
	}
}

func (rt *Runtime) runExecution(ctx context.Context, executionID string) {
	exec, err := rt.store.GetExecution(ctx, executionID)
	if err != nil {
		rt.log.Error("loading execution %s: %v", executionID, err)
		return
	}
	if exec.Status != store.ExecutionPending {
		// Cancelled while queued.
		rt.log.Debug("execution %s no longer pending (%s), skipping", executionID, exec.Status)
		return
	}

	wf, err := rt.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		rt.failBeforeStart(ctx, executionID, fmt.Errorf("workflow %s@v%d: %w", exec.WorkflowID, exec.WorkflowVersion, err))
		return
	}
	plan, err := rt.plans.Plan(wf)
	if err != nil {
		rt.failBeforeStart(ctx, executionID, err)
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	rt.mu.Lock()
	rt.inflight[executionID] = cancel
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		delete(rt.inflight, executionID)
		rt.mu.Unlock()
		rt.notifyDone(executionID)
	}()

	newRun(rt, exec, wf, plan).execute(runCtx)
}

// failBeforeStart terminates an execution that cannot even begin, for
// example when its pinned workflow version disappeared.
func (rt *Runtime) failBeforeStart(ctx context.Context, executionID string, cause error) {
	rt.log.Error("execution %s failed before start: %v", executionID, cause)
	err := rt.store.UpdateExecutionStatus(ctx, executionID, store.ExecutionFailed,
		store.WithEndedAt(rt.now()),
		store.WithFailureDigest(&store.FailureDigest{
			Kind:    errors.KindOf(cause),
			Message: cause.Error(),
		}))
	if err != nil {
		rt.log.Error("marking execution %s failed: %v", executionID, err)
	}
	rt.notifyDone(executionID)
}

// recover picks up executions interrupted by a crash. Terminal task
// states are kept; running tasks restart only when their agent is
// idempotent and fail otherwise. The executions re-enter the queue at
// their original priority.
func (rt *Runtime) recover(ctx context.Context) error {
	execs, err := rt.store.ListExecutions(ctx, "", store.ExecutionPending, store.ExecutionRunning)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if exec.Status == store.ExecutionRunning {
			if err := rt.resetInterrupted(ctx, exec); err != nil {
				rt.log.Error("recovering execution %s: %v", exec.ID, err)
				continue
			}
			if err := rt.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecutionPending); err != nil {
				rt.log.Error("requeueing execution %s: %v", exec.ID, err)
				continue
			}
		}
		if err := rt.queue.reserve(); err != nil {
			// Left pending; the next start picks it up.
			rt.log.Warn("recovery queue full, leaving execution %s pending", exec.ID)
			continue
		}
		rt.queue.commit(exec.ID, exec.Priority)
		rt.log.Info("execution %s recovered: workflow=%s", exec.ID, exec.WorkflowID)
	}
	if len(execs) > 0 {
		rt.log.Info("recovery complete: %d executions requeued", len(execs))
	}
	return nil
}

// resetInterrupted rewrites the task states a crash left in running.
func (rt *Runtime) resetInterrupted(ctx context.Context, exec *store.Execution) error {
	wf, err := rt.store.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return err
	}
	now := rt.now()
	for name, ts := range exec.TaskStates {
		if ts.Status != store.TaskRunning {
			continue
		}
		spec, ok := wf.Task(name)
		idempotent := false
		if ok {
			if inv, rerr := rt.registry.Resolve(spec.AgentType, spec.Action); rerr == nil {
				idempotent = inv.Idempotent
			}
		}
		next := &store.TaskState{Name: name, Status: store.TaskPending}
		if !idempotent {
			next = &store.TaskState{
				Name:      name,
				Status:    store.TaskFailed,
				StartedAt: ts.StartedAt,
				EndedAt:   &now,
				Attempt:   ts.Attempt,
				Error: store.TaskErrorFrom(errors.New(errors.KindInterrupted,
					"task %s was running when the runtime stopped and its agent is not idempotent", name)),
			}
		}
		if err := rt.store.UpsertTaskState(ctx, exec.ID, next); err != nil {
			return err
		}
		rt.log.Warn("interrupted task %s in execution %s: %s", name, exec.ID, next.Status)
	}
	return nil
}

func (rt *Runtime) reportDepths() {
	for band, depth := range rt.queue.depths() {
		rt.observer.QueueDepth(string(band), depth)
	}
}

func (rt *Runtime) subscribe(executionID string) chan struct{} {
	ch := make(chan struct{}, 1)
	rt.mu.Lock()
	rt.waiters[executionID] = append(rt.waiters[executionID], ch)
	rt.mu.Unlock()
	return ch
}

func (rt *Runtime) unsubscribe(executionID string, ch chan struct{}) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	chans := rt.waiters[executionID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(rt.waiters, executionID)
		return
	}
	rt.waiters[executionID] = chans
}

func (rt *Runtime) notifyDone(executionID string) {
	rt.mu.Lock()
	chans := rt.waiters[executionID]
	delete(rt.waiters, executionID)
	rt.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// envMap snapshots the process environment for the env expression
// scope.
func envMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
