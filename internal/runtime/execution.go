package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"weaver/internal/expr"
	"weaver/internal/logging"
	"weaver/internal/observability"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

// Cancellation causes, recorded on the execution as the cancel reason.
var (
	errUserCancelled = stderrors.New("execution cancelled by user")
	errShutdown      = stderrors.New("runtime shutting down")
)

const (
	cancelReasonUser     = "user"
	cancelReasonTimeout  = "timeout"
	cancelReasonShutdown = "shutdown"
)

type taskDecision int

const (
	decideWait taskDecision = iota
	decideReady
	decideSkip
)

type skipDecision struct {
	name   string
	reason string
}

// run drives one execution to a terminal status: seeding task states,
// the ready-set loop over the plan, fallback splicing, cancellation and
// finalization. All mutations flow through persistState so the store
// sees every transition before the loop acts on it.
type run struct {
	rt   *Runtime
	exec *store.Execution
	wf   *workflow.Workflow
	plan *workflow.Plan
	log  logging.Logger
	cap  int

	// pctx survives run cancellation so terminal states and the final
	// execution status still reach the store.
	pctx      context.Context
	startedAt time.Time

	mu         sync.Mutex
	states     map[string]*store.TaskState
	order      []string // plan order plus activated fallbacks
	activated  map[string]struct{}
	dispatched map[string]struct{}
	dataRefs   map[string]map[string]struct{}
	inflight   int
	firstFail  *store.FailureDigest
	persistErr error
	stalled    bool

	cancelled    bool
	cancelReason string
}

func newRun(rt *Runtime, exec *store.Execution, wf *workflow.Workflow, plan *workflow.Plan) *run {
	r := &run{
		rt:         rt,
		exec:       exec,
		wf:         wf,
		plan:       plan,
		log:        logging.WithTag(rt.log, "execution", exec.ID),
		cap:        wf.Config.ConcurrencyCap,
		states:     make(map[string]*store.TaskState, len(plan.Order)),
		activated:  make(map[string]struct{}),
		dispatched: make(map[string]struct{}),
		dataRefs:   make(map[string]map[string]struct{}, len(wf.Tasks)),
	}
	if r.cap <= 0 {
		r.cap = rt.opts.ConcurrencyCap
	}
	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		refs := expr.TaskRefs(t.Parameters)
		if t.Condition != "" {
			refs = append(refs, expr.TaskRefs(t.Condition)...)
		}
		set := make(map[string]struct{}, len(refs))
		for _, ref := range refs {
			set[ref] = struct{}{}
		}
		r.dataRefs[t.Name] = set
	}
	return r
}

// execute runs the workflow to a terminal execution status.
func (r *run) execute(parent context.Context) store.ExecutionStatus {
	r.pctx = context.WithoutCancel(parent)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if budget := r.wf.EffectiveTimeout(r.rt.opts.WorkflowTimeout); budget > 0 {
		var cancelBudget context.CancelFunc
		ctx, cancelBudget = context.WithTimeout(ctx, budget)
		defer cancelBudget()
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanExecutionRun,
		observability.ExecutionAttrs(r.exec.ID, r.wf.ID, r.wf.Version, string(r.exec.Origin))...)
	defer span.End()

	r.startedAt = r.rt.now()
	if r.exec.StartedAt != nil {
		r.startedAt = *r.exec.StartedAt
	}

	var updates []store.ExecutionUpdate
	if r.exec.StartedAt == nil {
		updates = append(updates, store.WithStartedAt(r.startedAt))
	}
	if err := r.rt.store.UpdateExecutionStatus(r.pctx, r.exec.ID, store.ExecutionRunning, updates...); err != nil {
		if stderrors.Is(err, store.ErrTerminalExecution) {
			// Cancelled between dequeue and start; nothing to run.
			r.log.Info("execution already terminal before start")
			if exec, gerr := r.rt.store.GetExecution(r.pctx, r.exec.ID); gerr == nil {
				return exec.Status
			}
			return store.ExecutionCancelled
		}
		r.log.Error("marking execution running: %v", err)
		return store.ExecutionFailed
	}
	r.rt.observer.ExecutionStarted(string(r.exec.Origin))
	r.log.Info("execution started: workflow=%s tasks=%d cap=%d", r.wf.Key(), len(r.plan.Order), r.cap)

	if err := r.seed(); err == nil {
		r.loop(ctx)
	}
	status := r.finalize()
	span.SetAttributes(observability.StatusAttrs(string(status))...)
	return status
}

// seed materializes one task state per scheduled task. On a resumed
// execution the persisted states win, previously activated fallbacks
// rejoin the set, and owners that failed before the restart splice
// theirs in if the crash preempted activation.
func (r *run) seed() error {
	existing := r.exec.TaskStates

	r.mu.Lock()
	r.order = append([]string(nil), r.plan.Order...)
	r.mu.Unlock()

	for _, name := range r.plan.Order {
		if prev, ok := existing[name]; ok {
			r.mu.Lock()
			r.states[name] = prev.Clone()
			r.mu.Unlock()
			continue
		}
		if err := r.persistState(&store.TaskState{Name: name, Status: store.TaskPending}); err != nil {
			return err
		}
	}

	for owner, fbs := range r.plan.Fallbacks {
		prev, ownerKnown := existing[owner]
		ownerNeedsFallback := ownerKnown && prev.Status == store.TaskFailed && !prev.Recovered
		for _, fb := range fbs {
			if st, ok := existing[fb]; ok {
				r.mu.Lock()
				if _, dup := r.activated[fb]; !dup {
					r.activated[fb] = struct{}{}
					r.order = append(r.order, fb)
				}
				r.states[fb] = st.Clone()
				r.mu.Unlock()
				continue
			}
			if !ownerNeedsFallback {
				continue
			}
			if err := r.activate(fb, owner); err != nil {
				return err
			}
		}
	}
	return nil
}

// loop is the ready-set scheduler: launch what is ready, wait for one
// executor to finish, reclassify, repeat.
func (r *run) loop(ctx context.Context) {
	results := make(chan *store.TaskState)
	for {
		if err := r.advance(ctx, results); err != nil {
			r.drain(results)
			return
		}

		r.mu.Lock()
		inflight := r.inflight
		settled := r.settledLocked()
		r.mu.Unlock()

		if inflight == 0 {
			if !settled {
				r.log.Error("execution stalled: no tasks runnable or in flight")
				r.mu.Lock()
				r.stalled = true
				r.mu.Unlock()
			}
			return
		}

		select {
		case st := <-results:
			r.onTaskDone(st)
		case <-ctx.Done():
			r.cancelRemaining(ctx)
			r.drain(results)
			return
		}
	}
}

// advance applies skip decisions to a fixpoint, marks satisfied tasks
// ready, and dispatches ready tasks up to the concurrency cap.
func (r *run) advance(ctx context.Context, results chan<- *store.TaskState) error {
	r.mu.Lock()
	aborted := r.persistErr
	r.mu.Unlock()
	if aborted != nil {
		return aborted
	}

	for {
		skips, ready := r.classifyPending()
		if len(skips) == 0 && len(ready) == 0 {
			break
		}
		now := r.rt.now()
		for _, sk := range skips {
			st := &store.TaskState{Name: sk.name, Status: store.TaskSkipped, Reason: sk.reason, EndedAt: &now}
			if err := r.persistState(st); err != nil {
				return err
			}
			r.log.Info("task %s skipped: %s", sk.name, sk.reason)
			r.rt.observer.TaskFinished(r.agentTypeOf(sk.name), string(store.TaskSkipped), "", 0, 0)
		}
		for _, name := range ready {
			if err := r.persistState(&store.TaskState{Name: name, Status: store.TaskReady}); err != nil {
				return err
			}
		}
	}

	r.launch(ctx, results)
	return nil
}

// classifyPending sorts pending tasks into skips and ready candidates.
func (r *run) classifyPending() ([]skipDecision, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var skips []skipDecision
	var ready []string
	for _, name := range r.order {
		st, ok := r.states[name]
		if !ok || st.Status != store.TaskPending {
			continue
		}
		if _, isFallback := r.activated[name]; isFallback {
			// Activated fallbacks carry no dependencies.
			ready = append(ready, name)
			continue
		}
		switch decision, reason := r.classifyLocked(name); decision {
		case decideSkip:
			skips = append(skips, skipDecision{name: name, reason: reason})
		case decideReady:
			ready = append(ready, name)
		}
	}
	return skips, ready
}

// classifyLocked decides whether one pending task can run. A task is
// ready when every predecessor is terminal-successful, failed with a
// continue policy, or failed and recovered through a fallback. Reading
// the output of a failed task is never satisfiable, whatever the
// policy, because the output does not exist.
func (r *run) classifyLocked(name string) (taskDecision, string) {
	refs := r.dataRefs[name]
	for _, dep := range r.plan.Predecessors[name] {
		ds, ok := r.states[dep]
		if !ok || !ds.Status.IsTerminal() {
			return decideWait, ""
		}
		switch ds.Status {
		case store.TaskSucceeded:
			continue
		case store.TaskSkipped:
			return decideSkip, fmt.Sprintf("upstream task %s was skipped", dep)
		case store.TaskCancelled:
			return decideSkip, fmt.Sprintf("upstream task %s was cancelled", dep)
		case store.TaskFailed:
			pol := r.policyOf(dep)
			satisfied := ds.Recovered || pol == workflow.OnErrorContinue
			if !satisfied {
				if pol == workflow.OnErrorFallback && !r.fallbacksSettledLocked(dep) {
					return decideWait, ""
				}
				return decideSkip, fmt.Sprintf("upstream task %s failed", dep)
			}
			if _, reads := refs[dep]; reads {
				return decideSkip, fmt.Sprintf("references output of failed task %s", dep)
			}
		}
	}
	return decideReady, ""
}

// fallbacksSettledLocked reports whether every fallback of a failed
// owner reached a terminal state. Dependents wait until then.
func (r *run) fallbacksSettledLocked(owner string) bool {
	for _, fb := range r.plan.Fallbacks[owner] {
		st, ok := r.states[fb]
		if !ok || !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// launch dispatches ready tasks in plan order until the cap is hit.
func (r *run) launch(ctx context.Context, results chan<- *store.TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if r.inflight >= r.cap {
			break
		}
		st, ok := r.states[name]
		if !ok || st.Status != store.TaskReady {
			continue
		}
		if _, dup := r.dispatched[name]; dup {
			continue
		}
		spec, ok := r.wf.Task(name)
		if !ok {
			continue
		}
		ann, _ := r.plan.Annotation(name)
		ectx := r.exprContextLocked()

		r.dispatched[name] = struct{}{}
		r.inflight++
		r.rt.observer.TaskStarted(spec.AgentType)
		r.log.Info("task %s dispatched: agent=%s action=%s", name, spec.AgentType, spec.Action)

		go func(spec *workflow.TaskSpec, ann workflow.Annotation, ectx *expr.Context) {
			tctx, span := observability.StartSpan(ctx, observability.SpanTaskExecute,
				observability.TaskAttrs(spec.Name, spec.AgentType, spec.Action)...)
			terminal, _ := r.rt.executor.Execute(tctx, taskAttempt{
				spec:    spec,
				ann:     ann,
				exprCtx: ectx,
				persist: r.persistState,
			})
			attrs := observability.OutcomeAttrs(string(terminal.Status), terminal.Attempt)
			if terminal.Error != nil {
				attrs = append(attrs, observability.FailureAttrs(string(terminal.Error.Kind), terminal.Error.Message)...)
			}
			span.SetAttributes(attrs...)
			span.End()
			results <- terminal
		}(spec, ann, ectx)
	}
}

// onTaskDone accounts a finished executor and applies failure policy:
// fallback activation for failed owners, recovery marking when a
// fallback succeeds.
func (r *run) onTaskDone(st *store.TaskState) {
	r.mu.Lock()
	r.inflight--
	cancelled := r.cancelled
	if st.Status == store.TaskFailed && r.firstFail == nil {
		r.firstFail = digestFrom(st)
	}
	r.mu.Unlock()

	kind := ""
	if st.Error != nil {
		kind = string(st.Error.Kind)
	}
	r.rt.observer.TaskFinished(r.agentTypeOf(st.Name), string(st.Status),
		kind, st.Attempt, time.Duration(st.ElapsedMs)*time.Millisecond)

	ann, _ := r.plan.Annotation(st.Name)
	switch st.Status {
	case store.TaskSucceeded:
		r.log.Info("task %s succeeded: attempt=%d elapsed=%dms", st.Name, st.Attempt, st.ElapsedMs)
		if ann.FallbackOnly && !cancelled {
			r.recoverOwners(st.Name)
		}
	case store.TaskFailed:
		r.log.Warn("task %s failed (%s): %s", st.Name, kind, st.Error.Message)
		if !ann.FallbackOnly && !cancelled && ann.OnError.EffectivePolicy() == workflow.OnErrorFallback {
			for _, fb := range r.plan.Fallbacks[st.Name] {
				if err := r.activate(fb, st.Name); err != nil {
					return
				}
			}
		}
	case store.TaskCancelled:
		r.log.Info("task %s cancelled", st.Name)
	}
}

// activate splices one fallback task into the run as pending. Already
// present states (shared fallbacks, resumed runs) are left alone.
func (r *run) activate(fb, owner string) error {
	r.mu.Lock()
	if _, exists := r.states[fb]; exists {
		r.mu.Unlock()
		return nil
	}
	if _, dup := r.activated[fb]; !dup {
		r.activated[fb] = struct{}{}
		r.order = append(r.order, fb)
	}
	r.mu.Unlock()

	if err := r.persistState(&store.TaskState{Name: fb, Status: store.TaskPending}); err != nil {
		return err
	}
	r.log.Info("fallback task %s activated for failed task %s", fb, owner)
	return nil
}

// recoverOwners flips the recovered bit on every failed owner that
// lists the succeeded fallback. Dependents of a recovered task treat
// the chain as satisfied.
func (r *run) recoverOwners(fb string) {
	for owner, fbs := range r.plan.Fallbacks {
		if !containsString(fbs, fb) {
			continue
		}
		r.mu.Lock()
		os, ok := r.states[owner]
		eligible := ok && os.Status == store.TaskFailed && !os.Recovered
		r.mu.Unlock()
		if !eligible {
			continue
		}
		if err := r.rt.store.MarkTaskRecovered(r.pctx, r.exec.ID, owner); err != nil {
			r.notePersistError(err)
			continue
		}
		r.mu.Lock()
		r.states[owner].Recovered = true
		r.mu.Unlock()
		r.log.Info("task %s recovered: fallback %s succeeded", owner, fb)
	}
}

// cancelRemaining marks every not-yet-dispatched task cancelled.
// In-flight executors keep running until they observe the context.
func (r *run) cancelRemaining(ctx context.Context) {
	reason := cancelReasonUser
	cause := context.Cause(ctx)
	switch {
	case stderrors.Is(cause, context.DeadlineExceeded):
		reason = cancelReasonTimeout
	case stderrors.Is(cause, errShutdown):
		reason = cancelReasonShutdown
	}

	r.mu.Lock()
	r.cancelled = true
	r.cancelReason = reason
	var pending []string
	for name, st := range r.states {
		if st.Status != store.TaskPending && st.Status != store.TaskReady {
			continue
		}
		if _, dup := r.dispatched[name]; dup {
			continue
		}
		pending = append(pending, name)
	}
	sort.Strings(pending)
	r.mu.Unlock()

	now := r.rt.now()
	for _, name := range pending {
		st := &store.TaskState{Name: name, Status: store.TaskCancelled, Reason: "execution cancelled", EndedAt: &now}
		if err := r.persistState(st); err != nil {
			break
		}
		r.rt.observer.TaskFinished(r.agentTypeOf(name), string(store.TaskCancelled), "", 0, 0)
	}
	r.log.Info("execution cancelling (%s): %d queued tasks cancelled, %d in flight", reason, len(pending), r.inflightCount())
}

// drain consumes results until no executor is in flight.
func (r *run) drain(results <-chan *store.TaskState) {
	for r.inflightCount() > 0 {
		r.onTaskDone(<-results)
	}
}

// finalize computes the terminal execution status and persists it. An
// execution fails when any scheduled task failed under a fail policy or
// exhausted its fallbacks unrecovered; continue failures do not count.
func (r *run) finalize() store.ExecutionStatus {
	r.mu.Lock()
	status := store.ExecutionSucceeded
	switch {
	case r.cancelled:
		status = store.ExecutionCancelled
	case r.persistErr != nil || r.stalled:
		status = store.ExecutionFailed
	default:
		for _, name := range r.plan.Order {
			st, ok := r.states[name]
			if !ok {
				continue
			}
			if st.Status == store.TaskCancelled {
				status = store.ExecutionFailed
				break
			}
			if st.Status != store.TaskFailed || st.Recovered {
				continue
			}
			if r.policyOf(name) != workflow.OnErrorContinue {
				status = store.ExecutionFailed
				break
			}
		}
	}

	digest := r.firstFail
	if digest == nil && status == store.ExecutionFailed {
		digest = r.deriveDigestLocked()
	}
	reason := r.cancelReason
	r.mu.Unlock()

	ended := r.rt.now()
	updates := []store.ExecutionUpdate{store.WithEndedAt(ended)}
	if status == store.ExecutionFailed && digest != nil {
		updates = append(updates, store.WithFailureDigest(digest))
	}
	if status == store.ExecutionCancelled && reason != "" {
		updates = append(updates, store.WithCancelReason(reason))
	}
	if err := r.rt.store.UpdateExecutionStatus(r.pctx, r.exec.ID, status, updates...); err != nil {
		r.log.Error("persisting terminal status %s: %v", status, err)
	}

	elapsed := ended.Sub(r.startedAt)
	r.rt.observer.ExecutionFinished(string(status), elapsed)
	r.log.Info("execution finished: status=%s elapsed=%s", status, elapsed.Round(time.Millisecond))
	return status
}

// deriveDigestLocked reconstructs the first failure from persisted
// states on resumed executions, where the failure predates this run.
func (r *run) deriveDigestLocked() *store.FailureDigest {
	var earliest *store.TaskState
	for _, st := range r.states {
		if st.Status != store.TaskFailed {
			continue
		}
		if earliest == nil || endedBefore(st, earliest) {
			earliest = st
		}
	}
	return digestFrom(earliest)
}

func endedBefore(a, b *store.TaskState) bool {
	switch {
	case a.EndedAt == nil:
		return false
	case b.EndedAt == nil:
		return true
	case a.EndedAt.Equal(*b.EndedAt):
		return a.Name < b.Name
	default:
		return a.EndedAt.Before(*b.EndedAt)
	}
}

func digestFrom(st *store.TaskState) *store.FailureDigest {
	if st == nil {
		return nil
	}
	d := &store.FailureDigest{TaskName: st.Name}
	if st.Error != nil {
		d.Kind = st.Error.Kind
		d.Message = st.Error.Message
	}
	return d
}

// persistState flushes one transition and then applies it to the live
// view, in that order. A store failure aborts the run.
func (r *run) persistState(st *store.TaskState) error {
	if err := r.rt.store.UpsertTaskState(r.pctx, r.exec.ID, st); err != nil {
		r.notePersistError(err)
		r.log.Error("persisting task %s state %s: %v", st.Name, st.Status, err)
		return err
	}
	r.mu.Lock()
	r.states[st.Name] = st.Clone()
	r.mu.Unlock()
	return nil
}

func (r *run) notePersistError(err error) {
	r.mu.Lock()
	if r.persistErr == nil {
		r.persistErr = err
	}
	r.mu.Unlock()
}

// exprContextLocked snapshots the expression scopes for one dispatch.
// Only succeeded task outputs are visible.
func (r *run) exprContextLocked() *expr.Context {
	tasks := make(map[string]interface{})
	for name, st := range r.states {
		if st.Status == store.TaskSucceeded && st.Output != nil {
			tasks[name] = st.Output
		}
	}
	var input interface{}
	if r.exec.Input != nil {
		input = r.exec.Input
	}
	return &expr.Context{
		Tasks: tasks,
		Env:   r.rt.opts.Env,
		Workflow: expr.Meta{
			ID:        r.wf.ID,
			Version:   r.wf.Version,
			StartedAt: r.startedAt,
		},
		Input: input,
	}
}

func (r *run) settledLocked() bool {
	for _, name := range r.order {
		st, ok := r.states[name]
		if !ok || !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (r *run) policyOf(name string) string {
	ann, ok := r.plan.Annotation(name)
	if !ok {
		return workflow.OnErrorFail
	}
	return ann.OnError.EffectivePolicy()
}

func (r *run) agentTypeOf(name string) string {
	if spec, ok := r.wf.Task(name); ok {
		return spec.AgentType
	}
	return ""
}

func (r *run) inflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
