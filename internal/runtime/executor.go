package runtime

import (
	"context"
	"time"

	"weaver/internal/agent"
	"weaver/internal/errors"
	"weaver/internal/expr"
	"weaver/internal/logging"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

// skip reasons recorded on TaskState.Reason.
const (
	reasonConditionFalse = "condition evaluated to false"
)

// Executor drives a single task from running to a terminal state:
// condition gate, parameter resolution, then the breaker-guarded
// dispatch loop with retries. It owns no scheduling decisions; the run
// loop hands it one task at a time.
type Executor struct {
	registry *agent.Registry
	breakers *errors.BreakerManager
	log      logging.Logger
	now      func() time.Time
}

// NewExecutor wires a task executor against a registry and the shared
// breaker manager.
func NewExecutor(registry *agent.Registry, breakers *errors.BreakerManager, log logging.Logger) *Executor {
	return &Executor{
		registry: registry,
		breakers: breakers,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// taskAttempt bundles everything the executor needs for one task.
// persist flushes each transition to the store before the run loop
// observes it.
type taskAttempt struct {
	spec    *workflow.TaskSpec
	ann     workflow.Annotation
	exprCtx *expr.Context
	persist func(*store.TaskState) error
}

// Execute runs one task to a terminal state. The returned state is
// terminal unless the error is non-nil, which reports a persistence
// failure and aborts the whole run.
func (e *Executor) Execute(ctx context.Context, at taskAttempt) (*store.TaskState, error) {
	started := e.now()
	st := &store.TaskState{
		Name:      at.spec.Name,
		Status:    store.TaskRunning,
		StartedAt: &started,
	}
	if err := at.persist(st); err != nil {
		return st, err
	}

	// An exhausted timeout budget fails before any dispatch.
	if at.ann.Timeout <= 0 {
		st.Status = store.TaskFailed
		st.Error = store.TaskErrorFrom(errors.New(errors.KindTimeout,
			"task %s: timeout budget exhausted before dispatch", at.spec.Name))
		return e.finish(st, started, at.persist), nil
	}

	// Condition gate. A false condition skips without consuming an
	// attempt; a broken condition is a resolution failure.
	if at.spec.Condition != "" {
		ok, err := expr.EvalCondition(at.spec.Condition, at.exprCtx)
		if err != nil {
			st.Status = store.TaskFailed
			st.Error = store.TaskErrorFrom(errors.Wrap(errors.KindParamResolution, err))
			return e.finish(st, started, at.persist), nil
		}
		if !ok {
			st.Status = store.TaskSkipped
			st.Reason = reasonConditionFalse
			return e.finish(st, started, at.persist), nil
		}
	}

	params, err := resolveParams(at.spec.Parameters, at.exprCtx)
	if err != nil {
		st.Status = store.TaskFailed
		st.Error = store.TaskErrorFrom(errors.Wrap(errors.KindParamResolution, err))
		return e.finish(st, started, at.persist), nil
	}

	inv, err := e.registry.Resolve(at.spec.AgentType, at.spec.Action)
	if err != nil {
		st.Status = store.TaskFailed
		st.Error = store.TaskErrorFrom(err)
		return e.finish(st, started, at.persist), nil
	}

	policy := at.ann.Retry
	if !inv.Idempotent {
		// Non-idempotent agents never retry; a second dispatch could
		// duplicate a side effect.
		policy.MaxAttempts = 1
	}

	breaker := e.breakers.Get(at.spec.AgentType, at.spec.Action)
	taskLog := logging.WithTag(e.log, "task", at.spec.Name)

	output, attempt, err := errors.DoWithResult(ctx, policy, func(ctx context.Context) (interface{}, error) {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, at.ann.Timeout)
		defer cancel()
		out, err := e.invoke(attemptCtx, inv, params)
		breaker.Mark(err)
		return out, err
	}, taskLog)

	st.Attempt = attempt
	if err != nil {
		if errors.IsKind(err, errors.KindCancelled) {
			st.Status = store.TaskCancelled
		} else {
			st.Status = store.TaskFailed
		}
		st.Error = store.TaskErrorFrom(err)
		return e.finish(st, started, at.persist), nil
	}

	st.Status = store.TaskSucceeded
	if output == nil {
		// A successful task always records an output.
		output = map[string]interface{}{}
	}
	st.Output = output
	return e.finish(st, started, at.persist), nil
}

// invoke dispatches the agent call with a hard deadline. Cancellation
// is cooperative through ctx; when the agent ignores it the select
// abandons the call at the deadline and the late result is discarded
// into the buffered channel.
func (e *Executor) invoke(ctx context.Context, inv *agent.Invocation, params map[string]interface{}) (interface{}, error) {
	type result struct {
		out interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := inv.Invoke(ctx, params)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) finish(st *store.TaskState, started time.Time, persist func(*store.TaskState) error) *store.TaskState {
	ended := e.now()
	st.EndedAt = &ended
	st.ElapsedMs = ended.Sub(started).Milliseconds()
	if err := persist(st); err != nil {
		e.log.Error("task %s: persisting terminal state: %v", st.Name, err)
	}
	return st
}

// resolveParams resolves every expression in the parameter map. A nil
// map resolves to an empty one so agents always see a map.
func resolveParams(params map[string]interface{}, ectx *expr.Context) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	resolved, err := expr.Resolve(params, ectx)
	if err != nil {
		return nil, err
	}
	m, ok := resolved.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return m, nil
}
