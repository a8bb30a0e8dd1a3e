// Package redisstore backs the store on Redis. Workflow versions and
// fire dedup slots live in hashes with create-exclusive field writes,
// execution records are optimistically locked strings, and the
// scheduler lease rides on Redis key expiry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"weaver/internal/logging"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

const (
	workflowsIndexKey  = "weaver:workflows"
	executionsIndexKey = "weaver:executions"
	schedulesKey       = "weaver:schedules"
	leaseKey           = "weaver:scheduler_lease"

	// txRetries bounds the optimistic-lock retry loop on execution
	// updates.
	txRetries = 8
)

// Lease ownership checks and writes must be one atomic step, otherwise
// two schedulers can both believe they hold the lease.
var acquireLeaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements the persistence port on a Redis client.
type Store struct {
	rdb    *redis.Client
	logger logging.Logger

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. Close closes the client.
func New(client *redis.Client) *Store {
	return &Store{
		rdb:    client,
		logger: logging.NewComponentLogger("RedisStore"),
		now:    time.Now,
	}
}

// Connect dials Redis and verifies connectivity.
func Connect(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// EnsureSchema verifies connectivity; Redis needs no schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	encoded, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	if err := s.rdb.SAdd(ctx, workflowsIndexKey, w.ID).Err(); err != nil {
		return err
	}
	created, err := s.rdb.HSetNX(ctx, workflowKey(w.ID), strconv.Itoa(w.Version), encoded).Result()
	if err != nil {
		return err
	}
	if !created {
		return store.ErrExists
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	if version <= 0 {
		latest, err := s.latestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	raw, err := s.rdb.HGet(ctx, workflowKey(id), strconv.Itoa(version)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w workflow.Workflow
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	ids, err := s.rdb.SMembers(ctx, workflowsIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id, 0)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	exists, err := s.rdb.Exists(ctx, workflowKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	executions, err := s.readExecutions(ctx)
	if err != nil {
		return err
	}
	for _, e := range executions {
		if e.WorkflowID == id && !e.Status.IsTerminal() {
			return store.ErrWorkflowInUse
		}
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, workflowKey(id))
	pipe.SRem(ctx, workflowsIndexKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) CreateExecution(ctx context.Context, e *store.Execution) error {
	c := e.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = s.now()
	if c.TaskStates == nil {
		c.TaskStates = make(map[string]*store.TaskState)
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	// Index first: a phantom index entry is harmless, an unindexed
	// execution would be invisible to crash recovery.
	if err := s.rdb.SAdd(ctx, executionsIndexKey, c.ID).Err(); err != nil {
		return err
	}
	created, err := s.rdb.SetNX(ctx, executionKey(c.ID), encoded, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return store.ErrExists
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	raw, err := s.rdb.Get(ctx, executionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeExecution(id, []byte(raw))
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, status store.ExecutionStatus, updates ...store.ExecutionUpdate) error {
	return s.updateExecution(ctx, id, func(e *store.Execution) error {
		if e.Status.IsTerminal() && status != e.Status {
			return store.ErrTerminalExecution
		}
		e.Status = status
		for _, apply := range updates {
			apply(e)
		}
		return nil
	})
}

func (s *Store) ListExecutions(ctx context.Context, workflowID string, statuses ...store.ExecutionStatus) ([]*store.Execution, error) {
	all, err := s.readExecutions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*store.Execution
	for _, e := range all {
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		if !matchesStatus(e.Status, statuses) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpsertTaskState(ctx context.Context, executionID string, state *store.TaskState) error {
	return s.updateExecution(ctx, executionID, func(e *store.Execution) error {
		if existing, ok := e.TaskStates[state.Name]; ok && existing.Status.IsTerminal() {
			return store.ErrTerminalTaskState
		}
		c := state.Clone()
		c.UpdatedAt = s.now()
		e.TaskStates[state.Name] = c
		return nil
	})
}

func (s *Store) MarkTaskRecovered(ctx context.Context, executionID, taskName string) error {
	return s.updateExecution(ctx, executionID, func(e *store.Execution) error {
		ts, ok := e.TaskStates[taskName]
		if !ok {
			return store.ErrNotFound
		}
		ts.Recovered = true
		ts.UpdatedAt = s.now()
		return nil
	})
}

func (s *Store) ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error) {
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var names []string
	for name, ts := range e.TaskStates {
		if ts.Status == store.TaskPending || ts.Status == store.TaskReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) UpsertScheduleEntry(ctx context.Context, entry *store.ScheduleEntry) error {
	c := entry.Clone()
	c.UpdatedAt = s.now()
	encoded, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode schedule entry: %w", err)
	}
	return s.rdb.HSet(ctx, schedulesKey, c.WorkflowID, encoded).Err()
}

func (s *Store) GetScheduleEntry(ctx context.Context, workflowID string) (*store.ScheduleEntry, error) {
	raw, err := s.rdb.HGet(ctx, schedulesKey, workflowID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry store.ScheduleEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode schedule entry %s: %w", workflowID, err)
	}
	return &entry, nil
}

func (s *Store) ListScheduleEntries(ctx context.Context, enabledOnly bool) ([]*store.ScheduleEntry, error) {
	values, err := s.rdb.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*store.ScheduleEntry, 0, len(values))
	for workflowID, raw := range values {
		var entry store.ScheduleEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("Skipping unreadable schedule entry %s: %v", workflowID, err)
			continue
		}
		if enabledOnly && !entry.Enabled {
			continue
		}
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (s *Store) DeleteScheduleEntry(ctx context.Context, workflowID string) error {
	removed, err := s.rdb.HDel(ctx, schedulesKey, workflowID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AcquireSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	granted, err := acquireLeaseScript.Run(ctx, s.rdb, []string{leaseKey}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return granted == 1, nil
}

func (s *Store) RenewSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	renewed, err := renewLeaseScript.Run(ctx, s.rdb, []string{leaseKey}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

func (s *Store) ReleaseSchedulerLease(ctx context.Context, ownerID string) error {
	return releaseLeaseScript.Run(ctx, s.rdb, []string{leaseKey}, ownerID).Err()
}

func (s *Store) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	return s.rdb.HSetNX(ctx, firesKey(workflowID), dedupKey, s.now().Format(time.RFC3339Nano)).Result()
}

// updateExecution applies mutate to one execution under optimistic
// locking: the key is watched, and a concurrent write restarts the
// read-modify-write cycle.
func (s *Store) updateExecution(ctx context.Context, id string, mutate func(*store.Execution) error) error {
	key := executionKey(id)
	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			if err != nil {
				return err
			}
			e, err := decodeExecution(id, []byte(raw))
			if err != nil {
				return err
			}
			if err := mutate(e); err != nil {
				return err
			}
			e.UpdatedAt = s.now()
			encoded, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode execution %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("execution %s: too many conflicting writes", id)
}

func (s *Store) readExecutions(ctx context.Context) ([]*store.Execution, error) {
	ids, err := s.rdb.SMembers(ctx, executionsIndexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = executionKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*store.Execution, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entries without a record come from interrupted
			// creates; they never held data, so skip them.
			continue
		}
		e, err := decodeExecution(ids[i], []byte(raw))
		if err != nil {
			s.logger.Warn("Skipping unreadable execution %s: %v", ids[i], err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) latestVersion(ctx context.Context, id string) (int, error) {
	fields, err := s.rdb.HKeys(ctx, workflowKey(id)).Result()
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, field := range fields {
		if v, err := strconv.Atoi(field); err == nil && v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0, store.ErrNotFound
	}
	return latest, nil
}

func decodeExecution(id string, raw []byte) (*store.Execution, error) {
	var e store.Execution
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	if e.TaskStates == nil {
		e.TaskStates = make(map[string]*store.TaskState)
	}
	return &e, nil
}

func workflowKey(id string) string {
	return "weaver:workflow:" + id
}

func executionKey(id string) string {
	return "weaver:execution:" + id
}

func firesKey(workflowID string) string {
	return "weaver:fires:" + workflowID
}

func matchesStatus(status store.ExecutionStatus, filter []store.ExecutionStatus) bool {
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
