// Package postgresstore backs the store on PostgreSQL through pgx. It
// is the backend for multi-node deployments: the scheduler lease and
// fire dedup rows arbitrate between processes through the database.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"weaver/internal/logging"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

const (
	workflowsTable  = "weaver_workflows"
	executionsTable = "weaver_executions"
	schedulesTable  = "weaver_schedules"
	firesTable      = "weaver_fires"
	leaseTable      = "weaver_scheduler_lease"
)

// Store implements the persistence port on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an existing pool. Close closes the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresStore"),
		now:    time.Now,
	}
}

// Connect opens a pool for the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// EnsureSchema creates the weaver tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT NOT NULL,
    version INT NOT NULL,
    definition JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (id, version)
);
CREATE TABLE IF NOT EXISTS %[2]s (
    id TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    workflow_version INT NOT NULL,
    status TEXT NOT NULL,
    origin TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT '',
    input JSONB,
    meta JSONB,
    task_states JSONB NOT NULL DEFAULT '{}'::jsonb,
    failure_digest JSONB,
    cancel_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_weaver_executions_workflow ON %[2]s (workflow_id);
CREATE INDEX IF NOT EXISTS idx_weaver_executions_status ON %[2]s (status);
CREATE INDEX IF NOT EXISTS idx_weaver_executions_created_at ON %[2]s (created_at DESC);
CREATE TABLE IF NOT EXISTS %[3]s (
    workflow_id TEXT PRIMARY KEY,
    cron_expr TEXT NOT NULL,
    timezone TEXT NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    next_fire_at TIMESTAMPTZ NOT NULL,
    last_dedup_key TEXT NOT NULL DEFAULT '',
    skipped_slots BIGINT NOT NULL DEFAULT 0,
    dropped_fires BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[4]s (
    workflow_id TEXT NOT NULL,
    dedup_key TEXT NOT NULL,
    fired_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (workflow_id, dedup_key)
);
CREATE TABLE IF NOT EXISTS %[5]s (
    id INT PRIMARY KEY CHECK (id = 1),
    owner_id TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`, workflowsTable, executionsTable, schedulesTable, firesTable, leaseTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if err := s.ready(); err != nil {
		return err
	}
	definition, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, version, definition, created_at) VALUES ($1, $2, $3::jsonb, $4)`, workflowsTable)
	if _, err := s.pool.Exec(ctx, query, w.ID, w.Version, definition, createdAt); err != nil {
		if isUniqueViolation(err) {
			return store.ErrExists
		}
		return err
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var (
		query string
		args  []any
	)
	if version <= 0 {
		query = fmt.Sprintf(`SELECT definition FROM %s WHERE id = $1 ORDER BY version DESC LIMIT 1`, workflowsTable)
		args = []any{id}
	} else {
		query = fmt.Sprintf(`SELECT definition FROM %s WHERE id = $1 AND version = $2`, workflowsTable)
		args = []any{id, version}
	}
	var definition []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&definition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var w workflow.Workflow
	if err := json.Unmarshal(definition, &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT DISTINCT ON (id) definition FROM %s ORDER BY id, version DESC`, workflowsTable)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var w workflow.Workflow
		if err := json.Unmarshal(definition, &w); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var active bool
		activeQuery := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE workflow_id = $1 AND status IN ('pending', 'running'))`, executionsTable)
		if err := tx.QueryRow(ctx, activeQuery, id).Scan(&active); err != nil {
			return err
		}
		if active {
			return store.ErrWorkflowInUse
		}
		ct, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, workflowsTable), id)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) CreateExecution(ctx context.Context, e *store.Execution) error {
	if err := s.ready(); err != nil {
		return err
	}
	c := e.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = s.now()
	if c.TaskStates == nil {
		c.TaskStates = make(map[string]*store.TaskState)
	}

	input, err := json.Marshal(c.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	meta, err := json.Marshal(c.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	taskStates, err := json.Marshal(c.TaskStates)
	if err != nil {
		return fmt.Errorf("encode task states: %w", err)
	}
	digest, err := digestJSON(c.FailureDigest)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, workflow_id, workflow_version, status, origin, priority,
                input, meta, task_states, failure_digest, cancel_reason,
                created_at, started_at, ended_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12, $13, $14, $15)
`, executionsTable)
	_, err = s.pool.Exec(ctx, query,
		c.ID, c.WorkflowID, c.WorkflowVersion, c.Status, c.Origin, c.Priority,
		input, meta, taskStates, digest, c.CancelReason,
		c.CreatedAt, c.StartedAt, c.EndedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrExists
		}
		s.logger.Error("Failed to persist execution %s: %v", c.ID, err)
		return err
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, executionColumns, executionsTable)
	e, err := scanExecution(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, status store.ExecutionStatus, updates ...store.ExecutionUpdate) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, executionColumns, executionsTable)
		e, err := scanExecution(tx.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if e.Status.IsTerminal() && status != e.Status {
			return store.ErrTerminalExecution
		}
		e.Status = status
		for _, apply := range updates {
			apply(e)
		}
		e.UpdatedAt = s.now()

		digest, err := digestJSON(e.FailureDigest)
		if err != nil {
			return err
		}
		update := fmt.Sprintf(`
UPDATE %s SET status = $2, failure_digest = $3::jsonb, cancel_reason = $4,
              started_at = $5, ended_at = $6, updated_at = $7
WHERE id = $1
`, executionsTable)
		_, err = tx.Exec(ctx, update, id, e.Status, digest, e.CancelReason, e.StartedAt, e.EndedAt, e.UpdatedAt)
		return err
	})
}

func (s *Store) ListExecutions(ctx context.Context, workflowID string, statuses ...store.ExecutionStatus) ([]*store.Execution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, executionColumns, executionsTable)
	var (
		where []string
		args  []any
	)
	if workflowID != "" {
		args = append(args, workflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, status := range statuses {
			names[i] = string(status)
		}
		args = append(args, names)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTaskState(ctx context.Context, executionID string, state *store.TaskState) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.mutateTaskStates(ctx, executionID, func(states map[string]*store.TaskState) error {
		if existing, ok := states[state.Name]; ok && existing.Status.IsTerminal() {
			return store.ErrTerminalTaskState
		}
		c := state.Clone()
		c.UpdatedAt = s.now()
		states[state.Name] = c
		return nil
	})
}

func (s *Store) MarkTaskRecovered(ctx context.Context, executionID, taskName string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.mutateTaskStates(ctx, executionID, func(states map[string]*store.TaskState) error {
		ts, ok := states[taskName]
		if !ok {
			return store.ErrNotFound
		}
		ts.Recovered = true
		ts.UpdatedAt = s.now()
		return nil
	})
}

func (s *Store) ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT task_states FROM %s WHERE id = $1`, executionsTable)
	var taskStatesJSON []byte
	if err := s.pool.QueryRow(ctx, query, executionID).Scan(&taskStatesJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	states, err := decodeTaskStates(taskStatesJSON)
	if err != nil {
		return nil, err
	}
	var names []string
	for name, ts := range states {
		if ts.Status == store.TaskPending || ts.Status == store.TaskReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) UpsertScheduleEntry(ctx context.Context, entry *store.ScheduleEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (workflow_id, cron_expr, timezone, enabled, next_fire_at,
                last_dedup_key, skipped_slots, dropped_fires, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (workflow_id) DO UPDATE SET
    cron_expr = EXCLUDED.cron_expr,
    timezone = EXCLUDED.timezone,
    enabled = EXCLUDED.enabled,
    next_fire_at = EXCLUDED.next_fire_at,
    last_dedup_key = EXCLUDED.last_dedup_key,
    skipped_slots = EXCLUDED.skipped_slots,
    dropped_fires = EXCLUDED.dropped_fires,
    updated_at = EXCLUDED.updated_at
`, schedulesTable)
	_, err := s.pool.Exec(ctx, query,
		entry.WorkflowID, entry.CronExpr, entry.Timezone, entry.Enabled, entry.NextFireAt,
		entry.LastDedupKey, entry.SkippedSlots, entry.DroppedFires, s.now(),
	)
	return err
}

func (s *Store) GetScheduleEntry(ctx context.Context, workflowID string) (*store.ScheduleEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT workflow_id, cron_expr, timezone, enabled, next_fire_at,
       last_dedup_key, skipped_slots, dropped_fires, updated_at
FROM %s WHERE workflow_id = $1
`, schedulesTable)
	entry, err := scanScheduleEntry(s.pool.QueryRow(ctx, query, workflowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *Store) ListScheduleEntries(ctx context.Context, enabledOnly bool) ([]*store.ScheduleEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT workflow_id, cron_expr, timezone, enabled, next_fire_at,
       last_dedup_key, skipped_slots, dropped_fires, updated_at
FROM %s
`, schedulesTable)
	if enabledOnly {
		query += " WHERE enabled"
	}
	query += " ORDER BY workflow_id"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ScheduleEntry
	for rows.Next() {
		entry, err := scanScheduleEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) DeleteScheduleEntry(ctx context.Context, workflowID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE workflow_id = $1`, schedulesTable), workflowID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AcquireSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	now := s.now()
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, owner_id, acquired_at, expires_at)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
    owner_id = EXCLUDED.owner_id,
    acquired_at = EXCLUDED.acquired_at,
    expires_at = EXCLUDED.expires_at
WHERE %[1]s.owner_id = EXCLUDED.owner_id OR %[1]s.expires_at <= EXCLUDED.acquired_at
`, leaseTable)
	ct, err := s.pool.Exec(ctx, query, ownerID, now, now.Add(ttl))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) RenewSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	now := s.now()
	query := fmt.Sprintf(`UPDATE %s SET expires_at = $3 WHERE id = 1 AND owner_id = $1 AND expires_at >= $2`, leaseTable)
	ct, err := s.pool.Exec(ctx, query, ownerID, now, now.Add(ttl))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) ReleaseSchedulerLease(ctx context.Context, ownerID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = 1 AND owner_id = $1`, leaseTable), ownerID)
	return err
}

func (s *Store) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (workflow_id, dedup_key, fired_at)
VALUES ($1, $2, $3)
ON CONFLICT (workflow_id, dedup_key) DO NOTHING
`, firesTable)
	ct, err := s.pool.Exec(ctx, query, workflowID, dedupKey, s.now())
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) ready() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mutateTaskStates loads an execution's task states under a row lock,
// applies fn and writes the result back.
func (s *Store) mutateTaskStates(ctx context.Context, executionID string, fn func(map[string]*store.TaskState) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT task_states FROM %s WHERE id = $1 FOR UPDATE`, executionsTable)
		var taskStatesJSON []byte
		if err := tx.QueryRow(ctx, query, executionID).Scan(&taskStatesJSON); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		states, err := decodeTaskStates(taskStatesJSON)
		if err != nil {
			return err
		}
		if err := fn(states); err != nil {
			return err
		}
		encoded, err := json.Marshal(states)
		if err != nil {
			return fmt.Errorf("encode task states: %w", err)
		}
		update := fmt.Sprintf(`UPDATE %s SET task_states = $2::jsonb, updated_at = $3 WHERE id = $1`, executionsTable)
		_, err = tx.Exec(ctx, update, executionID, encoded, s.now())
		return err
	})
}

const executionColumns = `id, workflow_id, workflow_version, status, origin, priority,
       input, meta, task_states, failure_digest, cancel_reason,
       created_at, started_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var (
		e              store.Execution
		inputJSON      []byte
		metaJSON       []byte
		taskStatesJSON []byte
		digestJSON     []byte
	)
	err := row.Scan(
		&e.ID, &e.WorkflowID, &e.WorkflowVersion, &e.Status, &e.Origin, &e.Priority,
		&inputJSON, &metaJSON, &taskStatesJSON, &digestJSON, &e.CancelReason,
		&e.CreatedAt, &e.StartedAt, &e.EndedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &e.Input); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	states, err := decodeTaskStates(taskStatesJSON)
	if err != nil {
		return nil, err
	}
	e.TaskStates = states
	if len(digestJSON) > 0 {
		var digest store.FailureDigest
		if err := json.Unmarshal(digestJSON, &digest); err != nil {
			return nil, fmt.Errorf("decode failure digest: %w", err)
		}
		e.FailureDigest = &digest
	}
	return &e, nil
}

func scanScheduleEntry(row rowScanner) (*store.ScheduleEntry, error) {
	var entry store.ScheduleEntry
	err := row.Scan(
		&entry.WorkflowID, &entry.CronExpr, &entry.Timezone, &entry.Enabled, &entry.NextFireAt,
		&entry.LastDedupKey, &entry.SkippedSlots, &entry.DroppedFires, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func decodeTaskStates(raw []byte) (map[string]*store.TaskState, error) {
	states := make(map[string]*store.TaskState)
	if len(raw) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("decode task states: %w", err)
	}
	if states == nil {
		states = make(map[string]*store.TaskState)
	}
	return states, nil
}

// digestJSON keeps NULL for absent digests so the column stays
// queryable with IS NULL.
func digestJSON(digest *store.FailureDigest) (any, error) {
	if digest == nil {
		return nil, nil
	}
	data, err := json.Marshal(digest)
	if err != nil {
		return nil, fmt.Errorf("encode failure digest: %w", err)
	}
	return data, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
