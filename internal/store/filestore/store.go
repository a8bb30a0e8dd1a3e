// Package filestore persists workflows, executions, schedule entries,
// fire records and the scheduler lease as JSON files under one root
// directory. It serves single-node deployments that want durability
// across restarts without running a database.
package filestore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"weaver/internal/logging"
	"weaver/internal/store"
	"weaver/internal/workflow"
)

const (
	workflowsDir  = "workflows"
	executionsDir = "executions"
	schedulesDir  = "schedules"
	firesDir      = "fires"
	leaseFile     = "scheduler_lease.json"
)

// segmentPattern restricts ids that become path segments.
var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Store is the JSON-file backend. One lock serializes read-modify-write
// cycles, and every record is replaced through a rename so a crash
// mid-write never leaves a half-written file behind.
type Store struct {
	mu     sync.RWMutex
	root   string
	logger logging.Logger

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a file store rooted at baseDir. A leading ~/
// resolves against the current user's home directory.
func New(baseDir string) (*Store, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	s := &Store{
		root:   baseDir,
		logger: logging.NewComponentLogger("FileStore"),
		now:    time.Now,
	}
	if err := s.ensureDirs(); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the record directories. Safe to call repeatedly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ensureDirs()
}

// Close is a no-op for the file backend.
func (s *Store) Close() error { return nil }

func (s *Store) ensureDirs() error {
	for _, dir := range []string{workflowsDir, executionsDir, schedulesDir, firesDir} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !segmentPattern.MatchString(w.ID) {
		return fmt.Errorf("workflow id %q cannot be used as a file name", w.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.workflowDir(w.ID), 0o755); err != nil {
		return err
	}
	return createJSON(s.workflowPath(w.ID, w.Version), w)
}

func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !segmentPattern.MatchString(id) {
		return nil, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version <= 0 {
		latest, err := s.latestVersionLocked(id)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	var w workflow.Workflow
	if err := readJSON(s.workflowPath(id, version), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(filepath.Join(s.root, workflowsDir))
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.Workflow, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		latest, err := s.latestVersionLocked(entry.Name())
		if stderrors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var w workflow.Workflow
		if err := readJSON(s.workflowPath(entry.Name(), latest), &w); err != nil {
			// One corrupt record must not hide every other workflow.
			s.logger.Warn("Skipping unreadable workflow %s v%d: %v", entry.Name(), latest, err)
			continue
		}
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !segmentPattern.MatchString(id) {
		return store.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.workflowDir(id)); err != nil {
		if os.IsNotExist(err) {
			return store.ErrNotFound
		}
		return err
	}
	executions, err := s.readExecutionsLocked()
	if err != nil {
		return err
	}
	for _, e := range executions {
		if e.WorkflowID == id && !e.Status.IsTerminal() {
			return store.ErrWorkflowInUse
		}
	}
	return os.RemoveAll(s.workflowDir(id))
}

func (s *Store) CreateExecution(ctx context.Context, e *store.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !segmentPattern.MatchString(e.ID) {
		return fmt.Errorf("execution id %q cannot be used as a file name", e.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = s.now()
	if c.TaskStates == nil {
		c.TaskStates = make(map[string]*store.TaskState)
	}
	return createJSON(s.executionPath(e.ID), c)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readExecutionLocked(id)
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, status store.ExecutionStatus, updates ...store.ExecutionUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.readExecutionLocked(id)
	if err != nil {
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
	return writeJSON(s.executionPath(id), e)
}

func (s *Store) ListExecutions(ctx context.Context, workflowID string, statuses ...store.ExecutionStatus) ([]*store.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.readExecutionsLocked()
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
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.readExecutionLocked(executionID)
	if err != nil {
		return err
	}
	if existing, ok := e.TaskStates[state.Name]; ok && existing.Status.IsTerminal() {
		return store.ErrTerminalTaskState
	}
	c := state.Clone()
	c.UpdatedAt = s.now()
	e.TaskStates[state.Name] = c
	e.UpdatedAt = s.now()
	return writeJSON(s.executionPath(executionID), e)
}

func (s *Store) MarkTaskRecovered(ctx context.Context, executionID, taskName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.readExecutionLocked(executionID)
	if err != nil {
		return err
	}
	ts, ok := e.TaskStates[taskName]
	if !ok {
		return store.ErrNotFound
	}
	ts.Recovered = true
	ts.UpdatedAt = s.now()
	e.UpdatedAt = s.now()
	return writeJSON(s.executionPath(executionID), e)
}

func (s *Store) ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.readExecutionLocked(executionID)
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
	if err := ctx.Err(); err != nil {
		return err
	}
	if !segmentPattern.MatchString(entry.WorkflowID) {
		return fmt.Errorf("workflow id %q cannot be used as a file name", entry.WorkflowID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := entry.Clone()
	c.UpdatedAt = s.now()
	return writeJSON(s.schedulePath(entry.WorkflowID), c)
}

func (s *Store) GetScheduleEntry(ctx context.Context, workflowID string) (*store.ScheduleEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !segmentPattern.MatchString(workflowID) {
		return nil, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entry store.ScheduleEntry
	if err := readJSON(s.schedulePath(workflowID), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) ListScheduleEntries(ctx context.Context, enabledOnly bool) ([]*store.ScheduleEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, err := os.ReadDir(filepath.Join(s.root, schedulesDir))
	if err != nil {
		return nil, err
	}
	out := make([]*store.ScheduleEntry, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		var entry store.ScheduleEntry
		if err := readJSON(filepath.Join(s.root, schedulesDir, file.Name()), &entry); err != nil {
			s.logger.Warn("Skipping unreadable schedule entry %s: %v", file.Name(), err)
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
	if err := ctx.Err(); err != nil {
		return err
	}
	if !segmentPattern.MatchString(workflowID) {
		return store.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.schedulePath(workflowID))
	if os.IsNotExist(err) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) AcquireSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	lease, err := s.readLeaseLocked()
	if err != nil {
		return false, err
	}
	if lease != nil && lease.OwnerID != ownerID && now.Before(lease.ExpiresAt) {
		return false, nil
	}
	next := &store.SchedulerLease{OwnerID: ownerID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if err := writeJSON(s.leasePath(), next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RenewSchedulerLease(ctx context.Context, ownerID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	lease, err := s.readLeaseLocked()
	if err != nil {
		return false, err
	}
	if lease == nil || lease.OwnerID != ownerID || now.After(lease.ExpiresAt) {
		return false, nil
	}
	lease.ExpiresAt = now.Add(ttl)
	if err := writeJSON(s.leasePath(), lease); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ReleaseSchedulerLease(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, err := s.readLeaseLocked()
	if err != nil {
		return err
	}
	if lease == nil || lease.OwnerID != ownerID {
		return nil
	}
	err = os.Remove(s.leasePath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !segmentPattern.MatchString(workflowID) {
		return false, fmt.Errorf("workflow id %q cannot be used as a file name", workflowID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, firesDir, workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	record := fireRecord{WorkflowID: workflowID, DedupKey: dedupKey, FiredAt: s.now()}
	err := createJSON(s.firePath(workflowID, dedupKey), record)
	if stderrors.Is(err, store.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type fireRecord struct {
	WorkflowID string    `json:"workflowId"`
	DedupKey   string    `json:"dedupKey"`
	FiredAt    time.Time `json:"firedAt"`
}

func (s *Store) workflowDir(id string) string {
	return filepath.Join(s.root, workflowsDir, id)
}

func (s *Store) workflowPath(id string, version int) string {
	return filepath.Join(s.workflowDir(id), fmt.Sprintf("v%d.json", version))
}

func (s *Store) executionPath(id string) string {
	return filepath.Join(s.root, executionsDir, id+".json")
}

func (s *Store) schedulePath(workflowID string) string {
	return filepath.Join(s.root, schedulesDir, workflowID+".json")
}

func (s *Store) firePath(workflowID, dedupKey string) string {
	return filepath.Join(s.root, firesDir, workflowID, sanitizeKey(dedupKey)+".json")
}

func (s *Store) leasePath() string {
	return filepath.Join(s.root, leaseFile)
}

func (s *Store) latestVersionLocked(id string) (int, error) {
	entries, err := os.ReadDir(s.workflowDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	latest := 0
	for _, entry := range entries {
		if v, ok := parseVersionFile(entry.Name()); ok && v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) readExecutionLocked(id string) (*store.Execution, error) {
	if !segmentPattern.MatchString(id) {
		return nil, store.ErrNotFound
	}
	var e store.Execution
	if err := readJSON(s.executionPath(id), &e); err != nil {
		return nil, err
	}
	if e.TaskStates == nil {
		e.TaskStates = make(map[string]*store.TaskState)
	}
	return &e, nil
}

func (s *Store) readExecutionsLocked() ([]*store.Execution, error) {
	files, err := os.ReadDir(filepath.Join(s.root, executionsDir))
	if err != nil {
		return nil, err
	}
	out := make([]*store.Execution, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		var e store.Execution
		if err := readJSON(filepath.Join(s.root, executionsDir, file.Name()), &e); err != nil {
			// Crash recovery scans every execution; one corrupt file
			// must not block the rest from being recovered.
			s.logger.Warn("Skipping unreadable execution %s: %v", file.Name(), err)
			continue
		}
		if e.TaskStates == nil {
			e.TaskStates = make(map[string]*store.TaskState)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) readLeaseLocked() (*store.SchedulerLease, error) {
	var lease store.SchedulerLease
	err := readJSON(s.leasePath(), &lease)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// createJSON writes a record exclusively, refusing to overwrite.
func createJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return store.ErrExists
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// writeJSON replaces a record through a temp file and rename.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".weaver-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func parseVersionFile(name string) (int, bool) {
	if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func sanitizeKey(key string) string {
	return unsafeKeyChars.ReplaceAllString(key, "-")
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
