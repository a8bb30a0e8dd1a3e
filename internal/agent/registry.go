package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"weaver/internal/errors"
	"weaver/internal/logging"
)

// DefaultHookTimeout bounds initialize/cleanup hooks so one slow agent
// cannot stall the registry lifecycle.
const DefaultHookTimeout = 30 * time.Second

// ErrDuplicateAgent is returned when a type is registered twice.
var ErrDuplicateAgent = stderrors.New("agent type already registered")

type entry struct {
	desc        Descriptor
	schemas     map[string]*jsonschema.Schema
	sem         *semaphore.Weighted // nil when unlimited
	hookTimeout time.Duration
	logger      logging.Logger

	initMu      sync.Mutex
	initialized atomic.Bool

	mu   sync.Mutex
	last time.Time

	inFlight atomic.Int64
}

// Registry routes (agentType, action) calls to registered agents.
// Descriptors are immutable once registered; per-call state lives in
// the entry, so resolution is cheap under a read lock.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]*entry
	logger      logging.Logger
	hookTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		agents:      make(map[string]*entry),
		logger:      logging.OrNop(logger),
		hookTimeout: DefaultHookTimeout,
	}
}

// Register adds an agent under its descriptor type. Action parameter
// schemas are compiled here so dispatch never pays compilation cost and
// malformed schemas surface at startup.
func (r *Registry) Register(desc Descriptor) error {
	if strings.TrimSpace(desc.Type) == "" {
		return fmt.Errorf("agent type is required")
	}
	if desc.Agent == nil {
		return fmt.Errorf("agent %s: implementation is required", desc.Type)
	}
	if len(desc.Actions) == 0 {
		return fmt.Errorf("agent %s: at least one action is required", desc.Type)
	}
	if desc.Name == "" {
		desc.Name = desc.Type
	}

	schemas := make(map[string]*jsonschema.Schema, len(desc.Actions))
	seen := make(map[string]struct{}, len(desc.Actions))
	for _, action := range desc.Actions {
		if strings.TrimSpace(action.Name) == "" {
			return fmt.Errorf("agent %s: action name is required", desc.Type)
		}
		if _, dup := seen[action.Name]; dup {
			return fmt.Errorf("agent %s: duplicate action %q", desc.Type, action.Name)
		}
		seen[action.Name] = struct{}{}

		if action.Parameters == nil {
			continue
		}
		schema, err := compileSchema(desc.Type, action.Name, action.Parameters)
		if err != nil {
			return err
		}
		schemas[action.Name] = schema
	}

	e := &entry{
		desc:        desc,
		schemas:     schemas,
		hookTimeout: r.hookTimeout,
		logger:      r.logger,
	}
	if desc.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(desc.MaxConcurrent))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[desc.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, desc.Type)
	}
	r.agents[desc.Type] = e
	r.logger.Debug("registered agent %s (%d actions, maxConcurrent=%d, idempotent=%v)",
		desc.Type, len(desc.Actions), desc.MaxConcurrent, desc.Idempotent)
	return nil
}

// Resolve returns a validated callable for (agentType, action), or an
// AgentNotFound error when either is unknown.
func (r *Registry) Resolve(agentType, action string) (*Invocation, error) {
	r.mu.RLock()
	e, ok := r.agents[agentType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.KindAgentNotFound, "no agent registered for type %q", agentType)
	}
	act, ok := e.desc.Action(action)
	if !ok {
		return nil, errors.New(errors.KindAgentNotFound, "agent %q has no action %q", agentType, action)
	}
	return &Invocation{
		AgentType:  agentType,
		Action:     act,
		Idempotent: e.desc.Idempotent,
		entry:      e,
	}, nil
}

// List returns the registered agents sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.agents))
	for _, e := range r.agents {
		infos = append(infos, infoFor(e))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Len reports how many agent types are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Start eagerly initializes every registered agent in parallel. Hook
// failures and timeouts are logged, never propagated: a broken agent
// fails its own dispatches, not the whole registry.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.ensureInitialized(ctx); err != nil {
				r.logger.Warn("agent %s initialize failed: %v", e.desc.Type, err)
			}
		}(e)
	}
	wg.Wait()
}

// Stop runs cleanup on every initialized agent in parallel, each
// bounded by the hook timeout. Best-effort: failures are logged.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		cleaner, ok := e.desc.Agent.(Cleaner)
		if !ok || !e.initialized.Load() {
			continue
		}
		wg.Add(1)
		go func(e *entry, cleaner Cleaner) {
			defer wg.Done()
			hctx, cancel := context.WithTimeout(ctx, e.hookTimeout)
			defer cancel()
			if err := cleaner.Cleanup(hctx); err != nil {
				r.logger.Warn("agent %s cleanup failed: %v", e.desc.Type, err)
			}
		}(e, cleaner)
	}
	wg.Wait()
}

// Invocation is a resolved (agentType, action) pair bound to its agent.
// Invoke validates parameters, applies the concurrency cap, and
// classifies failures into structured error kinds.
type Invocation struct {
	AgentType  string
	Action     Action
	Idempotent bool
	entry      *entry
}

// Invoke runs the agent action. The context carries the caller's
// deadline; the agent sees it directly so cancellation is cooperative.
func (inv *Invocation) Invoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	e := inv.entry

	if schema := e.schemas[inv.Action.Name]; schema != nil {
		if err := validateParams(schema, params); err != nil {
			return nil, errors.New(errors.KindValidation,
				"invalid parameters for %s/%s: %v", inv.AgentType, inv.Action.Name, err)
		}
	}

	if err := e.ensureInitialized(ctx); err != nil {
		return nil, errors.Classify(err)
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.Classify(err)
		}
		defer e.sem.Release(1)
	}

	e.touch()
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	out, err := e.desc.Agent.Execute(ctx, inv.Action.Name, params)
	if err != nil {
		return nil, errors.Classify(err)
	}
	return out, nil
}

// ensureInitialized runs the Initialize hook once, bounded by the hook
// timeout. A failed initialization is retried on the next call rather
// than poisoning the agent forever.
func (e *entry) ensureInitialized(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	init, ok := e.desc.Agent.(Initializer)
	if !ok {
		e.initialized.Store(true)
		return nil
	}

	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.initialized.Load() {
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, e.hookTimeout)
	defer cancel()
	if err := init.Initialize(hctx); err != nil {
		return fmt.Errorf("initialize agent %s: %w", e.desc.Type, err)
	}
	e.initialized.Store(true)
	e.logger.Debug("agent %s initialized", e.desc.Type)
	return nil
}

func (e *entry) touch() {
	e.mu.Lock()
	e.last = time.Now()
	e.mu.Unlock()
}

func (e *entry) lastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// compileSchema normalizes an authored schema through a JSON round-trip
// and compiles it once at registration.
func compileSchema(agentType, action string, doc map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("agent %s/%s: marshal schema: %w", agentType, action, err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("agent %s/%s: unmarshal schema: %w", agentType, action, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", normalized); err != nil {
		return nil, fmt.Errorf("agent %s/%s: add schema resource: %w", agentType, action, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("agent %s/%s: compile schema: %w", agentType, action, err)
	}
	return schema, nil
}

// validateParams checks resolved parameters against the action schema.
// Values are round-tripped through JSON so resolver-produced Go types
// (int, []string, structs) validate the same as decoded JSON.
func validateParams(schema *jsonschema.Schema, params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("unmarshal parameters: %w", err)
	}
	return schema.Validate(normalized)
}
