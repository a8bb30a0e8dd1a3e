// Package agent defines the capability contract that workflow tasks
// dispatch against, and the registry that routes (agentType, action)
// calls to registered implementations.
package agent

import (
	"context"
	"sort"
	"time"
)

// Agent executes actions on behalf of workflow tasks. Implementations
// must honor ctx cancellation promptly; the runtime enforces a hard
// deadline around every call regardless.
type Agent interface {
	Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error)
}

// Initializer is implemented by agents that need setup before first
// use. Initialization runs lazily on the first dispatch and eagerly on
// registry start, bounded by the registry hook timeout either way.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by agents that hold resources. Cleanup runs
// on registry stop for every agent that was initialized.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Action describes one operation an agent exposes.
type Action struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // JSON Schema; nil skips validation
	Returns     string                 `json:"returns,omitempty"`
}

// Descriptor registers an implementation under its agentType.
// Descriptors are immutable after registration.
type Descriptor struct {
	Type          string
	Name          string
	Description   string
	Actions       []Action
	Idempotent    bool // false suppresses task-level retries
	MaxConcurrent int  // in-flight call cap; 0 means unlimited
	Agent         Agent
}

// Action finds a declared action by name.
func (d *Descriptor) Action(name string) (Action, bool) {
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// Info is the read-only registry view of one agent, surfaced by the
// control API.
type Info struct {
	Type          string     `json:"type"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Actions       []string   `json:"actions"`
	Idempotent    bool       `json:"idempotent"`
	MaxConcurrent int        `json:"maxConcurrent,omitempty"`
	Initialized   bool       `json:"initialized"`
	InFlight      int64      `json:"inFlight"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
}

func infoFor(e *entry) Info {
	actions := make([]string, 0, len(e.desc.Actions))
	for _, a := range e.desc.Actions {
		actions = append(actions, a.Name)
	}
	sort.Strings(actions)

	info := Info{
		Type:          e.desc.Type,
		Name:          e.desc.Name,
		Description:   e.desc.Description,
		Actions:       actions,
		Idempotent:    e.desc.Idempotent,
		MaxConcurrent: e.desc.MaxConcurrent,
		Initialized:   e.initialized.Load(),
		InFlight:      e.inFlight.Load(),
	}
	if last := e.lastUsed(); !last.IsZero() {
		t := last
		info.LastUsedAt = &t
	}
	return info
}
