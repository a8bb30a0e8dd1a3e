package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"weaver/internal/errors"
)

type storedValue struct {
	value   interface{}
	version int
}

// storageAgent is an in-process key-value connector. It carries real
// lifecycle hooks: Initialize allocates the table, Cleanup drops it and
// refuses further calls.
type storageAgent struct {
	mu     sync.RWMutex
	table  map[string]storedValue
	closed bool
}

// NewStorageAgent returns the built-in storage descriptor.
func NewStorageAgent() Descriptor {
	return Descriptor{
		Type:        "storage",
		Name:        "Key-Value Storage",
		Description: "In-process key-value persistence for workflow artifacts",
		Idempotent:  true,
		Agent:       &storageAgent{},
		Actions: []Action{
			{
				Name:        "save",
				Description: "Store a value under a key, overwriting any previous version",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key":   map[string]interface{}{"type": "string", "minLength": 1},
						"value": map[string]interface{}{},
					},
					"required": []interface{}{"key", "value"},
				},
				Returns: "{key, saved, version}",
			},
			{
				Name:        "load",
				Description: "Fetch the value stored under a key",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key": map[string]interface{}{"type": "string", "minLength": 1},
					},
					"required": []interface{}{"key"},
				},
				Returns: "{key, value, found}",
			},
			{
				Name:        "delete",
				Description: "Remove a key",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"key": map[string]interface{}{"type": "string", "minLength": 1},
					},
					"required": []interface{}{"key"},
				},
				Returns: "{key, deleted}",
			},
			{
				Name:        "list",
				Description: "List keys, optionally filtered by prefix",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"prefix": map[string]interface{}{"type": "string"},
					},
				},
				Returns: "{keys, count}",
			},
		},
	}
}

func (a *storageAgent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.table == nil {
		a.table = make(map[string]storedValue)
	}
	a.closed = false
	return nil
}

func (a *storageAgent) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table = nil
	a.closed = true
	return nil
}

func (a *storageAgent) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, _ := params["key"].(string)

	switch action {
	case "save":
		return a.save(key, params["value"])
	case "load":
		return a.load(key)
	case "delete":
		return a.remove(key)
	case "list":
		prefix, _ := params["prefix"].(string)
		return a.list(prefix)
	default:
		return nil, errors.NewPermanentError(nil, fmt.Sprintf("storage: unknown action %q", action))
	}
}

func (a *storageAgent) save(key string, value interface{}) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(); err != nil {
		return nil, err
	}

	version := a.table[key].version + 1
	a.table[key] = storedValue{value: value, version: version}
	return map[string]interface{}{
		"key":     key,
		"saved":   true,
		"version": version,
	}, nil
}

func (a *storageAgent) load(key string) (interface{}, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkOpen(); err != nil {
		return nil, err
	}

	stored, found := a.table[key]
	out := map[string]interface{}{
		"key":   key,
		"found": found,
	}
	if found {
		out["value"] = stored.value
		out["version"] = stored.version
	}
	return out, nil
}

func (a *storageAgent) remove(key string) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOpen(); err != nil {
		return nil, err
	}

	_, found := a.table[key]
	delete(a.table, key)
	return map[string]interface{}{
		"key":     key,
		"deleted": found,
	}, nil
}

func (a *storageAgent) list(prefix string) (interface{}, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkOpen(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(a.table))
	for key := range a.table {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	}, nil
}

// checkOpen assumes the caller holds at least a read lock.
func (a *storageAgent) checkOpen() error {
	if a.closed || a.table == nil {
		return errors.NewPermanentError(nil, "storage: agent is closed")
	}
	return nil
}
