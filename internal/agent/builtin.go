package agent

import (
	"fmt"

	"weaver/internal/logging"
)

// Builtins returns the descriptors shipped with the orchestrator:
// http, transform, notify, and storage. Browser drivers, cloud SDK
// wrappers, and real notification transports are external collaborators
// registered by the embedding process.
func Builtins(logger logging.Logger) []Descriptor {
	return []Descriptor{
		NewHTTPAgent(nil),
		NewTransformAgent(),
		NewNotifyAgent(logger),
		NewStorageAgent(),
	}
}

// RegisterBuiltins installs every built-in descriptor into the registry.
func RegisterBuiltins(r *Registry, logger logging.Logger) error {
	for _, desc := range Builtins(logger) {
		if err := r.Register(desc); err != nil {
			return fmt.Errorf("register builtin %s: %w", desc.Type, err)
		}
	}
	return nil
}
