package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a workflow definition from YAML (or JSON, which YAML
// subsumes) and applies defaults. The result is parsed, not validated;
// callers run Validate/BuildPlan before accepting it.
func Parse(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	applyParseDefaults(&w)
	return &w, nil
}

// ParseFile reads and parses a workflow definition file.
func ParseFile(path string) (*Workflow, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("workflow definition path is required")
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("unsupported workflow definition extension %q", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return Parse(data)
}

func applyParseDefaults(w *Workflow) {
	if w.Trigger.Type == "" {
		w.Trigger.Type = TriggerManual
	}
	if w.Trigger.Type == TriggerCron && w.Trigger.Timezone == "" {
		w.Trigger.Timezone = "UTC"
	}
	if w.Version == 0 {
		w.Version = 1
	}
	if w.Name == "" {
		w.Name = w.ID
	}
}

// Encode renders a workflow back to YAML, used by the CLI template
// export.
func Encode(w *Workflow) ([]byte, error) {
	data, err := yaml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode workflow definition: %w", err)
	}
	return data, nil
}
