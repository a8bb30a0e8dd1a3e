package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"weaver/internal/config"
	"weaver/internal/store"
)

func TestParseInputValues(t *testing.T) {
	input, err := parseInputValues(
		[]string{"url=https://example.com", "threshold=42", "dryRun=true", `filters=["a","b"]`},
		`{"base":"from-json","threshold":1}`,
	)
	if err != nil {
		t.Fatalf("parseInputValues: %v", err)
	}

	want := map[string]interface{}{
		"base":      "from-json",
		"url":       "https://example.com",
		"threshold": float64(42), // pair overrides the JSON object
		"dryRun":    true,
		"filters":   []interface{}{"a", "b"},
	}
	if !reflect.DeepEqual(input, want) {
		t.Fatalf("input mismatch:\n got %#v\nwant %#v", input, want)
	}
}

func TestParseInputValuesEmpty(t *testing.T) {
	input, err := parseInputValues(nil, "")
	if err != nil {
		t.Fatalf("parseInputValues: %v", err)
	}
	if input != nil {
		t.Fatalf("expected nil input, got %#v", input)
	}
}

func TestParseInputValuesErrors(t *testing.T) {
	if _, err := parseInputValues([]string{"no-equals"}, ""); err == nil {
		t.Fatal("expected error for pair without =")
	}
	if _, err := parseInputValues([]string{"=value"}, ""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := parseInputValues(nil, "{not json"); err == nil {
		t.Fatal("expected error for invalid JSON object")
	}
}

func TestOrderedTaskNames(t *testing.T) {
	at := func(offset time.Duration) *time.Time {
		ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(offset)
		return &ts
	}
	states := map[string]*store.TaskState{
		"third":       {Name: "third", StartedAt: at(2 * time.Second)},
		"first":       {Name: "first", StartedAt: at(0)},
		"second":      {Name: "second", StartedAt: at(time.Second)},
		"never-ran-b": {Name: "never-ran-b"},
		"never-ran-a": {Name: "never-ran-a"},
	}

	got := orderedTaskNames(states)
	want := []string{"first", "second", "third", "never-ran-a", "never-ran-b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order mismatch: got %v, want %v", got, want)
	}
}

func TestStoreTarget(t *testing.T) {
	cfg := config.Default()
	if got := storeTarget(cfg); got != "in-memory" {
		t.Fatalf("memory target: got %q", got)
	}

	cfg.Store.Backend = "postgres"
	cfg.Store.PostgresDSN = "postgres://weaver:s3cret@db:5432/weaver"
	got := storeTarget(cfg)
	if got != "postgres postgres://weaver:***@db:5432/weaver" {
		t.Fatalf("postgres target leaked or malformed: %q", got)
	}

	cfg.Store.Backend = "redis"
	cfg.Store.RedisAddr = "localhost:6379"
	cfg.Store.RedisDB = 2
	if got := storeTarget(cfg); got != "redis localhost:6379/2" {
		t.Fatalf("redis target: got %q", got)
	}
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	st, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if st == nil {
		t.Fatal("nil memory store")
	}

	cfg.Store.Backend = "file"
	cfg.Store.Dir = t.TempDir()
	st, err = openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close file store: %v", err)
	}

	cfg.Store.Backend = "etcd"
	if _, err := openStore(ctx, cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	writeFile(t, good, `
id: nightly-report
name: Nightly Report
trigger:
  type: cron
  cronExpr: "0 2 * * *"
tasks:
  - name: fetch
    agentType: http
    action: request
    parameters:
      url: https://example.com/data
  - name: save
    agentType: storage
    action: save
    parameters:
      key: reports/latest
      value: ${tasks.fetch.body}
`)
	if !validateFile(good) {
		t.Fatal("expected valid definition to pass")
	}

	cyclic := filepath.Join(dir, "cyclic.yaml")
	writeFile(t, cyclic, `
id: loop
name: Loop
tasks:
  - name: a
    agentType: http
    action: request
    dependsOn: [b]
    parameters: {url: "https://example.com"}
  - name: b
    agentType: http
    action: request
    dependsOn: [a]
    parameters: {url: "https://example.com"}
`)
	if validateFile(cyclic) {
		t.Fatal("expected cyclic definition to fail")
	}

	badCron := filepath.Join(dir, "badcron.yaml")
	writeFile(t, badCron, `
id: bad-cron
name: Bad Cron
trigger:
  type: cron
  cronExpr: "not a cron"
tasks:
  - name: fetch
    agentType: http
    action: request
    parameters: {url: "https://example.com"}
`)
	if validateFile(badCron) {
		t.Fatal("expected bad cron expression to fail")
	}

	if validateFile(filepath.Join(dir, "missing.yaml")) {
		t.Fatal("expected missing file to fail")
	}
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()

	want := map[string]bool{
		"serve": false, "run": false, "validate": false,
		"templates": false, "agents": false, "version": false,
	}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
