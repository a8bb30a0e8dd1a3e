package config

import (
	"strings"
	"testing"
	"time"
)

func envFromMap(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithEnv(envFromMap(nil)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.ConcurrencyCap != 8 {
		t.Errorf("ConcurrencyCap = %d, want 8", cfg.ConcurrencyCap)
	}
	if cfg.DefaultTaskTimeout != 30*time.Second {
		t.Errorf("DefaultTaskTimeout = %v, want 30s", cfg.DefaultTaskTimeout)
	}
	if cfg.WorkflowTimeout != time.Hour {
		t.Errorf("WorkflowTimeout = %v, want 1h", cfg.WorkflowTimeout)
	}
	if cfg.SchedulerTick != time.Second {
		t.Errorf("SchedulerTick = %v, want 1s", cfg.SchedulerTick)
	}
	if cfg.BreakerFailureThreshold != 5 || cfg.BreakerOpenTimeout != 60*time.Second {
		t.Errorf("breaker defaults = %d/%v, want 5/60s", cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.NodeID == "" {
		t.Error("NodeID should be generated when unset")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := envFromMap(map[string]string{
		"WEAVER_WORKERS":         "6",
		"WEAVER_CONCURRENCY_CAP": "16",
		"WEAVER_TASK_TIMEOUT":    "45s",
		"WEAVER_SCHEDULER_TICK":  "250",
		"WEAVER_STORE_BACKEND":   "redis",
		"WEAVER_REDIS_ADDR":      "localhost:6379",
		"WEAVER_NODE_ID":         "node-a",
		"WEAVER_LOG_LEVEL":       "DEBUG",
	})

	cfg, err := Load(WithEnv(env))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workers != 6 {
		t.Errorf("Workers = %d, want 6", cfg.Workers)
	}
	if cfg.ConcurrencyCap != 16 {
		t.Errorf("ConcurrencyCap = %d, want 16", cfg.ConcurrencyCap)
	}
	if cfg.DefaultTaskTimeout != 45*time.Second {
		t.Errorf("DefaultTaskTimeout = %v, want 45s", cfg.DefaultTaskTimeout)
	}
	if cfg.SchedulerTick != 250*time.Millisecond {
		t.Errorf("bare integer env should parse as milliseconds, got %v", cfg.SchedulerTick)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisAddr != "localhost:6379" {
		t.Errorf("store override = %q/%q", cfg.Store.Backend, cfg.Store.RedisAddr)
	}
	if cfg.NodeID != "node-a" {
		t.Errorf("NodeID = %q, want node-a", cfg.NodeID)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel should normalize to lowercase, got %q", cfg.LogLevel)
	}
}

func TestApplyEnvIgnoresGarbage(t *testing.T) {
	env := envFromMap(map[string]string{
		"WEAVER_CONCURRENCY_CAP": "not-a-number",
		"WEAVER_TASK_TIMEOUT":    "soon",
	})

	cfg := Default()
	cfg.ApplyEnv(env)

	if cfg.ConcurrencyCap != DefaultConcurrencyCap {
		t.Errorf("garbage int override changed value to %d", cfg.ConcurrencyCap)
	}
	if cfg.DefaultTaskTimeout != DefaultTaskTimeout {
		t.Errorf("garbage duration override changed value to %v", cfg.DefaultTaskTimeout)
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	cfg := Default().Normalized()

	cfg.Store.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("postgres backend without DSN should fail validation")
	}
	cfg.Store.PostgresDSN = "postgres://weaver@localhost/weaver"
	if err := cfg.Validate(); err != nil {
		t.Errorf("postgres backend with DSN failed: %v", err)
	}

	cfg.Store.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("redis backend without address should fail validation")
	}

	cfg.Store.Backend = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend should fail validation")
	}
}

func TestValidateLeaseOutlivesTick(t *testing.T) {
	cfg := Default().Normalized()
	cfg.SchedulerTick = 10 * time.Second
	cfg.LeaseTTL = 15 * time.Second

	if err := cfg.Validate(); err == nil {
		t.Error("lease TTL under 3x the tick should fail validation")
	}
}

func TestNormalizedClampsValues(t *testing.T) {
	cfg := Config{
		ConcurrencyCap: -1,
		QueueCapacity:  0,
		Store:          StoreConfig{Backend: "  FILE  "},
	}.Normalized()

	if cfg.ConcurrencyCap != DefaultConcurrencyCap {
		t.Errorf("ConcurrencyCap = %d, want default", cfg.ConcurrencyCap)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("QueueCapacity = %d, want default", cfg.QueueCapacity)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("Backend not trimmed/lowered: %q", cfg.Store.Backend)
	}
}

func TestGenerateNodeIDUnique(t *testing.T) {
	a := GenerateNodeID()
	b := GenerateNodeID()
	if a == b {
		t.Errorf("node ids should differ: %q", a)
	}
	if strings.Contains(a, " ") {
		t.Errorf("node id contains whitespace: %q", a)
	}
}
