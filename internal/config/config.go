package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultWorkers                 = 4
	DefaultConcurrencyCap          = 8
	DefaultTaskTimeout             = 30 * time.Second
	DefaultWorkflowTimeout         = 1 * time.Hour
	DefaultQueueCapacity           = 256
	DefaultPlanCacheSize           = 128
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerOpenTimeout      = 60 * time.Second
	DefaultSchedulerTick           = 1 * time.Second
	DefaultLeaseTTL                = 15 * time.Second
	DefaultStoreBackend            = "memory"
	DefaultStoreDir                = "~/.weaver/state"
	DefaultMetricsAddr             = ":9090"
)

// Config captures the runtime settings shared across binaries.
type Config struct {
	// Runtime
	Workers            int           `json:"workers" yaml:"workers"`
	ConcurrencyCap     int           `json:"concurrency_cap" yaml:"concurrency_cap"`
	DefaultTaskTimeout time.Duration `json:"default_task_timeout" yaml:"default_task_timeout"`
	WorkflowTimeout    time.Duration `json:"workflow_timeout" yaml:"workflow_timeout"`
	QueueCapacity      int           `json:"queue_capacity" yaml:"queue_capacity"`
	PlanCacheSize      int           `json:"plan_cache_size" yaml:"plan_cache_size"`

	// Circuit breakers
	BreakerFailureThreshold int           `json:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `json:"breaker_open_timeout" yaml:"breaker_open_timeout"`

	// Scheduler
	SchedulerTick time.Duration `json:"scheduler_tick" yaml:"scheduler_tick"`
	LeaseTTL      time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
	NodeID        string        `json:"node_id" yaml:"node_id"`

	// Persistence
	Store StoreConfig `json:"store" yaml:"store"`

	// Observability
	LogLevel    string `json:"log_level" yaml:"log_level"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // memory | file | postgres | redis
	Dir           string `json:"dir" yaml:"dir"`
	PostgresDSN   string `json:"postgres_dsn" yaml:"postgres_dsn"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

// EnvLookup abstracts os.LookupEnv so tests can inject environments.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup EnvLookup
}

// WithEnv replaces the environment lookup used by Load.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// Default returns the baseline configuration before any file, env or
// flag overrides.
func Default() Config {
	return Config{
		Workers:                 DefaultWorkers,
		ConcurrencyCap:          DefaultConcurrencyCap,
		DefaultTaskTimeout:      DefaultTaskTimeout,
		WorkflowTimeout:         DefaultWorkflowTimeout,
		QueueCapacity:           DefaultQueueCapacity,
		PlanCacheSize:           DefaultPlanCacheSize,
		BreakerFailureThreshold: DefaultBreakerFailureThreshold,
		BreakerOpenTimeout:      DefaultBreakerOpenTimeout,
		SchedulerTick:           DefaultSchedulerTick,
		LeaseTTL:                DefaultLeaseTTL,
		Store: StoreConfig{
			Backend: DefaultStoreBackend,
			Dir:     DefaultStoreDir,
		},
		LogLevel:    "info",
		MetricsAddr: DefaultMetricsAddr,
	}
}

// Load builds a configuration from defaults plus environment overrides,
// normalized and validated. File and flag layering happens in the CLI
// before this package sees the values.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: DefaultEnvLookup}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()
	cfg.ApplyEnv(options.envLookup)
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays WEAVER_* environment variables onto the config.
// Duration variables accept either a Go duration string ("45s") or a
// bare integer of milliseconds.
func (c *Config) ApplyEnv(lookup EnvLookup) {
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	setInt := func(key string, dst *int) {
		if raw, ok := lookup(key); ok {
			if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
				*dst = v
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if raw, ok := lookup(key); ok {
			if v, err := parseDuration(raw); err == nil {
				*dst = v
			}
		}
	}
	setString := func(key string, dst *string) {
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			*dst = strings.TrimSpace(raw)
		}
	}

	setInt("WEAVER_WORKERS", &c.Workers)
	setInt("WEAVER_CONCURRENCY_CAP", &c.ConcurrencyCap)
	setDuration("WEAVER_TASK_TIMEOUT", &c.DefaultTaskTimeout)
	setDuration("WEAVER_WORKFLOW_TIMEOUT", &c.WorkflowTimeout)
	setInt("WEAVER_QUEUE_CAPACITY", &c.QueueCapacity)
	setInt("WEAVER_PLAN_CACHE_SIZE", &c.PlanCacheSize)

	setInt("WEAVER_BREAKER_FAILURE_THRESHOLD", &c.BreakerFailureThreshold)
	setDuration("WEAVER_BREAKER_OPEN_TIMEOUT", &c.BreakerOpenTimeout)

	setDuration("WEAVER_SCHEDULER_TICK", &c.SchedulerTick)
	setDuration("WEAVER_LEASE_TTL", &c.LeaseTTL)
	setString("WEAVER_NODE_ID", &c.NodeID)

	setString("WEAVER_STORE_BACKEND", &c.Store.Backend)
	setString("WEAVER_STORE_DIR", &c.Store.Dir)
	setString("WEAVER_POSTGRES_DSN", &c.Store.PostgresDSN)
	setString("WEAVER_REDIS_ADDR", &c.Store.RedisAddr)
	setString("WEAVER_REDIS_PASSWORD", &c.Store.RedisPassword)
	setInt("WEAVER_REDIS_DB", &c.Store.RedisDB)

	setString("WEAVER_LOG_LEVEL", &c.LogLevel)
	setString("WEAVER_METRICS_ADDR", &c.MetricsAddr)
}

// Normalized clamps out-of-range values back to defaults and fills
// computed fields like the node identity.
func (c Config) Normalized() Config {
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.ConcurrencyCap < 1 {
		c.ConcurrencyCap = DefaultConcurrencyCap
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = DefaultTaskTimeout
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = DefaultWorkflowTimeout
	}
	if c.QueueCapacity < 1 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.PlanCacheSize < 1 {
		c.PlanCacheSize = DefaultPlanCacheSize
	}
	if c.BreakerFailureThreshold < 1 {
		c.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = DefaultBreakerOpenTimeout
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = DefaultSchedulerTick
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.NodeID == "" {
		c.NodeID = GenerateNodeID()
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultStoreBackend
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return c
}

// Validate rejects configurations the runtime cannot operate with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "file":
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("store backend %q requires a postgres DSN", c.Store.Backend)
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return fmt.Errorf("store backend %q requires a redis address", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q (want memory, file, postgres or redis)", c.Store.Backend)
	}

	// The lease must comfortably outlive a tick, otherwise a healthy
	// scheduler loses its own lease between renewals.
	if c.LeaseTTL < 3*c.SchedulerTick {
		return fmt.Errorf("lease TTL %v must be at least 3x the scheduler tick %v", c.LeaseTTL, c.SchedulerTick)
	}

	return nil
}

// GenerateNodeID builds a stable-enough identity for scheduler leases:
// the hostname plus a random suffix so two processes on one machine
// never collide.
func GenerateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "weaver"
	}
	return host + "-" + uuid.NewString()[:8]
}

// parseDuration accepts "45s"-style duration strings or bare integers
// interpreted as milliseconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ExpandHome resolves a leading ~ in paths like the default store dir.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + strings.TrimPrefix(path, "~")
		}
	}
	return path
}
