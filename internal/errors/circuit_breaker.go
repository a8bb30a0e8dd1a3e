package errors

import (
	"context"
	"sort"
	"sync"
	"time"

	"weaver/internal/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, requests pass through
	StateClosed CircuitState = iota
	// StateOpen - breaker tripped, requests are rejected
	StateOpen
	// StateHalfOpen - recovery trial, a single probe is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "halfOpen"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior
type BreakerConfig struct {
	FailureThreshold int           // Consecutive infrastructure failures before opening (default: 5)
	OpenTimeout      time.Duration // How long to stay open before allowing a probe (default: 60s)
	OnStateChange    func(key string, from, to CircuitState)
	Logger           logging.Logger
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	return c
}

// CircuitBreaker guards one (agentType, action) pair. Only
// infrastructure failures - timeouts and transient agent errors - count
// against the threshold; a permanent agent error means the agent is
// reachable and working, just unhappy with the request.
//
// State machine:
//   - closed: failures increment a consecutive counter, any success
//     resets it; counter reaching the threshold opens the breaker
//   - open: every call is rejected with CircuitOpen until OpenTimeout
//     has elapsed since the breaker opened
//   - halfOpen: exactly one probe may proceed; probe success closes the
//     breaker, probe failure re-opens it for another full OpenTimeout
type CircuitBreaker struct {
	key    string
	config BreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu            sync.RWMutex
	state         CircuitState
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool
}

// NewCircuitBreaker creates a circuit breaker for the given key.
func NewCircuitBreaker(key string, config BreakerConfig) *CircuitBreaker {
	cfg := config.normalized()
	return &CircuitBreaker{
		key:    key,
		config: cfg,
		logger: logging.OrNop(cfg.Logger),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Key returns the (agentType, action) key this breaker guards.
func (cb *CircuitBreaker) Key() string {
	return cb.key
}

// Allow reports whether a request may proceed right now. In the open
// state it returns a CircuitOpen error; once OpenTimeout has elapsed it
// transitions to halfOpen and admits the caller as the probe. Every
// admitted caller must report its outcome via Mark.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			return New(KindCircuitOpen, "circuit %s is open", cb.key)
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil

	case StateHalfOpen:
		if cb.probing {
			return New(KindCircuitOpen, "circuit %s is half-open with a probe in flight", cb.key)
		}
		cb.probing = true
		return nil
	}

	return nil
}

// Mark records the outcome of a request previously admitted by Allow.
// A nil error or a non-infrastructure failure counts as success.
func (cb *CircuitBreaker) Mark(err error) {
	failed := isInfraFailure(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failureCount = 0
			return
		}
		cb.failureCount++
		cb.lastFailureAt = cb.now()
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		cb.probing = false
		if failed {
			cb.lastFailureAt = cb.now()
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
			return
		}
		cb.failureCount = 0
		cb.setState(StateClosed)

	case StateOpen:
		// Late report from a request admitted before the trip.
		if failed {
			cb.lastFailureAt = cb.now()
		}
	}
}

// Execute runs fn under the breaker: rejected immediately when open,
// outcome reported when admitted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

// ExecuteWithBreaker runs a function returning a result under a breaker.
func ExecuteWithBreaker[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.Allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	cb.Mark(err)
	return result, err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// BreakerSnapshot is a point-in-time view of one breaker, shaped for
// status responses.
type BreakerSnapshot struct {
	Key           string     `json:"key"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failureCount"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt      *time.Time `json:"openedAt,omitempty"`
}

// Snapshot returns the breaker's current state for reporting.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	snap := BreakerSnapshot{
		Key:          cb.key,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
	}
	if !cb.lastFailureAt.IsZero() {
		t := cb.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !cb.openedAt.IsZero() {
		t := cb.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// Reset returns the breaker to closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.probing = false
	cb.lastFailureAt = time.Time{}
	cb.openedAt = time.Time{}
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// setState transitions the breaker. Caller must hold cb.mu.
func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.logger.Info("circuit %s: %s -> %s (failures=%d)", cb.key, from, to, cb.failureCount)

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.key, from, to)
	}
}

// isInfraFailure reports whether err should count against the breaker.
func isInfraFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTimeout, KindTransientAgent:
		return true
	}
	return false
}

// BreakerManager owns one breaker per (agentType, action) pair. Breakers
// are shared by every execution in the runtime, so an agent misbehaving
// in one workflow protects all the others.
type BreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	logger   logging.Logger
	now      func() time.Time
}

// NewBreakerManager creates a manager that stamps config onto every
// breaker it creates.
func NewBreakerManager(config BreakerConfig) *BreakerManager {
	cfg := config.normalized()
	return &BreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
		logger:   logging.OrNop(cfg.Logger),
		now:      time.Now,
	}
}

// BreakerKey builds the canonical map key for an agent dispatch target.
func BreakerKey(agentType, action string) string {
	return agentType + "/" + action
}

// Get returns the breaker for (agentType, action), creating it on first
// use.
func (m *BreakerManager) Get(agentType, action string) *CircuitBreaker {
	key := BreakerKey(agentType, action)

	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cb, ok := m.breakers[key]; ok {
		return cb
	}

	cb = NewCircuitBreaker(key, m.config)
	cb.now = m.now
	m.breakers[key] = cb
	m.logger.Debug("created circuit breaker %s", key)
	return cb
}

// Snapshots returns the state of every breaker, ordered by key.
func (m *BreakerManager) Snapshots() []BreakerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]BreakerSnapshot, 0, len(m.breakers))
	for _, cb := range m.breakers {
		snaps = append(snaps, cb.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}

// ResetAll returns every breaker to closed.
func (m *BreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
	m.logger.Info("reset %d circuit breakers", len(m.breakers))
}
