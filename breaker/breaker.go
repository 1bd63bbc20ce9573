// Package breaker implements the per-node circuit breaker consulted
// before every outbound node call.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/internal/metrics"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed passes calls through normally.
	StateClosed State = iota
	// StateOpen rejects calls locally without contacting the node.
	StateOpen
	// StateHalfOpen allows exactly one probe call to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int

	// BaseBackoff seeds the exponential open-state backoff.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// OnStateChange is invoked after a state transition.
	OnStateChange func(slug string, from, to State)
}

// DefaultConfig returns default breaker settings.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       10 * time.Minute,
	}
}

// Record is the breaker bookkeeping for one node. Counters reset
// together on every state change.
type Record struct {
	mu sync.Mutex

	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	lastSuccessAt time.Time
	openedAt      time.Time
	nextRetryAt   time.Time

	// openCount grows with every open since the last close and drives
	// the backoff exponent.
	openCount int

	// probeTaken marks that the single half-open probe is in flight.
	probeTaken bool
}

// Statistics is a read-only snapshot of one node's breaker.
type Statistics struct {
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	FailureRate   float64    `json:"failure_rate"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// Manager owns the per-node breaker records. Records are created lazily
// the first time a node is evaluated and live for the node's lifetime.
// One node's record is independent of another's; there is no cross-node
// locking.
type Manager struct {
	config    *Config
	collector *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// NewManager creates a breaker manager.
func NewManager(config *Config, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 30 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Minute
	}

	return &Manager{
		config:    config,
		collector: collector,
		logger:    logger.With(zap.String("component", "circuit_breaker")),
		now:       time.Now,
		records:   make(map[string]*Record),
	}
}

func (m *Manager) record(slug string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[slug]
	if !ok {
		r = &Record{state: StateClosed}
		m.records[slug] = r
	}
	return r
}

// backoff computes the open-state backoff for the given reopen count:
// base doubled per open, capped at the maximum.
func (m *Manager) backoff(openCount int) time.Duration {
	d := m.config.BaseBackoff
	for i := 0; i < openCount; i++ {
		d *= 2
		if d >= m.config.MaxBackoff {
			return m.config.MaxBackoff
		}
	}
	return d
}

func (m *Manager) transition(slug string, r *Record, to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to

	if m.collector != nil {
		m.collector.SetBreakerState(slug, int(to))
	}
	if m.config.OnStateChange != nil {
		go m.config.OnStateChange(slug, from, to)
	}
}

// IsOpen reports whether calls to the node must be rejected locally.
// The open to half-open transition happens here, as a side effect of
// the check, once the retry deadline has passed; the caller observing
// the transition becomes the single half-open probe.
func (m *Manager) IsOpen(slug string) bool {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return false

	case StateOpen:
		if !m.now().Before(r.nextRetryAt) {
			m.transition(slug, r, StateHalfOpen)
			r.probeTaken = true
			m.logger.Info("circuit half-open, probing node", zap.String("slug", slug))
			return false
		}
		return true

	case StateHalfOpen:
		if r.probeTaken {
			return true
		}
		r.probeTaken = true
		return false

	default:
		return true
	}
}

// IsReadyForRetry reports whether an open circuit's retry deadline has
// passed. It does not change state.
func (m *Manager) IsReadyForRetry(slug string) bool {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateOpen {
		return r.state == StateHalfOpen
	}
	return !m.now().Before(r.nextRetryAt)
}

// State returns the node's current breaker state without side effects.
func (m *Manager) State(slug string) State {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RecordSuccess records one successful call. In the closed state it
// resets the failure streak without touching the state; a half-open
// success closes the circuit and resets all counts.
func (m *Manager) RecordSuccess(slug string) {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSuccessAt = m.now()

	switch r.state {
	case StateClosed:
		r.failureCount = 0
		r.successCount++

	case StateHalfOpen:
		m.logger.Info("circuit closed after successful probe", zap.String("slug", slug))
		m.transition(slug, r, StateClosed)
		r.failureCount = 0
		r.successCount = 0
		r.openCount = 0
		r.probeTaken = false
		r.nextRetryAt = time.Time{}
		r.openedAt = time.Time{}

	case StateOpen:
		// A response from an abandoned in-flight call; the open state
		// is authoritative.
	}
}

// RecordFailure records one failed call. Crossing the threshold while
// closed opens the circuit; a half-open failure reopens it with a
// strictly larger backoff.
func (m *Manager) RecordFailure(slug string) {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now()
	r.lastFailureAt = now

	switch r.state {
	case StateClosed:
		r.failureCount++
		if r.failureCount >= m.config.FailureThreshold {
			m.open(slug, r, now)
		}

	case StateHalfOpen:
		m.logger.Warn("probe failed, reopening circuit", zap.String("slug", slug))
		r.probeTaken = false
		m.open(slug, r, now)

	case StateOpen:
		// Late failure from an abandoned call; already open.
	}
}

func (m *Manager) open(slug string, r *Record, now time.Time) {
	backoff := m.backoff(r.openCount)
	r.openCount++
	r.openedAt = now
	r.nextRetryAt = now.Add(backoff)
	r.failureCount = 0
	r.successCount = 0

	m.transition(slug, r, StateOpen)
	m.logger.Warn("circuit opened",
		zap.String("slug", slug),
		zap.Duration("backoff", backoff),
		zap.Int("open_count", r.openCount),
	)
}

// Reset forces a node's breaker to closed. Used by manual recovery
// tooling.
func (m *Manager) Reset(slug string) {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()

	m.transition(slug, r, StateClosed)
	r.failureCount = 0
	r.successCount = 0
	r.openCount = 0
	r.probeTaken = false
	r.openedAt = time.Time{}
	r.nextRetryAt = time.Time{}

	m.logger.Info("circuit breaker reset", zap.String("slug", slug))
}

// Statistics returns a snapshot of one node's breaker.
func (m *Manager) Statistics(slug string) *Statistics {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &Statistics{
		State:        r.state.String(),
		FailureCount: r.failureCount,
		SuccessCount: r.successCount,
	}

	if total := r.failureCount + r.successCount; total > 0 {
		stats.FailureRate = float64(r.failureCount) / float64(total)
	}
	if !r.lastFailureAt.IsZero() {
		t := r.lastFailureAt
		stats.LastFailureAt = &t
	}
	if !r.lastSuccessAt.IsZero() {
		t := r.lastSuccessAt
		stats.LastSuccessAt = &t
	}
	if !r.openedAt.IsZero() {
		t := r.openedAt
		stats.OpenedAt = &t
	}
	if !r.nextRetryAt.IsZero() && r.state == StateOpen {
		t := r.nextRetryAt
		stats.NextRetryAt = &t
	}

	return stats
}

// NextRetryAt exposes the open-state retry deadline, zero otherwise.
func (m *Manager) NextRetryAt(slug string) time.Time {
	r := m.record(slug)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateOpen {
		return time.Time{}
	}
	return r.nextRetryAt
}
