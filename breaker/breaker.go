// Package breaker implements a circuit breaker guarding remote operations.
// Each named operation group owns an independent state machine
// (Closed -> Open -> HalfOpen -> Closed); all counter mutations for a group
// happen under a single mutex so concurrent callers never lose updates.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/metric"
)

// State represents the circuit breaker state
type State int

// Possible breaker states
const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) metricValue() int {
	switch s {
	case Open:
		return metric.BreakerStateOpen
	case HalfOpen:
		return metric.BreakerStateHalfOpen
	default:
		return metric.BreakerStateClosed
	}
}

// Config holds circuit breaker thresholds for one operation group.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker (subject to VolumeThreshold).
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the breaker.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before admitting
	// half-open trial calls.
	OpenTimeout time.Duration
	// MonitoringWindow bounds the rolling outcome window; attempts older
	// than this do not count toward VolumeThreshold.
	MonitoringWindow time.Duration
	// VolumeThreshold is the minimum number of attempts inside the
	// monitoring window before failures alone can open the breaker.
	// Prevents premature opening on sparse traffic.
	VolumeThreshold int
	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig returns sensible circuit breaker defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MonitoringWindow: 60 * time.Second,
		VolumeThreshold:  10,
		HalfOpenMaxCalls: 3,
	}
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = 60 * time.Second
	}
	if c.VolumeThreshold < 0 {
		c.VolumeThreshold = 0
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Operation is a guarded remote call.
type Operation func(ctx context.Context) error

// Fallback runs instead of the operation when the breaker rejects the call
// or the operation fails. It receives the triggering error.
type Fallback func(ctx context.Context, err error) error

// Breaker guards one operation group.
type Breaker struct {
	group string
	cfg   Config

	metrics *metric.Metrics // optional

	// mu is the single synchronization point for this group; every
	// counter and transition mutates under it.
	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenInFlight     int
	attempts             []time.Time // rolling attempt window
}

// New creates a breaker for the named operation group.
func New(group string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		group: group,
		cfg:   cfg.normalized(),
		state: Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.RecordBreakerState(b.group, b.state.metricValue())
	}
	return b
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithMetrics exports breaker state and transition counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// Group returns the operation group name.
func (b *Breaker) Group() string {
	return b.group
}

// State returns the current state, applying the open-timeout transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Execute runs op through the breaker. When the breaker is open the
// fallback runs without attempting op; when op fails and a fallback is
// provided, the fallback result is returned instead of the raw error.
func (b *Breaker) Execute(ctx context.Context, op Operation, fallback Fallback) error {
	if err := b.allow(); err != nil {
		if b.metrics != nil {
			b.metrics.RecordBreakerRejection(b.group)
		}
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	err := op(ctx)
	b.record(err == nil)

	if err != nil && fallback != nil {
		return fallback(ctx, err)
	}
	return err
}

// Allow reports whether a call may proceed right now, reserving a half-open
// trial slot when applicable. Callers using Allow directly must pair it with
// Record.
func (b *Breaker) Allow() error {
	return b.allow()
}

// Record reports the outcome of a call previously admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.record(success)
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return errors.WrapTransient(errors.ErrCircuitOpen, "Breaker", "Execute", b.group+" trial limit")
		}
		b.halfOpenInFlight++
		return nil
	default: // Open
		return errors.WrapTransient(errors.ErrCircuitOpen, "Breaker", "Execute", b.group+" rejected")
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)
	b.attempts = append(b.attempts, now)

	switch b.state {
	case Closed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold && len(b.attempts) >= b.cfg.VolumeThreshold {
			b.transitionLocked(Open, now)
		}

	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if !success {
			// A single trial failure reopens and restarts the timeout clock
			b.transitionLocked(Open, now)
			return
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed, now)
		}

	case Open:
		// Outcome of a call admitted before the breaker opened; only
		// successes matter enough to note in the window.
	}
}

// maybeHalfOpenLocked applies the Open -> HalfOpen transition once the
// open timeout has elapsed. Caller holds the mutex.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.transitionLocked(HalfOpen, time.Now())
	}
}

// transitionLocked performs a state transition. Caller holds the mutex.
func (b *Breaker) transitionLocked(to State, now time.Time) {
	if b.state == to {
		return
	}
	b.state = to

	switch to {
	case Open:
		b.openedAt = now
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	case HalfOpen:
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	case Closed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
		b.attempts = b.attempts[:0]
	}

	if b.metrics != nil {
		b.metrics.RecordBreakerState(b.group, to.metricValue())
		b.metrics.RecordBreakerTransition(b.group, to.String())
	}
}

// pruneLocked drops attempts older than the monitoring window.
// Caller holds the mutex.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	idx := 0
	for idx < len(b.attempts) && b.attempts[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.attempts = append(b.attempts[:0], b.attempts[idx:]...)
	}
}

// Snapshot holds an instantaneous view of a breaker for stats reporting.
type Snapshot struct {
	Group                string    `json:"group"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	WindowAttempts       int       `json:"window_attempts"`
}

// Snapshot returns the current breaker state for stats reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Snapshot{
		Group:                b.group,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		WindowAttempts:       len(b.attempts),
	}
}
