package redisclient

import (
	"log"
	"time"

	"github.com/brixsport/statekit/metric"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[REDIS] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[REDIS ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// ManagerOption is a functional option for configuring the Manager
type ManagerOption func(*Manager) error

// WithLogger sets a custom logger for the manager
func WithLogger(logger Logger) ManagerOption {
	return func(m *Manager) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		m.logger = logger
		return nil
	}
}

// WithMetrics exports pool gauges and counters on the core metrics set
func WithMetrics(metrics *metric.Metrics) ManagerOption {
	return func(m *Manager) error {
		m.metrics = metrics
		return nil
	}
}

// WithAcquireTimeout bounds how long Acquire waits for a free connection
func WithAcquireTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) error {
		if d > 0 {
			m.acquireTimeout = d
		}
		return nil
	}
}

// WithHealthCheckInterval sets the idle connection health check interval
func WithHealthCheckInterval(d time.Duration) ManagerOption {
	return func(m *Manager) error {
		if d > 0 {
			m.healthInterval = d
		}
		return nil
	}
}

// WithReconnectMaxDelay caps the reconnect backoff ceiling
func WithReconnectMaxDelay(d time.Duration) ManagerOption {
	return func(m *Manager) error {
		if d > 0 {
			m.reconnectMaxDelay = d
		}
		return nil
	}
}

// WithDialer overrides how connections are opened. Used by tests to
// substitute fake connections.
func WithDialer(dialer Dialer) ManagerOption {
	return func(m *Manager) error {
		if dialer != nil {
			m.dialer = dialer
		}
		return nil
	}
}

// WithEventBuffer sets the lifecycle event channel capacity
func WithEventBuffer(n int) ManagerOption {
	return func(m *Manager) error {
		if n > 0 {
			m.eventBuffer = n
		}
		return nil
	}
}
