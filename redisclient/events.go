package redisclient

import "time"

// EventType identifies a connection lifecycle event
type EventType int

// Lifecycle event types published by the Manager
const (
	EventConnected EventType = iota
	EventDisconnected
	EventReconnecting
	EventReconnected
	EventHealthCheckFailed
	EventClosed
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventHealthCheckFailed:
		return "health_check_failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification. Consumers (metrics,
// logging) subscribe through Manager.Events without coupling to any
// callback API.
type Event struct {
	Type   EventType
	ConnID uint64
	Time   time.Time
	Err    error
}

// publish delivers an event without blocking; if no consumer keeps up,
// events are dropped rather than stalling pool operations.
func (m *Manager) publish(t EventType, connID uint64, err error) {
	ev := Event{Type: t, ConnID: connID, Time: time.Now(), Err: err}
	select {
	case m.events <- ev:
	default:
		m.logger.Debugf("event channel full, dropped %s", t)
	}
}
