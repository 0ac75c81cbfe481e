package redisclient

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// HealthState represents the health of a single pooled connection
type HealthState int32

// Possible connection health states
const (
	StateConnecting HealthState = iota
	StateReady
	StateDegraded
	StateClosed
)

// String returns the string representation of HealthState
func (s HealthState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a dedicated connection to the remote store. It is owned
// exclusively by the Manager while idle and lent to exactly one caller
// at a time while in use.
type Conn struct {
	id    uint64
	cmd   redis.Cmdable
	ping  func(ctx context.Context) error
	close func() error
	state atomic.Int32
}

// newConn wraps a go-redis dedicated connection.
func newConn(id uint64, rc *redis.Conn) *Conn {
	c := &Conn{
		id:  id,
		cmd: rc,
		ping: func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		},
		close: rc.Close,
	}
	c.state.Store(int32(StateReady))
	return c
}

// ID returns the connection's pool-unique identifier
func (c *Conn) ID() uint64 {
	return c.id
}

// Cmd returns the command surface of the connection. Valid only while
// the connection is lent out through a Lease.
func (c *Conn) Cmd() redis.Cmdable {
	return c.cmd
}

// State returns the connection health state
func (c *Conn) State() HealthState {
	return HealthState(c.state.Load())
}

func (c *Conn) setState(s HealthState) {
	c.state.Store(int32(s))
}

// Ping runs a lightweight liveness probe
func (c *Conn) Ping(ctx context.Context) error {
	err := c.ping(ctx)
	if err != nil {
		c.setState(StateDegraded)
	} else {
		c.setState(StateReady)
	}
	return err
}

// Close tears down the underlying connection
func (c *Conn) Close() error {
	c.setState(StateClosed)
	if c.close == nil {
		return nil
	}
	return c.close()
}

// Dialer opens dedicated connections to the remote store.
type Dialer interface {
	Dial(ctx context.Context) (*Conn, error)
}

// redisDialer opens dedicated connections from a shared go-redis client.
type redisDialer struct {
	client *redis.Client
	nextID atomic.Uint64
}

func (d *redisDialer) Dial(ctx context.Context) (*Conn, error) {
	rc := d.client.Conn()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return newConn(d.nextID.Add(1), rc), nil
}
