package state

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionExists   = errors.New("connection is already registered")
	ErrNotConnected       = errors.New("connection is not in the connected state")
)

// Transport is the sending half of a live client session.
type Transport interface {
	ID() uuid.UUID
	// Send queues msg for delivery and reports whether it was queued.
	Send(msg []byte) bool
	Close(reason error)
}

// Lifecycle is the Connecting -> Connected -> Disconnected state machine.
type Lifecycle int32

const (
	Connecting Lifecycle = iota
	Connected
	Disconnected
)

func (l Lifecycle) String() string {
	switch l {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// representation of a single client session.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	CreatedAt time.Time

	lifecycle atomic.Int32
}

func NewConnection(t Transport, ipAddr string) *Connection {
	return &Connection{
		ID:        t.ID(),
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: time.Now(),
	}
}

func (c *Connection) State() Lifecycle {
	return Lifecycle(c.lifecycle.Load())
}

// Advance moves the connection forward to next. The machine never goes
// backwards; it reports whether the transition happened.
func (c *Connection) Advance(next Lifecycle) bool {
	for {
		cur := c.lifecycle.Load()
		if int32(next) <= cur {
			return false
		}
		if c.lifecycle.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Send is a no-op once the connection has left the Connected state.
func (c *Connection) Send(msg []byte) bool {
	if c.State() != Connected {
		return false
	}
	return c.Transport.Send(msg)
}
