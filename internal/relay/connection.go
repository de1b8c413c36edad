package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the liveness state of a Connection.
type State int32

// Connection states. Transitions only move forward.
const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is the socket-level collaborator a Connection writes to.
//
// Write must not block: implementations queue the frame or fail.
// Close must be safe to call once; the Connection guarantees it is.
type Transport interface {
	Write(data []byte) error
	Close() error
}

// Connection wraps one transport session and is the unit the Registry tracks.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Connection struct {
	id         string
	remoteAddr string
	transport  Transport

	state atomic.Int32

	// deviceID is the identifier bound by a successful register.
	deviceID string
	deviceMu sync.RWMutex

	closeOnce sync.Once
	onClose   func(*Connection)
}

// newConnection wraps t. onClose runs exactly once, after the transport
// has been closed.
func newConnection(t Transport, remoteAddr string, onClose func(*Connection)) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		transport:  t,
		onClose:    onClose,
	}
}

// ID returns the connection's unique identifier (not the device ID).
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address reported by the transport layer.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// State returns the current liveness state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsOpen reports whether the connection still accepts sends.
func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// DeviceID returns the bound device identifier, or "" if unregistered.
func (c *Connection) DeviceID() string {
	c.deviceMu.RLock()
	defer c.deviceMu.RUnlock()
	return c.deviceID
}

// bind associates id with the connection and returns the previous binding.
func (c *Connection) bind(id string) string {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	prev := c.deviceID
	c.deviceID = id
	return prev
}

// Send attempts a non-blocking write of data.
//
// Returns:
//   - ErrConnectionClosed if the connection is closing or closed
//   - an error wrapping ErrTransportFailure if the transport rejected the write
func (c *Connection) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	if err := c.transport.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	return nil
}

// Close shuts the connection down. It is idempotent: only the first call
// closes the transport and fires the close callback.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		if closeErr := c.transport.Close(); closeErr != nil {
			err = fmt.Errorf("closing transport: %w", closeErr)
		}
		c.state.Store(int32(StateClosed))

		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}
