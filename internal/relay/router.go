package relay

import (
	"encoding/json"
	"errors"
	"sync/atomic"
)

// counters holds the broker's routing statistics.
type counters struct {
	forwarded          atomic.Uint64
	broadcastDelivered atomic.Uint64
	commandErrors      atomic.Uint64
	protocolErrors     atomic.Uint64
	sendFailures       atomic.Uint64
	evictions          atomic.Uint64
}

// Router decodes inbound frames and performs the matching registry and
// connection operations. It holds no per-connection state of its own; the
// bound device ID lives on the Connection.
type Router struct {
	registry *Registry
	mode     Mode
	logger   Logger
	now      Clock
	stats    *counters
	emit     func(Event)
}

func newRouter(registry *Registry, mode Mode, logger Logger, clock Clock, stats *counters, emit func(Event)) *Router {
	return &Router{
		registry: registry,
		mode:     mode,
		logger:   logger,
		now:      clock,
		stats:    stats,
		emit:     emit,
	}
}

// Route handles one inbound frame from conn. Frames from the same
// connection must be routed in arrival order by the caller.
func (rt *Router) Route(conn *Connection, data []byte) {
	// An evicted or closing connection may still have frames in its read
	// buffer; none of them may reach other devices.
	if !conn.IsOpen() {
		rt.logger.Debug("frame from closed connection dropped", "connection_id", conn.ID())
		return
	}

	// Broadcast mode relays any JSON object; field types do not matter.
	if rt.mode == ModeBroadcast {
		if _, err := decodeObject(data); err != nil {
			rt.reject(conn, invalidFormatMessage, err)
			return
		}
		rt.handleBroadcast(conn, data)
		return
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		rt.reject(conn, invalidFormatMessage, err)
		return
	}

	switch env.Type {
	case TypeRegister:
		rt.handleRegister(conn, env)
	case TypeHeartbeat:
		rt.handleHeartbeat(conn)
	case TypeCommand:
		rt.handleCommand(conn, env, data)
	case TypeBroadcast:
		rt.handleBroadcast(conn, data)
	default:
		rt.reject(conn, "Unknown message type: "+env.Type, ErrUnknownType)
	}
}

// handleRegister binds env.DeviceID to conn and acknowledges.
func (rt *Router) handleRegister(conn *Connection, env Envelope) {
	if env.DeviceID == "" {
		rt.reject(conn, "deviceId is required", ErrMissingDeviceID)
		return
	}

	// Bind before registering so a concurrent close always sees the ID.
	if prev := conn.bind(env.DeviceID); prev != "" && prev != env.DeviceID {
		if rt.registry.RemoveIf(prev, conn) {
			rt.emitEvent(Event{Type: EventRemoved, DeviceID: prev, ConnectionID: conn.ID(), Reason: "re_registered"})
		}
	}

	previous, err := rt.registry.Register(env.DeviceID, conn)
	if err != nil {
		rt.logger.Debug("registration on closing connection ignored",
			"device_id", env.DeviceID,
			"connection_id", conn.ID(),
		)
		return
	}
	if previous != nil {
		// The superseded connection is left open; see Registry.
		rt.logger.Warn("device re-registered from a new connection, previous connection orphaned",
			"device_id", env.DeviceID,
			"connection_id", conn.ID(),
			"previous_connection_id", previous.ID(),
		)
	}

	rt.logger.Info("device registered",
		"device_id", env.DeviceID,
		"connection_id", conn.ID(),
		"remote_addr", conn.RemoteAddr(),
	)
	rt.emitEvent(Event{Type: EventRegistered, DeviceID: env.DeviceID, ConnectionID: conn.ID()})
	rt.reply(conn, newRegistrationAck(env.DeviceID))
}

// handleHeartbeat refreshes the bound device's last-seen time.
// Heartbeats from unregistered connections are ignored without a reply.
// A heartbeat after eviction yields ErrNotRegistered, which is only logged.
func (rt *Router) handleHeartbeat(conn *Connection) {
	id := conn.DeviceID()
	if id == "" {
		return
	}
	// An orphaned connection must not keep its replacement alive.
	if owner, ok := rt.registry.Lookup(id); ok && owner != conn {
		rt.logger.Debug("heartbeat from superseded connection ignored", "device_id", id, "connection_id", conn.ID())
		return
	}
	if err := rt.registry.Touch(id); err != nil {
		rt.logger.Debug("heartbeat for unknown device", "device_id", id, "error", err)
	}
}

// handleCommand forwards the original frame to the target device, or
// answers the sender with a command_error. Delivery is attempted once.
func (rt *Router) handleCommand(conn *Connection, env Envelope, data []byte) {
	if env.TargetDeviceID == "" {
		rt.reject(conn, "targetDeviceId is required", ErrMissingTarget)
		return
	}

	if err := rt.deliver(env.TargetDeviceID, data); err != nil {
		rt.stats.commandErrors.Add(1)
		rt.logger.Debug("command not delivered",
			"target_device_id", env.TargetDeviceID,
			"sender_device_id", conn.DeviceID(),
			"error", err,
		)
		rt.emitEvent(Event{Type: EventCommandFailed, DeviceID: env.TargetDeviceID, ConnectionID: conn.ID(), Reason: err.Error()})
		rt.reply(conn, newCommandError(env.TargetDeviceID))
		return
	}
	rt.emitEvent(Event{Type: EventForwarded, DeviceID: env.TargetDeviceID, ConnectionID: conn.ID(), Recipients: 1})
}

// deliver sends data to the connection registered under deviceID.
func (rt *Router) deliver(deviceID string, data []byte) error {
	target, ok := rt.registry.Lookup(deviceID)
	if !ok || !target.IsOpen() {
		return ErrDeviceOffline
	}
	if err := target.Send(data); err != nil {
		rt.stats.sendFailures.Add(1)
		rt.logger.Warn("send to device failed",
			"device_id", deviceID,
			"connection_id", target.ID(),
			"error", err,
		)
		if errors.Is(err, ErrConnectionClosed) {
			return ErrDeviceOffline
		}
		return err
	}
	rt.stats.forwarded.Add(1)
	return nil
}

// handleBroadcast sends data to every other open connection. A failing
// recipient is logged and skipped; it never stops delivery to the rest.
func (rt *Router) handleBroadcast(sender *Connection, data []byte) {
	delivered := 0
	for _, c := range rt.registry.Connections() {
		if c == sender || !c.IsOpen() {
			continue
		}
		if err := c.Send(data); err != nil {
			rt.stats.sendFailures.Add(1)
			rt.logger.Warn("broadcast send failed",
				"connection_id", c.ID(),
				"device_id", c.DeviceID(),
				"error", err,
			)
			continue
		}
		delivered++
	}

	rt.stats.broadcastDelivered.Add(uint64(delivered)) //nolint:gosec // delivered is never negative
	rt.logger.Debug("broadcast sent", "sender", sender.ID(), "recipients", delivered)
	rt.emitEvent(Event{Type: EventBroadcast, DeviceID: sender.DeviceID(), ConnectionID: sender.ID(), Recipients: delivered})
}

// reject answers a protocol error to the sender only. No state is touched.
func (rt *Router) reject(conn *Connection, message string, err error) {
	rt.stats.protocolErrors.Add(1)
	rt.logger.Debug("rejected inbound message",
		"connection_id", conn.ID(),
		"error", err,
	)
	rt.reply(conn, newErrorMessage(message))
}

// reply marshals v and sends it to conn, logging failures.
func (rt *Router) reply(conn *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		rt.logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		rt.logger.Debug("reply not sent", "connection_id", conn.ID(), "error", err)
	}
}

func (rt *Router) emitEvent(e Event) {
	if rt.emit == nil {
		return
	}
	if e.At.IsZero() {
		e.At = rt.now().UTC()
	}
	rt.emit(e)
}
