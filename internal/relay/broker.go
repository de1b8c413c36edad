package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a read-only view of broker state for health and metrics reporting.
type Stats struct {
	ActiveConnections  int    `json:"active_connections"`
	RegisteredDevices  int    `json:"registered_devices"`
	Forwarded          uint64 `json:"forwarded"`
	BroadcastDelivered uint64 `json:"broadcast_delivered"`
	CommandErrors      uint64 `json:"command_errors"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
	SendFailures       uint64 `json:"send_failures"`
	Evictions          uint64 `json:"evictions"`
	EventsDropped      uint64 `json:"events_dropped"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(logger Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the time source used for last-seen and eviction.
func WithClock(clock Clock) Option {
	return func(b *Broker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// WithEventSink adds a sink that receives every relay event.
func WithEventSink(sink EventSink) Option {
	return func(b *Broker) {
		if sink != nil {
			b.sinks = append(b.sinks, sink)
		}
	}
}

// Broker is the top-level coordinator. It owns one Registry, one Reaper and
// one Router, and exposes the lifecycle hooks the transport layer calls.
//
// Lifecycle:
//
//	broker := relay.NewBroker(cfg, relay.WithLogger(log))
//	go broker.Run(ctx)              // reaper + event dispatch
//	conn := broker.Accept(t, addr)  // per socket
//	broker.HandleInbound(conn, msg) // per frame, in arrival order
//	broker.ConnectionClosed(conn)   // when the socket goes away
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Broker struct {
	cfg      Config
	logger   Logger
	now      Clock
	registry *Registry
	reaper   *Reaper
	router   *Router
	stats    counters

	sinks         []EventSink
	events        chan Event
	eventsDropped atomic.Uint64

	shutdown atomic.Bool
}

// NewBroker creates a broker with cfg. Zero config fields take defaults.
func NewBroker(cfg Config, opts ...Option) *Broker {
	b := &Broker{
		cfg:    cfg.withDefaults(),
		logger: noopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.events = make(chan Event, b.cfg.EventBuffer)
	b.registry = NewRegistry(b.now)
	b.router = newRouter(b.registry, b.cfg.Mode, b.logger, b.now, &b.stats, b.emit)
	b.reaper = NewReaper(b.registry, b.cfg.HeartbeatInterval, b.now, b.logger, b.handleEvicted)
	return b
}

// Registry returns the broker's registry.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Reaper returns the broker's reaper.
func (b *Broker) Reaper() *Reaper {
	return b.reaper
}

// Mode returns the routing mode in effect.
func (b *Broker) Mode() Mode {
	return b.cfg.Mode
}

// Accept wraps a newly accepted transport in an unregistered Connection.
// In broadcast mode the connection is greeted with a connection_ack.
func (b *Broker) Accept(t Transport, remoteAddr string) *Connection {
	conn := newConnection(t, remoteAddr, b.handleClosed)
	b.registry.Attach(conn)

	if b.shutdown.Load() {
		// Raced with Shutdown; don't leave it behind.
		_ = conn.Close() //nolint:errcheck // best-effort close during shutdown
		return conn
	}

	b.logger.Debug("connection accepted",
		"connection_id", conn.ID(),
		"remote_addr", remoteAddr,
		"connections", b.registry.ConnectionCount(),
	)

	if b.cfg.Mode == ModeBroadcast {
		b.router.reply(conn, newConnectionAck())
	}
	return conn
}

// HandleInbound routes one frame received on conn.
func (b *Broker) HandleInbound(conn *Connection, data []byte) {
	b.router.Route(conn, data)
}

// Reject answers conn with an error frame carrying message and counts a
// protocol error. Nothing is routed. The transport uses it for checks the
// router never sees, such as rate limiting.
func (b *Broker) Reject(conn *Connection, message string, err error) {
	b.router.reject(conn, message, err)
}

// ConnectionClosed is called by the transport layer when the socket is gone.
// It is safe to call more than once and concurrently with eviction.
func (b *Broker) ConnectionClosed(conn *Connection) {
	if err := conn.Close(); err != nil {
		b.logger.Debug("closing connection", "connection_id", conn.ID(), "error", err)
	}
}

// handleClosed is the connection close callback. It runs exactly once per
// connection and purges the connection from the registry.
func (b *Broker) handleClosed(conn *Connection) {
	b.registry.Detach(conn)

	id := conn.DeviceID()
	if id != "" && b.registry.RemoveIf(id, conn) {
		b.logger.Info("device disconnected", "device_id", id, "connection_id", conn.ID())
		b.emit(Event{Type: EventRemoved, DeviceID: id, ConnectionID: conn.ID(), Reason: "connection_closed"})
	}

	b.logger.Debug("connection closed",
		"connection_id", conn.ID(),
		"device_id", id,
		"connections", b.registry.ConnectionCount(),
	)
}

// handleEvicted is the reaper callback.
func (b *Broker) handleEvicted(e Entry) {
	b.stats.evictions.Add(1)
	b.emit(Event{Type: EventEvicted, DeviceID: e.DeviceID, ConnectionID: e.Conn.ID(), Reason: "heartbeat_timeout"})
}

// SendTo delivers payload to the device registered under deviceID.
// It is used for server-originated commands (e.g. from MQTT).
//
// Returns ErrDeviceOffline if the device has no open connection, or an error
// wrapping ErrTransportFailure if the write was rejected.
func (b *Broker) SendTo(deviceID string, payload []byte) error {
	if err := b.router.deliver(deviceID, payload); err != nil {
		b.stats.commandErrors.Add(1)
		b.emit(Event{Type: EventCommandFailed, DeviceID: deviceID, Reason: err.Error()})
		return fmt.Errorf("sending to %s: %w", deviceID, err)
	}
	b.emit(Event{Type: EventForwarded, DeviceID: deviceID, Recipients: 1})
	return nil
}

// Devices returns a snapshot of the registered devices.
func (b *Broker) Devices() []Entry {
	return b.registry.Snapshot()
}

// Device returns the registry entry for one device.
func (b *Broker) Device(id string) (Entry, bool) {
	return b.registry.Get(id)
}

// Stats returns current counters and registry sizes.
func (b *Broker) Stats() Stats {
	return Stats{
		ActiveConnections:  b.registry.ConnectionCount(),
		RegisteredDevices:  b.registry.RegisteredCount(),
		Forwarded:          b.stats.forwarded.Load(),
		BroadcastDelivered: b.stats.broadcastDelivered.Load(),
		CommandErrors:      b.stats.commandErrors.Load(),
		ProtocolErrors:     b.stats.protocolErrors.Load(),
		SendFailures:       b.stats.sendFailures.Load(),
		Evictions:          b.stats.evictions.Load(),
		EventsDropped:      b.eventsDropped.Load(),
	}
}

// Run starts the reaper and the event dispatcher. It blocks until ctx is
// cancelled, then shuts the broker down and flushes buffered events.
func (b *Broker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.reaper.Run(ctx)
	}()

	b.logger.Info("relay broker running",
		"mode", string(b.cfg.Mode),
		"heartbeat_interval", b.cfg.HeartbeatInterval.String(),
		"eviction_timeout", b.reaper.Timeout().String(),
	)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			b.Shutdown()
			b.flushEvents()
			return
		case e := <-b.events:
			b.dispatch(e)
		}
	}
}

// Shutdown closes every attached connection. It is idempotent and is also
// called by Run on cancellation. Callers should release the listener only
// after Shutdown returns.
func (b *Broker) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}

	conns := b.registry.Connections()
	for _, c := range conns {
		if err := c.Close(); err != nil {
			b.logger.Debug("closing connection on shutdown", "connection_id", c.ID(), "error", err)
		}
	}
	b.logger.Info("relay broker shut down", "connections_closed", len(conns))
}

// emit queues e for the sinks without blocking. Events are dropped when the
// buffer is full or no sink is configured.
func (b *Broker) emit(e Event) {
	if len(b.sinks) == 0 {
		return
	}
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	select {
	case b.events <- e:
	default:
		if b.eventsDropped.Add(1) == 1 {
			b.logger.Warn("relay event buffer full, dropping events", "capacity", cap(b.events))
		}
	}
}

// flushEvents drains whatever is buffered after shutdown.
func (b *Broker) flushEvents() {
	for {
		select {
		case e := <-b.events:
			b.dispatch(e)
		default:
			return
		}
	}
}

// dispatch hands e to every sink, isolating sink panics.
func (b *Broker) dispatch(e Event) {
	for _, sink := range b.sinks {
		b.safeHandle(sink, e)
	}
}

func (b *Broker) safeHandle(sink EventSink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("relay event sink panic recovered",
				"event", string(e.Type),
				"panic", r,
			)
		}
	}()
	sink.HandleEvent(e)
}

// DeviceStatus is the JSON view of a registry entry used by status endpoints.
type DeviceStatus struct {
	DeviceID     string    `json:"device_id"`
	ConnectionID string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	State        string    `json:"state"`
	LastSeen     time.Time `json:"last_seen"`
}

// Status converts e to its JSON view.
func (e Entry) Status() DeviceStatus {
	return DeviceStatus{
		DeviceID:     e.DeviceID,
		ConnectionID: e.Conn.ID(),
		RemoteAddr:   e.Conn.RemoteAddr(),
		State:        e.Conn.State().String(),
		LastSeen:     e.LastSeen.UTC(),
	}
}
