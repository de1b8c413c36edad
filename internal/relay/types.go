package relay

import (
	"fmt"
	"time"
)

// Logger defines the logging interface used by the relay.
// *logging.Logger and *slog.Logger both satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock returns the current time. Tests inject a fake to drive eviction.
type Clock func() time.Time

// Mode selects how the router treats inbound messages.
type Mode string

// Routing modes.
const (
	// ModeDirected dispatches on the envelope type: register, heartbeat,
	// command and broadcast.
	ModeDirected Mode = "directed"

	// ModeBroadcast relays every well-formed message to all other
	// connections, with no registration scheme in effect.
	ModeBroadcast Mode = "broadcast"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirected, "":
		return ModeDirected, nil
	case ModeBroadcast:
		return ModeBroadcast, nil
	default:
		return "", fmt.Errorf("relay: unknown mode %q", s)
	}
}

// Config holds the tunables for a Broker.
type Config struct {
	// Mode selects directed routing or plain broadcast.
	Mode Mode

	// HeartbeatInterval is the reaper period. Entries silent for more
	// than twice this interval are evicted.
	HeartbeatInterval time.Duration

	// EventBuffer is the capacity of the event channel feeding sinks.
	EventBuffer int
}

// Default configuration values.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultEventBuffer       = 1024
)

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeDirected
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// EventType classifies relay events delivered to sinks.
type EventType string

// Event types.
const (
	EventRegistered    EventType = "registered"
	EventRemoved       EventType = "removed"
	EventEvicted       EventType = "evicted"
	EventForwarded     EventType = "forwarded"
	EventBroadcast     EventType = "broadcast"
	EventCommandFailed EventType = "command_failed"
)

// Event describes something that happened inside the broker.
// Events are informational; sinks cannot influence routing.
type Event struct {
	Type         EventType `json:"type"`
	DeviceID     string    `json:"device_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Recipients   int       `json:"recipients,omitempty"`
	At           time.Time `json:"at"`
}

// Online reports whether the event leaves the device reachable.
func (e Event) Online() bool {
	return e.Type == EventRegistered
}

// EventSink receives relay events. HandleEvent is called from a single
// dispatcher goroutine and should not block for long.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// HandleEvent calls f(e).
func (f EventSinkFunc) HandleEvent(e Event) {
	f(e)
}
