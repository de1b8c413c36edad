package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the relay.
const (
	MeasurementEvents = "relay_events"
	MeasurementStats  = "relay_stats"
)

// EventPoint is one relay event: a registration, removal, eviction,
// forward, broadcast or failed command.
type EventPoint struct {
	Type       string
	DeviceID   string
	Reason     string
	Recipients int
	At         time.Time
}

// StatsPoint is a periodic snapshot of broker counters.
type StatsPoint struct {
	ActiveConnections  int
	RegisteredDevices  int
	Forwarded          uint64
	BroadcastDelivered uint64
	CommandErrors      uint64
	ProtocolErrors     uint64
	SendFailures       uint64
	Evictions          uint64
	EventsDropped      uint64
	At                 time.Time
}

// WriteEvent records e in relay_events, tagged by event type and device.
// Non-blocking; points are batched.
func (c *Client) WriteEvent(e EventPoint) {
	tags := map[string]string{"event": e.Type}
	if e.DeviceID != "" {
		tags["device_id"] = e.DeviceID
	}

	fields := map[string]any{"count": 1}
	if e.Recipients > 0 {
		fields["recipients"] = e.Recipients
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}

	c.WritePointWithTime(MeasurementEvents, tags, fields, orNow(e.At))
}

// WriteStats records s in relay_stats.
func (c *Client) WriteStats(s StatsPoint) {
	c.WritePointWithTime(MeasurementStats, nil, map[string]any{
		"active_connections":  s.ActiveConnections,
		"registered_devices":  s.RegisteredDevices,
		"forwarded":           s.Forwarded,
		"broadcast_delivered": s.BroadcastDelivered,
		"command_errors":      s.CommandErrors,
		"protocol_errors":     s.ProtocolErrors,
		"send_failures":       s.SendFailures,
		"evictions":           s.Evictions,
		"events_dropped":      s.EventsDropped,
	}, orNow(s.At))
}

// WritePointWithTime writes a custom point with an explicit timestamp.
// Dropped silently when the client is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
