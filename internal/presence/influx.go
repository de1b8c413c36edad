package presence

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// DefaultStatsInterval is used when RunStats is given a non-positive interval.
const DefaultStatsInterval = time.Minute

// PointWriter is the part of *influxdb.Client the recorder needs.
type PointWriter interface {
	WriteEvent(e influxdb.EventPoint)
	WriteStats(s influxdb.StatsPoint)
}

// StatsFunc returns the current broker counters.
type StatsFunc func() relay.Stats

// InfluxRecorder writes every relay event to relay_events and, while
// RunStats is active, periodic snapshots to relay_stats.
type InfluxRecorder struct {
	writer PointWriter
	logger relay.Logger
	now    func() time.Time
}

// NewInfluxRecorder creates a recorder over writer.
func NewInfluxRecorder(writer PointWriter, logger relay.Logger) *InfluxRecorder {
	if logger == nil {
		logger = nopLogger{}
	}
	return &InfluxRecorder{writer: writer, logger: logger, now: time.Now}
}

// HandleEvent implements relay.EventSink.
func (r *InfluxRecorder) HandleEvent(e relay.Event) {
	r.writer.WriteEvent(influxdb.EventPoint{
		Type:       string(e.Type),
		DeviceID:   e.DeviceID,
		Reason:     e.Reason,
		Recipients: e.Recipients,
		At:         e.At,
	})
}

// RunStats writes a stats point every interval until ctx is cancelled.
// One final point is written on the way out. A non-positive interval
// falls back to DefaultStatsInterval.
func (r *InfluxRecorder) RunStats(ctx context.Context, interval time.Duration, stats StatsFunc) {
	if interval <= 0 {
		r.logger.Warn("invalid influx stats interval, using default",
			"interval", interval.String(),
			"default", DefaultStatsInterval.String(),
		)
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Debug("influx stats recorder started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			r.RecordStats(stats())
			return
		case <-ticker.C:
			r.RecordStats(stats())
		}
	}
}

// RecordStats writes one relay_stats point for s.
func (r *InfluxRecorder) RecordStats(s relay.Stats) {
	r.writer.WriteStats(influxdb.StatsPoint{
		ActiveConnections:  s.ActiveConnections,
		RegisteredDevices:  s.RegisteredDevices,
		Forwarded:          s.Forwarded,
		BroadcastDelivered: s.BroadcastDelivered,
		CommandErrors:      s.CommandErrors,
		ProtocolErrors:     s.ProtocolErrors,
		SendFailures:       s.SendFailures,
		Evictions:          s.Evictions,
		EventsDropped:      s.EventsDropped,
		At:                 r.now().UTC(),
	})
}
