package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Mode          string           `json:"mode"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	Relay         relay.Stats      `json:"relay"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	Redis         *RedisMetrics    `json:"redis,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions"`
}

// DatabaseMetrics contains database connection pool and schema statistics.
type DatabaseMetrics struct {
	OpenConnections   int    `json:"open_connections"`
	InUse             int    `json:"in_use"`
	Idle              int    `json:"idle"`
	WaitCount         int64  `json:"wait_count"`
	SchemaVersion     string `json:"schema_version,omitempty"`
	PendingMigrations int    `json:"pending_migrations"`
	Error             string `json:"error,omitempty"`
}

// RedisMetrics reports the online-device mirror.
type RedisMetrics struct {
	MirroredDevices int    `json:"mirrored_devices"`
	Error           string `json:"error,omitempty"`
}

const bytesPerMB = 1024 * 1024

// handleMetrics returns runtime, relay and backend metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Mode:          string(s.broker.Mode()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / bytesPerMB,
			MemoryTotalMB: float64(memStats.TotalAlloc) / bytesPerMB,
			NumGC:         memStats.NumGC,
		},
		Relay: s.broker.Stats(),
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{
			Connected:     s.mqtt.IsConnected(),
			Subscriptions: s.mqtt.SubscriptionCount(),
		}
	}

	if s.db != nil {
		metrics.Database = s.databaseMetrics(r.Context())
	}

	if s.mirror != nil {
		metrics.Redis = &RedisMetrics{}
		online, err := s.mirror.Online(r.Context())
		if err != nil {
			metrics.Redis.Error = err.Error()
		} else {
			metrics.Redis.MirroredDevices = len(online)
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

// databaseMetrics reports pool statistics and migration state. A failed
// status query is reported in the response rather than failing it.
func (s *Server) databaseMetrics(ctx context.Context) *DatabaseMetrics {
	dbStats := s.db.Stats()
	m := &DatabaseMetrics{
		OpenConnections: dbStats.OpenConnections,
		InUse:           dbStats.InUse,
		Idle:            dbStats.Idle,
		WaitCount:       dbStats.WaitCount,
	}

	applied, pending, err := s.db.GetMigrationStatus(ctx)
	if err != nil {
		m.Error = err.Error()
		return m
	}
	if len(applied) > 0 {
		m.SchemaVersion = applied[len(applied)-1].Version
	}
	m.PendingMigrations = len(pending)
	return m
}
