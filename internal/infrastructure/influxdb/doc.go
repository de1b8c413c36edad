// Package influxdb writes relay telemetry to InfluxDB 2.x.
//
// Two measurements are produced:
//
//	relay_events  tags: event, device_id   fields: count, recipients, reason
//	relay_stats   fields: active_connections, registered_devices, forwarded, ...
//
// Writes are non-blocking and batched by the client library; failures are
// reported through SetOnError.
package influxdb
