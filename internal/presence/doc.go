// Package presence connects the relay broker to the outside world.
//
// Each type here is a relay.EventSink or an inbound adapter:
//
//   - MQTTPublisher publishes retained online/offline state per device.
//   - InfluxRecorder writes every relay event and periodic broker stats.
//   - HistoryRepository stores presence transitions in SQLite.
//   - RedisMirror keeps a hash of online devices for other services.
//   - CommandIngress delivers MQTT command payloads to connected devices.
//
// Sinks run on the broker's single dispatcher goroutine. A slow or failing
// sink delays other sinks but never blocks message routing.
package presence
