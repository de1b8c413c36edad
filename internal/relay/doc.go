// Package relay is the message relay core: the connection registry, the
// heartbeat reaper, and the routing of messages between devices and
// controllers.
//
// # Architecture
//
//	transport (internal/api)          relay core
//	┌──────────────────────┐   Accept   ┌──────────────────────────────────┐
//	│ WebSocket read loop  │──────────▶│ Broker                           │
//	│                      │ HandleIn.. │  ├─ Router  (type dispatch)      │
//	│                      │──────────▶│  ├─ Registry (id → conn, seen)   │
//	│                      │ Closed     │  └─ Reaper  (evict > 2 × T)      │
//	│                      │──────────▶│                                  │
//	└──────────────────────┘            └──────────────────────────────────┘
//
// The Registry is the only shared mutable state. Every operation on it is
// serialised by one mutex, and iteration always goes through a snapshot.
//
// # Wire protocol
//
// Frames are JSON objects with a "type" discriminant:
//
//	{"type":"register","deviceId":"lamp-1"}          → registration_ack
//	{"type":"heartbeat"}                              → (no reply)
//	{"type":"command","targetDeviceId":"lamp-1",...}  → forwarded verbatim, or command_error
//	{"type":"broadcast",...}                          → every other open connection
//
// Malformed frames are answered with {"type":"error","message":...} and
// change nothing. In ModeBroadcast every well-formed frame is broadcast and
// new connections receive a connection_ack.
//
// # Delivery
//
// Forwarding is best-effort and at-most-once. Sends never block; a recipient
// that cannot take a frame is logged and left for the reaper.
package relay
