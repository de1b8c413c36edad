// Package api implements the HTTP server and WebSocket transport for the relay.
//
// This package provides:
//   - The WebSocket endpoint on "/" and the configured path, feeding the relay broker
//   - A status page, /health, and read-only device and metrics endpoints
//   - Middleware stack (request ID, logging, recovery, HTTPS redirect, CORS)
//   - TLS support for deployments that terminate TLS in-process
//
// # Transport
//
// Each upgraded socket becomes one relay.Connection. A read pump routes
// frames through the broker in arrival order and reports the connection
// closed when reading stops. A write pump drains a bounded send queue and
// pings the peer; a client that stops answering pings is dropped after
// ping_interval + pong_timeout.
//
// # Security
//
// Clients are not authenticated. Origin checks are left to CORS, and an
// optional per-connection rate limit answers floods with an error frame.
package api
