package relay

import "errors"

// Domain errors for the relay package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, relay.ErrConnectionClosed) {
//	    // recipient is unreachable, leave it for the reaper
//	}
var (
	// ErrConnectionClosed is returned when sending on a connection that is closing or closed.
	ErrConnectionClosed = errors.New("relay: connection closed")

	// ErrTransportFailure wraps a lower-level write error from the transport.
	ErrTransportFailure = errors.New("relay: transport failure")

	// ErrNotRegistered is returned when touching a device ID that has no registry entry.
	ErrNotRegistered = errors.New("relay: device not registered")

	// ErrInvalidEnvelope is returned when an inbound message is not a JSON object
	// with the expected field types.
	ErrInvalidEnvelope = errors.New("relay: invalid message format")

	// ErrUnknownType is returned when an envelope carries an unrecognised type.
	ErrUnknownType = errors.New("relay: unknown message type")

	// ErrMissingDeviceID is returned when a register message has no deviceId.
	ErrMissingDeviceID = errors.New("relay: deviceId is required")

	// ErrMissingTarget is returned when a command message has no targetDeviceId.
	ErrMissingTarget = errors.New("relay: targetDeviceId is required")

	// ErrRateLimited is reported when a connection sends faster than its
	// allowance; the message is dropped.
	ErrRateLimited = errors.New("relay: rate limit exceeded")

	// ErrDeviceOffline is returned when a directed delivery finds no open connection
	// for the target device.
	ErrDeviceOffline = errors.New("relay: device offline")
)
