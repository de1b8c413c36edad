package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message types understood on the wire.
const (
	TypeRegister        = "register"
	TypeHeartbeat       = "heartbeat"
	TypeCommand         = "command"
	TypeBroadcast       = "broadcast"
	TypeRegistrationAck = "registration_ack"
	TypeCommandError    = "command_error"
	TypeConnectionAck   = "connection_ack"
	TypeError           = "error"
)

// StatusSuccess is the status carried by a successful registration_ack.
const StatusSuccess = "success"

// invalidFormatMessage matches the text the bridge has always sent for
// unparseable frames.
const invalidFormatMessage = "Invalid message format"

// Envelope is the routing view of an inbound message. Only the fields the
// message kind routes on are decoded; everything else stays in the raw
// bytes and is forwarded untouched, whatever its JSON type.
type Envelope struct {
	Type           string
	DeviceID       string // register only
	TargetDeviceID string // command only
}

// Routing field names.
const (
	fieldType           = "type"
	fieldDeviceID       = "deviceId"
	fieldTargetDeviceID = "targetDeviceId"
)

// DecodeEnvelope parses data as a JSON object and extracts the fields its
// type routes on. Anything other than an object, a non-string type, or a
// non-string routing field for that type yields ErrInvalidEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return Envelope{}, err
	}

	var env Envelope
	if env.Type, err = stringField(fields, fieldType); err != nil {
		return Envelope{}, err
	}
	switch env.Type {
	case TypeRegister:
		env.DeviceID, err = stringField(fields, fieldDeviceID)
	case TypeCommand:
		env.TargetDeviceID, err = stringField(fields, fieldTargetDeviceID)
	}
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// decodeObject checks that data is a single JSON object and returns its
// members undecoded.
func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidEnvelope
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return fields, nil
}

// stringField returns fields[key] as a string. A missing key or JSON null
// yields "".
func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidEnvelope, key)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

// RegistrationAck is sent to a connection after a successful register.
type RegistrationAck struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	DeviceID string `json:"deviceId"`
}

// CommandError is sent to the originator of an undeliverable command.
type CommandError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ConnectionAck is sent on connect in broadcast mode.
type ConnectionAck struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ErrorMessage reports a protocol error to the sender.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newRegistrationAck(deviceID string) RegistrationAck {
	return RegistrationAck{Type: TypeRegistrationAck, Status: StatusSuccess, DeviceID: deviceID}
}

func newCommandError(deviceID string) CommandError {
	return CommandError{Type: TypeCommandError, Error: fmt.Sprintf("Device %s offline", deviceID)}
}

func newConnectionAck() ConnectionAck {
	return ConnectionAck{Type: TypeConnectionAck, Status: "connected"}
}

func newErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}
