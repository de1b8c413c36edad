package mqtt

import "strings"

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "relay"

// Topics builds the relay's MQTT topic names under a common prefix.
//
//	topics := mqtt.NewTopics("site-a/relay")
//	topics.Presence("lamp-1") // "site-a/relay/presence/lamp-1"
//	topics.Command("lamp-1")  // "site-a/relay/command/lamp-1"
type Topics struct {
	prefix string
}

// NewTopics returns a builder for prefix. Surrounding slashes are trimmed;
// an empty prefix means DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

func (t Topics) join(parts ...string) string {
	return t.Prefix() + "/" + strings.Join(parts, "/")
}

// Presence is the retained online/offline topic for a device.
func (t Topics) Presence(deviceID string) string {
	return t.join("presence", deviceID)
}

// Command is the topic other services publish to in order to reach a
// device connected to the relay.
func (t Topics) Command(deviceID string) string {
	return t.join("command", deviceID)
}

// AllCommands matches every device's command topic.
func (t Topics) AllCommands() string {
	return t.join("command", "+")
}

// Event is the topic for relay events of one type (e.g. "evicted").
func (t Topics) Event(eventType string) string {
	return t.join("event", eventType)
}

// SystemStatus is the retained relay status topic (also the LWT topic).
func (t Topics) SystemStatus() string {
	return t.join("system", "status")
}

// CommandDeviceID extracts the device ID from a concrete command topic.
func (t Topics) CommandDeviceID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.join("command")+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
