package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// Publisher is the part of *mqtt.Client the publisher needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Topics() mqtt.Topics
	QoS() byte
}

// State is the retained presence document for one device.
type State struct {
	Online   bool      `json:"online"`
	DeviceID string    `json:"deviceId"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// MQTTPublisher mirrors registry changes to retained MQTT messages on
// <prefix>/presence/<deviceId>, so late subscribers see current state.
// Evictions and failed commands are also published, not retained, on
// <prefix>/event/<type> for alerting.
type MQTTPublisher struct {
	client Publisher
	logger relay.Logger
}

// NewMQTTPublisher creates a publisher over client.
func NewMQTTPublisher(client Publisher, logger relay.Logger) *MQTTPublisher {
	if logger == nil {
		logger = nopLogger{}
	}
	return &MQTTPublisher{client: client, logger: logger}
}

// HandleEvent implements relay.EventSink.
func (p *MQTTPublisher) HandleEvent(e relay.Event) {
	if e.DeviceID == "" {
		return
	}
	if isPresenceEvent(e.Type) {
		p.logFailure("publishing device presence", e, p.Publish(e))
	}
	if isAlertEvent(e.Type) {
		p.logFailure("publishing relay event", e, p.PublishEvent(e))
	}
}

// logFailure logs err unless it is nil. A disconnected client is expected
// while paho reconnects and is only logged at debug.
func (p *MQTTPublisher) logFailure(msg string, e relay.Event, err error) {
	if err == nil {
		return
	}
	log := p.logger.Warn
	if errors.Is(err, mqtt.ErrNotConnected) {
		log = p.logger.Debug
	}
	log(msg, "device_id", e.DeviceID, "event", string(e.Type), "error", err)
}

// Publish sends the retained state implied by e.
func (p *MQTTPublisher) Publish(e relay.Event) error {
	state := State{
		Online:   e.Online(),
		DeviceID: e.DeviceID,
		At:       e.At.UTC(),
	}
	if !state.Online {
		state.Reason = e.Reason
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling presence state: %w", err)
	}
	if err := p.client.PublishRetained(p.client.Topics().Presence(e.DeviceID), payload); err != nil {
		return fmt.Errorf("publishing presence for %s: %w", e.DeviceID, err)
	}
	return nil
}

// PublishEvent sends e as JSON on the event topic for its type.
func (p *MQTTPublisher) PublishEvent(e relay.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling relay event: %w", err)
	}
	topic := p.client.Topics().Event(string(e.Type))
	if err := p.client.Publish(topic, payload, p.client.QoS(), false); err != nil {
		return fmt.Errorf("publishing %s event for %s: %w", e.Type, e.DeviceID, err)
	}
	return nil
}

func isAlertEvent(t relay.EventType) bool {
	return t == relay.EventEvicted || t == relay.EventCommandFailed
}
