package presence

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// CommandSubscriber is the part of *mqtt.Client the ingress needs.
type CommandSubscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
	QoS() byte
}

// DeviceSender delivers a payload to a registered device.
// *relay.Broker satisfies it.
type DeviceSender interface {
	SendTo(deviceID string, payload []byte) error
}

// CommandIngress subscribes to <prefix>/command/+ and hands each payload,
// unchanged, to the device named by the last topic segment.
//
// Delivery has the same at-most-once semantics as a command sent over
// WebSocket; an offline device just drops the command.
type CommandIngress struct {
	client CommandSubscriber
	sender DeviceSender
	logger relay.Logger
}

// NewCommandIngress creates an ingress. Call Start to subscribe.
func NewCommandIngress(client CommandSubscriber, sender DeviceSender, logger relay.Logger) *CommandIngress {
	if logger == nil {
		logger = nopLogger{}
	}
	return &CommandIngress{client: client, sender: sender, logger: logger}
}

// Start subscribes to the command wildcard topic.
func (ci *CommandIngress) Start() error {
	topic := ci.client.Topics().AllCommands()
	if err := ci.client.Subscribe(topic, ci.client.QoS(), ci.handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	ci.logger.Info("mqtt command ingress started", "topic", topic)
	return nil
}

// Stop removes the subscription.
func (ci *CommandIngress) Stop() error {
	if err := ci.client.Unsubscribe(ci.client.Topics().AllCommands()); err != nil {
		return fmt.Errorf("unsubscribing command ingress: %w", err)
	}
	return nil
}

func (ci *CommandIngress) handle(topic string, payload []byte) error {
	deviceID, ok := ci.client.Topics().CommandDeviceID(topic)
	if !ok {
		return fmt.Errorf("not a command topic: %s", topic)
	}

	err := ci.sender.SendTo(deviceID, payload)
	switch {
	case err == nil:
		ci.logger.Debug("mqtt command delivered", "device_id", deviceID, "bytes", len(payload))
		return nil
	case errors.Is(err, relay.ErrDeviceOffline):
		ci.logger.Debug("mqtt command for offline device dropped", "device_id", deviceID)
		return nil
	default:
		return err
	}
}
