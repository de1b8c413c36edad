// Package mqtt connects the relay to an MQTT broker.
//
// The relay uses MQTT in two directions:
//   - outbound: retained presence per device and relay events, so other
//     services can see which devices are online without a WebSocket
//   - inbound: commands published on <prefix>/command/<deviceId> are
//     delivered to the device's WebSocket connection
//
// The client reconnects with backoff, restores subscriptions, and
// registers a Last Will on <prefix>/system/status.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// TLS should be enabled for anything beyond a local broker.
package mqtt
