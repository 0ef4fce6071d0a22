// Package mqtt provides MQTT client connectivity for the Lutron bridge.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Gray Logic uses MQTT as the internal message bus connecting the Core
// to protocol bridges. This bridge publishes Lutron device state and
// health under the "lutron" protocol segment, and receives commands
// addressed to it from Core.
//
//	Gray Logic Core ↔ MQTT Broker ↔ Lutron Bridge ↔ Lutron Controller
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all commands addressed to this bridge
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a device state update (retained)
//	topic := mqtt.Topics{}.State("5")
//	client.Publish(topic, []byte(`{"level":75}`), 1, true)
package mqtt
