package mqtt

import (
	paho "github.com/eclipse/paho.mqtt.golang"
)

// QoS represents MQTT quality of service levels.
type QoS byte

const (
	// QoSAtMostOnce means the message is delivered at most once, or it may not be delivered at all.
	QoSAtMostOnce QoS = 0
	// QoSAtLeastOnce means the message is always delivered at least once.
	QoSAtLeastOnce QoS = 1
	// QoSExactlyOnce means the message is always delivered exactly once.
	QoSExactlyOnce QoS = 2
)

// PublishQoS is used for every publication. Publish only succeeds once the broker
// acknowledged the message with a PUBACK.
const PublishQoS = QoSAtLeastOnce

// Message is a received MQTT message. With manual acknowledgement enabled the
// handler must call Ack once the message was handled.
type Message = paho.Message

// MessageHandler is called for every message received on a subscription.
type MessageHandler func(msg Message)

// SubscriptionSpec describes a subscription registered before connecting.
type SubscriptionSpec struct {
	Topic     string         // Topic is the parameterized pattern (e.g., sensors/{deviceID}/events).
	TopicMQTT string         // TopicMQTT is the MQTT wildcard format (e.g., sensors/+/events).
	QoS       QoS            // QoS is the quality of service level for this subscription.
	Handler   MessageHandler // Handler is the function that will be called when a message is received.
}
