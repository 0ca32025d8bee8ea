package topic

import "github.com/riftmq/riftmq/wire"

// Subscription is one (clientID, topic filter) subscription entry as
// recorded by a SUBSCRIBE packet.
type Subscription struct {
	ClientID    string
	TopicFilter string
	QoS         wire.QoS
}

// SubscriberInfo is the routing-time view of a subscription returned by a
// topic match: just enough to decide delivery QoS and destination.
type SubscriberInfo struct {
	ClientID string
	QoS      wire.QoS
}
