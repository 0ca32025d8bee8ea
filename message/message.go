// Package message holds the broker-internal representation of a published
// application message, independent of the wire encoding it arrived or
// departs on.
package message

import (
	"time"

	"github.com/riftmq/riftmq/wire"
)

// Message is a published payload in flight between a publisher and its
// subscribers, carrying the retry bookkeeping a QoS 1/2 delivery needs.
type Message struct {
	PacketID      uint16
	Topic         string
	Payload       []byte
	QoS           wire.QoS
	Retain        bool
	DUP           bool
	CreatedAt     time.Time
	LastAttemptAt time.Time
	AttemptCount  int
}

// New creates a message ready for its first delivery attempt.
func New(topic string, payload []byte, qos wire.QoS, retain bool) *Message {
	now := time.Now()
	return &Message{
		Topic:         topic,
		Payload:       payload,
		QoS:           qos,
		Retain:        retain,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
}

// MarkAttempt records a delivery attempt, setting DUP once a message has
// been attempted more than once.
func (m *Message) MarkAttempt() {
	m.AttemptCount++
	m.LastAttemptAt = time.Now()
	if m.AttemptCount > 1 {
		m.DUP = true
	}
}

// Clone returns a deep copy, so concurrent deliveries to different
// subscribers can each carry their own PacketID and DUP/AttemptCount state.
func (m *Message) Clone() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	clone := *m
	clone.Payload = payload
	return &clone
}
