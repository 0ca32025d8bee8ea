// Package session implements per-client MQTT session state: subscriptions,
// in-flight QoS 1/2 bookkeeping, packet identifier allocation, and the will
// message, plus the broker-wide session table that governs clean-session
// and session-takeover semantics.
package session

import (
	"sync"
	"time"

	"github.com/riftmq/riftmq/message"
	"github.com/riftmq/riftmq/wire"
)

// Severity classifies why a Sender was asked to stop, for logging.
type Severity byte

const (
	SeverityInfo  Severity = iota // routine: clean DISCONNECT, takeover, peer closed the socket
	SeverityWarn                  // connect/keep-alive timeout, malformed packet, protocol violation, refused CONNECT, administrative shutdown
	SeverityError                 // write failure, internal error, reactor pool refusal
)

// Sender is the narrow outbound contract a live connection exposes to the
// broker's session and dispatch layers (design section 4.3): enough to push
// a packet onto its write queue or ask it to close, nothing that would let
// dispatch code reach for the socket directly.
type Sender interface {
	ClientID() (string, bool)
	Send(pkt wire.Packet) error
	Stop(reason string, severity Severity)
}

// State is the lifecycle state of a session.
type State byte

const (
	StateNew          State = iota // created, not yet associated with a live connection
	StateActive                    // bound to a connected client
	StateDisconnected              // client gone, session retained for a clean-session=false client
)

// WillMessage is the message the broker publishes on this session's behalf
// if the connection closes ungracefully.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     wire.QoS
	Retain  bool
}

// Subscription is one entry in a session's subscription table.
type Subscription struct {
	TopicFilter  string
	QoS          wire.QoS
	SubscribedAt time.Time
}

// Session holds everything the broker must remember about a client across
// reconnects when CleanSession is false: its subscriptions and any
// in-flight QoS 1/2 exchange.
type Session struct {
	mu sync.RWMutex

	ClientID       string
	CleanSession   bool
	State          State
	CreatedAt      time.Time
	LastAccessedAt time.Time
	DisconnectedAt time.Time
	WillMessage    *WillMessage

	Subscriptions map[string]*Subscription

	sender Sender // weak back-reference to the live connection, nil when disconnected

	pendingOutbound map[uint16]*message.Message // QoS1/2 PUBLISH sent, awaiting PUBACK/PUBREC
	pendingPubrel   map[uint16]*message.Message // QoS2 inbound PUBLISH received, awaiting the client's PUBREL
	pendingPubcomp  map[uint16]struct{}         // QoS2 outbound PUBREL sent, awaiting PUBCOMP

	nextPacketID uint16
}

// New creates a session in StateNew for clientID.
func New(clientID string, cleanSession bool) *Session {
	now := time.Now()
	return &Session{
		ClientID:        clientID,
		CleanSession:    cleanSession,
		State:           StateNew,
		CreatedAt:       now,
		LastAccessedAt:  now,
		Subscriptions:   make(map[string]*Subscription),
		pendingOutbound: make(map[uint16]*message.Message),
		pendingPubrel:   make(map[uint16]*message.Message),
		pendingPubcomp:  make(map[uint16]struct{}),
		nextPacketID:    1,
	}
}

// SetActive marks the session bound to a live connection.
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastAccessedAt = time.Now()
}

// SetDisconnected marks the session as retained-but-unbound.
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()
}

// GetState returns the session's current lifecycle state.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetWillMessage records will, to be published if the connection closes
// without a clean DISCONNECT.
func (s *Session) SetWillMessage(will *WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = will
}

// ClearWillMessage discards the will message, as a clean DISCONNECT requires.
func (s *Session) ClearWillMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = nil
}

// SetSender binds the session to its live connection. Called once a CONNECT
// has been accepted, replacing whatever connection (if any) previously held
// the slot — the caller is responsible for stopping that prior connection
// first (session manager takeover, section 4.6).
func (s *Session) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// GetSender returns the session's current connection handle, or nil if the
// session is retained but not presently connected.
func (s *Session) GetSender() Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sender
}

// ClearSender unbinds the session from its connection, done when that
// connection closes so a stale handle is never used for delivery.
func (s *Session) ClearSender() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = nil
}

// GetWillMessage returns the currently armed will message, if any.
func (s *Session) GetWillMessage() *WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WillMessage
}

// AddSubscription records or replaces a subscription.
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription deletes a subscription by filter.
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, topicFilter)
}

// GetAllSubscriptions returns a snapshot copy of the subscription table.
func (s *Session) GetAllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make(map[string]*Subscription, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		subs[k] = v
	}
	return subs
}

// ClearSubscriptions removes every subscription from the session's table.
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
}

// NextPacketID allocates the next unused packet identifier, wrapping from
// 65535 back to 1 and skipping any identifier still in flight.
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id := s.nextPacketID
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, ok := s.pendingOutbound[id]; ok {
			continue
		}
		if _, ok := s.pendingPubcomp[id]; ok {
			continue
		}
		return id
	}
}

// AddPendingOutbound records a QoS 1/2 PUBLISH awaiting acknowledgement.
func (s *Session) AddPendingOutbound(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOutbound[msg.PacketID] = msg
}

// RemovePendingOutbound clears a PUBACK'd (QoS1) or PUBREC'd (QoS2) message.
func (s *Session) RemovePendingOutbound(packetID uint16) (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pendingOutbound[packetID]
	if ok {
		delete(s.pendingOutbound, packetID)
	}
	return msg, ok
}

// GetPendingOutbound returns a message awaiting acknowledgement, for retry.
func (s *Session) GetPendingOutbound(packetID uint16) (*message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.pendingOutbound[packetID]
	return msg, ok
}

// AllPendingOutbound returns every message still awaiting acknowledgement,
// for redelivery after a reconnect.
func (s *Session) AllPendingOutbound() []*message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*message.Message, 0, len(s.pendingOutbound))
	for _, m := range s.pendingOutbound {
		out = append(out, m)
	}
	return out
}

// MarkPubrelPending records that an inbound QoS2 PUBLISH has been received
// and a PUBREL is now awaited before msg is released for application
// delivery (forwarded to the dispatcher exactly once, on PUBREL).
func (s *Session) MarkPubrelPending(packetID uint16, msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPubrel[packetID] = msg
}

// TakePubrelPending completes the QoS2 inbound handshake for packetID,
// returning the message recorded at PUBLISH time so the caller can forward
// it to the dispatcher, and clearing the pending entry.
func (s *Session) TakePubrelPending(packetID uint16) (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pendingPubrel[packetID]
	if ok {
		delete(s.pendingPubrel, packetID)
	}
	return msg, ok
}

// HasPubrelPending reports whether a duplicate inbound PUBLISH for
// packetID should be treated as already-seen (section 4.9 QoS2 de-dup).
func (s *Session) HasPubrelPending(packetID uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pendingPubrel[packetID]
	return ok
}

// MarkPubcompPending records that an outbound PUBREL has been sent and a
// PUBCOMP is now awaited.
func (s *Session) MarkPubcompPending(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPubcomp[packetID] = struct{}{}
}

// ClearPubcompPending completes the QoS2 outbound handshake for packetID.
func (s *Session) ClearPubcompPending(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingPubcomp, packetID)
}

// Clear discards all subscription and in-flight state, as a clean-session
// takeover of an existing session must.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
	s.pendingOutbound = make(map[uint16]*message.Message)
	s.pendingPubrel = make(map[uint16]*message.Message)
	s.pendingPubcomp = make(map[uint16]struct{})
	s.WillMessage = nil
}
