package broker

import (
	"context"
	"time"

	"github.com/riftmq/riftmq/message"
	"github.com/riftmq/riftmq/session"
	"github.com/riftmq/riftmq/topic"
	"github.com/riftmq/riftmq/wire"
)

// dispatch routes one decoded, post-handshake packet to its handler (section
// 4.9/C9). A non-nil error means the connection has already been stopped and
// the caller's read loop should exit.
func (b *Broker) dispatch(c *Conn, pkt wire.Packet) error {
	switch pkt.Type() {
	case wire.CONNECT:
		c.Stop("PROTOCOL_VIOLATION", session.SeverityWarn)
		return errProtocolViolation
	case wire.PUBLISH:
		return b.handlePublish(c, pkt.(*wire.PublishPacket))
	case wire.PUBACK:
		return b.handlePuback(c, pkt)
	case wire.PUBREC:
		return b.handlePubrec(c, pkt)
	case wire.PUBREL:
		return b.handlePubrel(c, pkt)
	case wire.PUBCOMP:
		return b.handlePubcomp(c, pkt)
	case wire.SUBSCRIBE:
		return b.handleSubscribe(c, pkt.(*wire.SubscribePacket))
	case wire.UNSUBSCRIBE:
		return b.handleUnsubscribe(c, pkt.(*wire.UnsubscribePacket))
	case wire.PINGREQ:
		if err := c.Send(wire.NewPingresp()); err != nil {
			c.Stop("IO_ERROR", session.SeverityError)
			return err
		}
		return nil
	case wire.DISCONNECT:
		if sess := c.Session(); sess != nil {
			sess.ClearWillMessage()
		}
		c.Stop("DISCONNECT", session.SeverityInfo)
		return errGracefulDisconnect
	default:
		c.Stop("PROTOCOL_VIOLATION", session.SeverityWarn)
		return errProtocolViolation
	}
}

func (b *Broker) handlePublish(c *Conn, p *wire.PublishPacket) error {
	if err := topic.ValidateTopic(p.TopicName); err != nil {
		c.Stop("MALFORMED_PACKET", session.SeverityWarn)
		return err
	}

	sess := c.Session()
	msg := message.New(p.TopicName, p.Payload, p.QoS, p.Retain)

	switch p.QoS {
	case wire.QoS0:
		b.routePublish(msg)
	case wire.QoS1:
		b.routePublish(msg)
		if err := c.Send(wire.NewPuback(p.PacketID)); err != nil {
			c.Stop("IO_ERROR", session.SeverityError)
			return err
		}
	case wire.QoS2:
		if sess == nil {
			return nil
		}
		if sess.HasPubrelPending(p.PacketID) {
			// Duplicate of a PUBLISH already accepted and awaiting PUBREL
			// (section 4.9's QoS2 de-dup rule): re-ack without re-publishing.
			if err := c.Send(wire.NewPubrec(p.PacketID)); err != nil {
				c.Stop("IO_ERROR", session.SeverityError)
				return err
			}
			return nil
		}
		sess.MarkPubrelPending(p.PacketID, msg)
		if err := c.Send(wire.NewPubrec(p.PacketID)); err != nil {
			c.Stop("IO_ERROR", session.SeverityError)
			return err
		}
	}
	return nil
}

func (b *Broker) handlePubrel(c *Conn, pkt wire.Packet) error {
	id, _ := wire.PacketIDOf(pkt)
	if sess := c.Session(); sess != nil {
		if msg, ok := sess.TakePubrelPending(id); ok {
			b.routePublish(msg)
		}
	}
	if err := c.Send(wire.NewPubcomp(id)); err != nil {
		c.Stop("IO_ERROR", session.SeverityError)
		return err
	}
	return nil
}

func (b *Broker) handlePuback(c *Conn, pkt wire.Packet) error {
	id, _ := wire.PacketIDOf(pkt)
	if sess := c.Session(); sess != nil {
		sess.RemovePendingOutbound(id)
	}
	return nil
}

func (b *Broker) handlePubrec(c *Conn, pkt wire.Packet) error {
	id, _ := wire.PacketIDOf(pkt)
	if sess := c.Session(); sess != nil {
		sess.RemovePendingOutbound(id)
		sess.MarkPubcompPending(id)
	}
	if err := c.Send(wire.NewPubrel(id)); err != nil {
		c.Stop("IO_ERROR", session.SeverityError)
		return err
	}
	return nil
}

func (b *Broker) handlePubcomp(c *Conn, pkt wire.Packet) error {
	id, _ := wire.PacketIDOf(pkt)
	if sess := c.Session(); sess != nil {
		sess.ClearPubcompPending(id)
	}
	return nil
}

func (b *Broker) handleSubscribe(c *Conn, p *wire.SubscribePacket) error {
	clientID, _ := c.ClientID()
	sess := c.Session()

	codes := make([]byte, len(p.Subscriptions))
	granted := make([]wire.Subscription, 0, len(p.Subscriptions))
	for i, sub := range p.Subscriptions {
		if err := topic.ValidateTopicFilter(sub.TopicFilter); err != nil {
			codes[i] = wire.SubackFailure
			continue
		}
		routed := &topic.Subscription{ClientID: clientID, TopicFilter: sub.TopicFilter, QoS: sub.QoS}
		if err := b.router.Subscribe(routed); err != nil {
			codes[i] = wire.SubackFailure
			continue
		}
		if sess != nil {
			sess.AddSubscription(&session.Subscription{TopicFilter: sub.TopicFilter, QoS: sub.QoS, SubscribedAt: time.Now()})
		}
		codes[i] = byte(sub.QoS)
		granted = append(granted, sub)
	}

	if err := c.Send(&wire.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes}); err != nil {
		c.Stop("IO_ERROR", session.SeverityError)
		return err
	}

	b.replayRetained(c, granted)
	return nil
}

// replayRetained sends the current retained message for every topic matching
// a newly granted subscription (section 3.3/4.8), each capped to the lower
// of its own QoS and the subscription's granted QoS.
func (b *Broker) replayRetained(c *Conn, subs []wire.Subscription) {
	ctx := context.Background()
	sess := c.Session()
	for _, sub := range subs {
		msgs, err := b.retained.Match(ctx, sub.TopicFilter)
		if err != nil {
			continue
		}
		for _, rm := range msgs {
			effectiveQoS := rm.QoS
			if sub.QoS < effectiveQoS {
				effectiveQoS = sub.QoS
			}
			out := rm.Clone()
			out.QoS = effectiveQoS
			out.Retain = true

			pkt := &wire.PublishPacket{
				TopicName: out.Topic,
				Payload:   out.Payload,
				QoS:       effectiveQoS,
				Retain:    true,
			}
			if effectiveQoS > wire.QoS0 && sess != nil {
				out.PacketID = sess.NextPacketID()
				pkt.PacketID = out.PacketID
				out.MarkAttempt()
				sess.AddPendingOutbound(out)
			}
			_ = c.Send(pkt)
		}
	}
}

func (b *Broker) handleUnsubscribe(c *Conn, p *wire.UnsubscribePacket) error {
	clientID, _ := c.ClientID()
	sess := c.Session()
	for _, filter := range p.TopicFilters {
		b.router.Unsubscribe(clientID, filter)
		if sess != nil {
			sess.RemoveSubscription(filter)
		}
	}
	if err := c.Send(wire.NewUnsuback(p.PacketID)); err != nil {
		c.Stop("IO_ERROR", session.SeverityError)
		return err
	}
	return nil
}

// routePublish resolves subscribers for msg.Topic and enqueues a per-session
// delivery copy to each, persisting msg first if it is a retained publish
// (section 4.7/4.8, C7/C8). Used for both client PUBLISH and will delivery.
func (b *Broker) routePublish(msg *message.Message) {
	if msg.Retain {
		_ = b.retained.Set(context.Background(), msg.Topic, msg)
	}

	subscribers := b.router.Match(msg.Topic)
	for _, sub := range subscribers {
		sess, ok := b.sessions.GetSession(sub.ClientID)
		if !ok {
			continue
		}
		sender := sess.GetSender()

		effectiveQoS := msg.QoS
		if sub.QoS < effectiveQoS {
			effectiveQoS = sub.QoS
		}

		out := msg.Clone()
		out.QoS = effectiveQoS
		out.Retain = false

		pkt := &wire.PublishPacket{
			TopicName: out.Topic,
			Payload:   out.Payload,
			QoS:       effectiveQoS,
		}
		if effectiveQoS > wire.QoS0 {
			out.PacketID = sess.NextPacketID()
			pkt.PacketID = out.PacketID
			if sender != nil {
				out.MarkAttempt()
			}
			sess.AddPendingOutbound(out)
			// A disconnected persistent session still records the in-flight
			// entry for delivery on reconnect (section 4.5); only a live
			// sender is asked to send it now.
			if sender != nil {
				_ = sender.Send(pkt)
			}
			continue
		}

		// QoS0 has no redelivery path: an offline client or a saturated
		// outbound queue simply misses the message (section 5).
		if sender != nil {
			_ = sender.Send(pkt)
		}
	}
	b.metrics.OnPublishRouted(msg.QoS)
}

// PublishWill implements session.WillPublisher.
func (b *Broker) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	msg := message.New(will.Topic, will.Payload, will.QoS, will.Retain)
	b.routePublish(msg)
	return nil
}
