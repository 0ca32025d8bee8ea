// Package broker wires the wire codec, session registry, topic router and
// retained store into a running MQTT 3.1.1 server: per-connection state
// machines handed off by network.Listener, and the dispatcher that routes
// decoded packets across the other packages once a connection is CONNECTED.
package broker

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/riftmq/riftmq/auth"
	"github.com/riftmq/riftmq/network"
	"github.com/riftmq/riftmq/session"
	"github.com/riftmq/riftmq/wire"
)

// State is a connection's position in the handshake/teardown lifecycle
// (design section 4.4).
type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// keepAliveMultiplier is the factor by which a client's declared keep-alive
// interval is extended before the watchdog fires (section 4.4/5: "1.5x").
const keepAliveMultiplier = 1.5

// outboundQueueInitialCap and outboundQueueHardMax bound a connection's write
// queue per section 5: it starts small and grows, but Send refuses once the
// hard cap is reached rather than growing without limit.
const (
	outboundQueueInitialCap = 256
	outboundQueueHardMax    = 8192
)

// drainDeadline bounds how long Stop waits for a queued write to flush
// before it force-closes the socket (section 4.4 DISCONNECTING).
const drainDeadline = 2 * time.Second

// ErrOutboundQueueFull is returned by Send when a connection's write queue
// has reached outboundQueueHardMax.
var ErrOutboundQueueFull = errors.New("broker: outbound queue full")

var (
	errProtocolViolation  = errors.New("broker: protocol violation")
	errHandshakeFailed    = errors.New("broker: CONNECT handshake failed")
	errGracefulDisconnect = errors.New("broker: client sent DISCONNECT")
)

// Conn is the per-TCP-connection state machine: it owns the read loop, the
// single writer goroutine draining its outbound queue, the connect-timeout
// and keep-alive timers, and the session.Sender contract the dispatcher and
// session manager use to reach it without touching the socket directly.
type Conn struct {
	broker *Broker
	raw    *network.Connection
	r      *bufio.Reader
	w      *bufio.Writer

	state atomic.Int32

	mu       sync.Mutex
	clientID string
	hasID    bool
	sess     *session.Session

	connectTimer *time.Timer
	watchdog     *time.Timer
	keepAlive    time.Duration

	outMu       sync.Mutex
	outCond     *sync.Cond
	outbound    []wire.Packet
	writeClosed bool
	wgWrite     sync.WaitGroup

	stopOnce sync.Once
}

func newConn(b *Broker, raw *network.Connection) *Conn {
	c := &Conn{
		broker:   b,
		raw:      raw,
		r:        bufio.NewReaderSize(raw, b.cfg.ReadBufSize),
		w:        bufio.NewWriterSize(raw, b.cfg.WriteBufSize),
		outbound: make([]wire.Packet, 0, outboundQueueInitialCap),
	}
	c.outCond = sync.NewCond(&c.outMu)
	return c
}

// ClientID implements session.Sender.
func (c *Conn) ClientID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.hasID
}

// Session returns the connection's bound session, once the handshake has
// completed, or nil before then.
func (c *Conn) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Send implements session.Sender: it enqueues pkt for the writer goroutine.
// A full queue is reported rather than blocked on, so a QoS0 publisher can
// drop the delivery per section 5's backpressure policy instead of stalling
// the caller.
func (c *Conn) Send(pkt wire.Packet) error {
	c.outMu.Lock()
	if c.writeClosed {
		c.outMu.Unlock()
		return network.ErrConnectionClosed
	}
	if len(c.outbound) >= outboundQueueHardMax {
		c.outMu.Unlock()
		return ErrOutboundQueueFull
	}
	c.outbound = append(c.outbound, pkt)
	c.outCond.Signal()
	c.outMu.Unlock()
	return nil
}

// Stop implements session.Sender: it transitions the connection through
// DISCONNECTING, drains whatever is already queued up to drainDeadline, and
// closes the socket. reason and severity are logged; only reason
// "DISCONNECT" (the client's own DISCONNECT packet) counts as a graceful
// close, so every other reason lets the session manager publish the will.
func (c *Conn) Stop(reason string, severity session.Severity) {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateDisconnecting))
		if c.connectTimer != nil {
			c.connectTimer.Stop()
		}
		if c.watchdog != nil {
			c.watchdog.Stop()
		}

		c.outMu.Lock()
		c.writeClosed = true
		c.outCond.Broadcast()
		c.outMu.Unlock()

		done := make(chan struct{})
		go func() {
			c.wgWrite.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainDeadline):
		}

		_ = c.raw.Close()
		c.state.Store(int32(StateDisconnected))

		clientID, _ := c.ClientID()
		switch severity {
		case session.SeverityWarn:
			c.broker.logger.Warn("connection closed", "client_id", clientID, "reason", reason)
		case session.SeverityError:
			c.broker.logger.Error("connection closed", "client_id", clientID, "reason", reason)
		default:
			c.broker.logger.Info("connection closed", "client_id", clientID, "reason", reason)
		}

		if reason == "MALFORMED_PACKET" || reason == "PROTOCOL_VIOLATION" {
			c.broker.metrics.OnMalformedPacket()
		}
		graceful := reason == "DISCONNECT"
		c.broker.onDisconnect(c, reason, graceful)
	})
}

func (c *Conn) writeLoop() {
	defer c.wgWrite.Done()
	for {
		c.outMu.Lock()
		for len(c.outbound) == 0 && !c.writeClosed {
			c.outCond.Wait()
		}
		if len(c.outbound) == 0 && c.writeClosed {
			c.outMu.Unlock()
			return
		}
		pkt := c.outbound[0]
		c.outbound = c.outbound[1:]
		c.outMu.Unlock()

		if err := pkt.Encode(c.w); err != nil {
			c.outMu.Lock()
			c.writeClosed = true
			c.outMu.Unlock()
			go c.Stop("IO_ERROR", session.SeverityError)
			return
		}
		if err := c.w.Flush(); err != nil {
			c.outMu.Lock()
			c.writeClosed = true
			c.outMu.Unlock()
			go c.Stop("IO_ERROR", session.SeverityError)
			return
		}
	}
}

func (c *Conn) resetWatchdog() {
	if c.keepAlive <= 0 {
		return
	}
	if c.watchdog == nil {
		c.watchdog = time.AfterFunc(c.keepAlive, c.keepAliveExpired)
		return
	}
	c.watchdog.Reset(c.keepAlive)
}

func (c *Conn) keepAliveExpired() {
	c.Stop("KEEPALIVE_TIMEOUT", session.SeverityWarn)
}

// readLoop runs the handshake then the steady-state decode/dispatch cycle.
// It occupies one reactor-pool worker slot for the connection's lifetime
// (section 5's "small fixed pool of reactors" model, C10).
func (c *Conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			clientID, _ := c.ClientID()
			err := errors.Newf("panic in connection read loop: %v", r)
			c.broker.logger.Error("internal error", "client_id", clientID, "err", err)
			c.broker.reportError(err, clientID)
			c.Stop("INTERNAL_ERROR", session.SeverityError)
		}
	}()
	if err := c.handshake(); err != nil {
		return
	}
	for {
		pkt, err := wire.Decode(c.r)
		if err != nil {
			c.handleDecodeError(err)
			return
		}
		c.resetWatchdog()
		if err := c.broker.dispatch(c, pkt); err != nil {
			return
		}
	}
}

func (c *Conn) handleDecodeError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, wire.ErrUnexpectedEOF) || errors.Is(err, network.ErrConnectionClosed) {
		c.Stop("IO_ERROR", session.SeverityInfo)
		return
	}
	clientID, _ := c.ClientID()
	c.broker.logger.Warn("malformed packet", "client_id", clientID, "err", err)
	c.Stop("MALFORMED_PACKET", session.SeverityWarn)
}

func isBadProtocol(err error) bool {
	return errors.Is(err, wire.ErrInvalidProtocolName) || errors.Is(err, wire.ErrInvalidProtocolLevel)
}

// handshake implements the INITIAL and CONNECTING states (section 4.4): the
// first packet on the connection must be CONNECT, with protocol, client-id
// and credential validation each producing their own CONNACK reason code (or
// a silent close, per section 7) before the connection reaches CONNECTED.
func (c *Conn) handshake() error {
	pkt, err := wire.Decode(c.r)
	if err != nil {
		if isBadProtocol(err) {
			_ = c.sendConnack(false, wire.ConnectRefusedUnacceptableProtocol)
			c.Stop("UNSUPPORTED_PROTOCOL", session.SeverityWarn)
			return errHandshakeFailed
		}
		c.handleDecodeError(err)
		return errHandshakeFailed
	}

	connectPkt, ok := pkt.(*wire.ConnectPacket)
	if !ok {
		c.Stop("PROTOCOL_VIOLATION", session.SeverityWarn)
		return errProtocolViolation
	}

	c.state.Store(int32(StateConnecting))

	clientID := connectPkt.ClientID
	if clientID == "" {
		if !connectPkt.CleanSession {
			_ = c.sendConnack(false, wire.ConnectRefusedIdentifierRejected)
			c.Stop("IDENTIFIER_REJECTED", session.SeverityWarn)
			return errHandshakeFailed
		}
		clientID = c.broker.sessions.GenerateClientID()
	}

	creds := auth.Credentials{
		Username:    connectPkt.Username,
		UsernameSet: connectPkt.UsernameSet,
		Password:    connectPkt.Password,
		PasswordSet: connectPkt.PasswordSet,
	}

	// A client presenting a TLS client certificate but no MQTT username is
	// identified by the certificate's common name instead (mutual-TLS
	// deployments authenticate at the transport layer and skip CONNECT
	// credentials entirely).
	if !creds.UsernameSet {
		if cn, err := network.GetPeerCommonName(c.raw); err == nil && cn != "" {
			creds.Username = cn
			creds.UsernameSet = true
		}
	}

	if !c.broker.authenticator.Authenticate(context.Background(), clientID, creds) {
		code := wire.ConnectRefusedNotAuthorized
		if creds.UsernameSet || creds.PasswordSet {
			code = wire.ConnectRefusedBadUsernamePassword
		}
		_ = c.sendConnack(false, code)
		c.Stop("AUTH_REJECTED", session.SeverityWarn)
		return errHandshakeFailed
	}

	// A clean-session reconnect must not see subscriptions left over from a
	// prior persistent session under this client-id: the router's index is
	// not owned by the session manager, so it is cleared here explicitly.
	if connectPkt.CleanSession {
		c.broker.router.UnsubscribeAll(clientID)
	}

	sess, sessionPresent := c.broker.sessions.CreateSession(clientID, connectPkt.CleanSession, c)

	c.mu.Lock()
	c.clientID = clientID
	c.hasID = true
	c.sess = sess
	c.mu.Unlock()

	if connectPkt.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:   connectPkt.WillTopic,
			Payload: connectPkt.WillPayload,
			QoS:     connectPkt.WillQoS,
			Retain:  connectPkt.WillRetain,
		})
	}

	c.keepAlive = time.Duration(float64(connectPkt.KeepAlive) * keepAliveMultiplier * float64(time.Second))

	if err := c.sendConnack(sessionPresent, wire.ConnectAccepted); err != nil {
		c.Stop("IO_ERROR", session.SeverityError)
		return errHandshakeFailed
	}

	c.state.Store(int32(StateConnected))
	c.resetWatchdog()
	c.broker.onConnected(c)

	if sessionPresent {
		c.replayPending(sess)
	}
	return nil
}

func (c *Conn) sendConnack(sessionPresent bool, code byte) error {
	return c.Send(&wire.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: code})
}

// replayPending sends every QoS1/2 publish still awaiting acknowledgement
// under this client-id (section 4.5's reconnect-resend rule, exercised by
// the takeover scenario). A publish already sent on a prior connection goes
// out again with dup=true; one queued while the client was offline is sent
// for the first time, with dup=false.
func (c *Conn) replayPending(sess *session.Session) {
	for _, msg := range sess.AllPendingOutbound() {
		msg.MarkAttempt()
		pkt := &wire.PublishPacket{
			DUP:       msg.DUP,
			QoS:       msg.QoS,
			TopicName: msg.Topic,
			PacketID:  msg.PacketID,
			Payload:   msg.Payload,
		}
		_ = c.Send(pkt)
	}
}

// start launches the writer goroutine and the connect-timeout watchdog, then
// returns — the caller is responsible for running readLoop (on a reactor
// pool worker, section 4.10).
func (c *Conn) start() {
	c.wgWrite.Add(1)
	go c.writeLoop()
	c.connectTimer = time.AfterFunc(c.broker.cfg.ConnectTimeout, func() {
		if State(c.state.Load()) == StateInitial {
			c.Stop("CONNECT_TIMEOUT", session.SeverityWarn)
		}
	})
}

var _ session.Sender = (*Conn)(nil)
