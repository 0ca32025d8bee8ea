package broker

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/riftmq/riftmq/auth"
	"github.com/riftmq/riftmq/message"
	"github.com/riftmq/riftmq/metrics"
	"github.com/riftmq/riftmq/network"
	"github.com/riftmq/riftmq/pkg/logger"
	"github.com/riftmq/riftmq/qos"
	"github.com/riftmq/riftmq/retained"
	"github.com/riftmq/riftmq/session"
	"github.com/riftmq/riftmq/topic"
	"github.com/riftmq/riftmq/wire"
)

// connMetaKey is the network.Connection metadata key under which a Broker
// stores the *Conn wrapping it, so administrative shutdown (which only has
// the underlying network.Pool to walk) can reach back into the MQTT-aware
// state machine rather than closing the raw socket.
const connMetaKey = "broker.conn"

// Broker wires every protocol package (session, topic, retained, qos, auth)
// to a network.Listener, and is the top-level object cmd/mqttd constructs
// and runs.
type Broker struct {
	cfg *Config

	listener      *network.Listener
	connPool      *network.Pool
	reactorPool   *ants.Pool
	sessions      *session.Manager
	router        *topic.Router
	retained      *retained.Store
	authenticator auth.Authenticator
	retrier       *qos.Retrier
	metrics       *metrics.Metrics
	logger        logger.Logger
	errorReporter ErrorReporter

	gaugeStop chan struct{}
	gaugeWG   sync.WaitGroup
}

// New constructs a Broker from cfg. The broker is not yet listening; call
// Start.
func New(cfg *Config, authenticator auth.Authenticator, log logger.Logger) (*Broker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewSlogLogger(0, nil)
	}
	if authenticator == nil {
		authenticator = auth.AllowAll{}
	}

	connPool, err := network.NewPool(&network.PoolConfig{
		MaxConnections: maxConnectionsOrDefault(cfg.MaxConnections),
	})
	if err != nil {
		return nil, errors.Wrap(err, "constructing connection pool")
	}

	listenerCfg := network.DefaultListenerConfig(cfg.ListenAddress)
	listenerCfg.MaxConnections = maxConnectionsOrDefault(cfg.MaxConnections)
	if cfg.TLSCertFile != "" {
		tlsSetup := network.DefaultTLSConfig()
		tlsSetup.CertFile = cfg.TLSCertFile
		tlsSetup.KeyFile = cfg.TLSKeyFile
		tlsSetup.CAFile = cfg.TLSCAFile
		tlsCfg, err := tlsSetup.Build()
		if err != nil {
			return nil, errors.Wrap(err, "loading TLS config")
		}
		listenerCfg.TLSConfig = tlsCfg
	}
	listener, err := network.NewListener(listenerCfg, connPool)
	if err != nil {
		return nil, errors.Wrap(err, "constructing listener")
	}

	reactorPool, err := ants.NewPool(cfg.ReactorPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "constructing reactor pool")
	}

	b := &Broker{
		cfg:           cfg,
		listener:      listener,
		connPool:      connPool,
		reactorPool:   reactorPool,
		router:        topic.NewRouter(),
		retained:      retained.New(),
		authenticator: authenticator,
		metrics:       metrics.New(),
		logger:        log,
		errorReporter: noopReporter{},
	}
	b.sessions = session.NewManager(b)
	b.retrier = qos.NewRetrier(
		&qos.Config{AckTimeout: cfg.PubAckTimeout, MaxRetries: cfg.PubMaxRetries, Interval: cfg.RetrySweepInterval},
		b.sessions.ActiveSessions,
		b.resend,
	)
	b.retrier.OnDropped(func(clientID string, msg *message.Message) {
		b.logger.Warn("publish dropped after exhausting retries", "client_id", clientID, "topic", msg.Topic, "packet_id", msg.PacketID)
	})

	listener.OnConnection(b.handleConnection)
	return b, nil
}

func maxConnectionsOrDefault(n int) int {
	if n <= 0 {
		return 1 << 20 // "0 = unbounded" expressed as a generous fixed ceiling, since network.Pool requires MaxConnections > 0
	}
	return n
}

// gaugeRefreshInterval is how often the retained-message and active-session
// Prometheus gauges are resynced against their source of truth, rather than
// updated inline on every mutation (section 5: reads of shared state must
// only observe a consistent snapshot, not be on the hot path of every call).
const gaugeRefreshInterval = 5 * time.Second

// Addr returns the listener's bound address, useful once cfg.ListenAddress
// used port 0 and the operating system chose the actual port. Nil before
// Start.
func (b *Broker) Addr() net.Addr {
	return b.listener.Addr()
}

// MetricsHandler returns the HTTP handler to mount at cfg.MetricsAddress,
// for cmd/mqttd to wire onto its own listener (C11 is intentionally not
// responsible for owning an HTTP server itself).
func (b *Broker) MetricsHandler() http.Handler {
	return b.metrics.Handler()
}

// Start begins accepting connections, the background QoS retry sweep, and
// the periodic gauge refresh.
func (b *Broker) Start() error {
	b.retrier.Start()
	b.gaugeStop = make(chan struct{})
	b.gaugeWG.Add(1)
	go b.refreshGaugesLoop()
	return b.listener.Start()
}

func (b *Broker) refreshGaugesLoop() {
	defer b.gaugeWG.Done()
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.gaugeStop:
			return
		case <-ticker.C:
			b.refreshGauges()
		}
	}
}

func (b *Broker) refreshGauges() {
	if n, err := b.retained.Count(context.Background()); err == nil {
		b.metrics.SetRetainedCount(float64(n))
	}
	b.metrics.SetActiveSessions(float64(b.sessions.ActiveSessionCount()))
}

// Stop gracefully disconnects every connected client, stops accepting new
// ones, and tears down the reactor pool.
func (b *Broker) Stop(ctx context.Context) error {
	b.retrier.Stop()
	if b.gaugeStop != nil {
		close(b.gaugeStop)
		b.gaugeWG.Wait()
	}

	b.connPool.ForEach(func(raw *network.Connection) bool {
		if v, ok := raw.GetMetadata(connMetaKey); ok {
			if c, ok := v.(*Conn); ok {
				c.Stop("SERVER_SHUTTING_DOWN", session.SeverityWarn)
			}
		}
		return true
	})

	b.reactorPool.Release()
	return b.listener.Close()
}

// handleConnection is the network.Listener's ConnectionHandler (section
// 4.10, C10): it wraps raw in a Conn, starts its writer and connect-timeout
// timer, and hands the read loop to the bounded reactor pool. Submission
// blocks until a worker is free rather than spawning unboundedly or
// dropping the connection.
func (b *Broker) handleConnection(raw *network.Connection) error {
	c := newConn(b, raw)
	raw.SetMetadata(connMetaKey, c)
	c.start()

	if err := b.reactorPool.Submit(c.readLoop); err != nil {
		b.metrics.OnConnectionRejected()
		c.Stop("POOL_SATURATED", session.SeverityError)
		return err
	}
	b.metrics.OnConnectionAccepted()
	return nil
}

func (b *Broker) onConnected(c *Conn) {
	clientID, _ := c.ClientID()
	b.logger.Info("client connected", "client_id", clientID)
}

func (b *Broker) onDisconnect(c *Conn, reason string, graceful bool) {
	clientID, ok := c.ClientID()
	if !ok {
		// Connection never completed the CONNECT handshake.
		b.metrics.OnDisconnect(reason)
		return
	}
	if reason == "TAKEOVER" {
		// Stopped from inside session.Manager.CreateSession, which holds the
		// manager's lock and rebinds the session to the new connection
		// itself; calling back into the manager here would deadlock.
		b.metrics.OnDisconnect(reason)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.sessions.DisconnectSession(ctx, clientID, !graceful); err != nil {
		b.logger.Warn("session disconnect", "client_id", clientID, "err", err)
	}
	if _, stillPresent := b.sessions.GetSession(clientID); !stillPresent {
		b.router.UnsubscribeAll(clientID)
	}
	b.metrics.OnDisconnect(reason)
}

// resend is the qos.Resend callback: it looks up clientID's current
// connection (nil if offline) and, if live, re-sends msg with dup=true.
func (b *Broker) resend(clientID string, msg *message.Message) (bool, error) {
	sess, ok := b.sessions.GetSession(clientID)
	if !ok {
		return false, nil
	}
	sender := sess.GetSender()
	if sender == nil {
		return false, nil
	}
	pkt := &wire.PublishPacket{
		DUP:       msg.DUP,
		QoS:       msg.QoS,
		TopicName: msg.Topic,
		PacketID:  msg.PacketID,
		Payload:   msg.Payload,
	}
	return true, sender.Send(pkt)
}
