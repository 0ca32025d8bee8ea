// Package qos implements the active side of outbound QoS 1/2 delivery: a
// ticker-driven retrier that walks every session's in-flight publishes and
// resends, with dup=true, any whose acknowledgement has not arrived within
// the configured timeout, up to a bounded number of attempts before the
// entry is dropped and logged.
//
// session.Session already owns the in-flight bookkeeping itself (so it
// survives a reconnect); Retrier is the scheduler that acts on it while a
// session has a live connection.
package qos

import (
	"context"
	"sync"
	"time"

	"github.com/riftmq/riftmq/message"
	"github.com/riftmq/riftmq/session"
)

// Config holds the retry bounds from section 4.5 / 5 of the design.
type Config struct {
	AckTimeout time.Duration
	MaxRetries int
	Interval   time.Duration // how often the retrier scans for expired attempts
}

// DefaultConfig matches DEFAULT_PUB_ACK_TIMEOUT_MS and DEFAULT_PUB_MAX_RETRIES.
func DefaultConfig() *Config {
	return &Config{
		AckTimeout: 1000 * time.Millisecond,
		MaxRetries: 5,
		Interval:   250 * time.Millisecond,
	}
}

// Resend re-delivers msg (DUP now true) to clientID's current connection. It
// returns false if clientID has no live connection right now — the message
// stays pending and is retried on the next tick rather than treated as an error.
type Resend func(clientID string, msg *message.Message) (sent bool, err error)

// Sessions enumerates the sessions a Retrier should sweep. In production
// this is a *session.Manager method value; tests can supply a stub.
type Sessions func() []*session.Session

// Retrier periodically resends un-acknowledged QoS1/2 publishes.
type Retrier struct {
	config   *Config
	sessions Sessions
	resend   Resend

	onDropped func(clientID string, msg *message.Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetrier constructs a Retrier. It does not start its loop until Start is called.
func NewRetrier(config *Config, sessions Sessions, resend Resend) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{config: config, sessions: sessions, resend: resend, ctx: ctx, cancel: cancel}
}

// OnDropped sets the callback invoked when a message exhausts MaxRetries and
// is removed from its session without ever being acknowledged.
func (r *Retrier) OnDropped(fn func(clientID string, msg *message.Message)) {
	r.onDropped = fn
}

// Start begins the periodic sweep in a background goroutine.
func (r *Retrier) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop cancels the sweep and waits for it to exit.
func (r *Retrier) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Retrier) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep scans every session's in-flight outbound messages once.
func (r *Retrier) sweep() {
	now := time.Now()
	for _, sess := range r.sessions() {
		for _, msg := range sess.AllPendingOutbound() {
			if now.Sub(msg.LastAttemptAt) < r.config.AckTimeout {
				continue
			}
			if msg.AttemptCount >= r.config.MaxRetries {
				sess.RemovePendingOutbound(msg.PacketID)
				if r.onDropped != nil {
					r.onDropped(sess.ClientID, msg)
				}
				continue
			}
			msg.MarkAttempt()
			sent, err := r.resend(sess.ClientID, msg)
			if err != nil || !sent {
				// No live connection (or a transient send failure): leave the
				// attempt counter bumped and retry on the next sweep once the
				// client reconnects, same as the reconnect-resend path.
				continue
			}
		}
	}
}
