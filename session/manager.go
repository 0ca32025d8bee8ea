package session

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Manager operations that look up a session by
// client ID when no such session exists.
var ErrNotFound = errors.New("session: not found")

// WillPublisher publishes a session's will message when its connection
// closes without a clean DISCONNECT.
type WillPublisher interface {
	PublishWill(ctx context.Context, will *WillMessage, clientID string) error
}

// Manager owns every session in the broker, live or retained. All
// operations serialize through a single RWMutex: the broker's concurrency
// model treats session bookkeeping as low-frequency relative to message
// delivery, so one lock guarding CreateSession/DisconnectSession/takeover is
// simpler than sharding and was never shown to be a bottleneck under load.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	willPublisher WillPublisher
}

// NewManager returns an empty session table. willPublisher may be nil, in
// which case will messages are silently dropped rather than delivered.
func NewManager(willPublisher WillPublisher) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		willPublisher: willPublisher,
	}
}

// CreateSession implements the CONNECT handshake's session logic: resume an
// existing session if CleanSession is false and one is present, discard and
// replace it otherwise. If a session with this client ID already has a live
// connection, that connection is stopped with reason "TAKEOVER" before the
// new one is bound (section 4.6). The returned bool is CONNACK's Session
// Present flag.
func (m *Manager) CreateSession(clientID string, cleanSession bool, sender Sender) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[clientID]
	if ok {
		if old := existing.GetSender(); old != nil {
			old.Stop("TAKEOVER", SeverityInfo)
		}
		if cleanSession {
			existing.Clear()
			existing.CleanSession = true
			existing.SetActive()
			existing.SetSender(sender)
			return existing, false
		}
		existing.SetActive()
		existing.SetSender(sender)
		return existing, true
	}

	sess := New(clientID, cleanSession)
	sess.SetActive()
	sess.SetSender(sender)
	m.sessions[clientID] = sess
	return sess, false
}

// GetSession looks up a session without creating one.
func (m *Manager) GetSession(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[clientID]
	return sess, ok
}

// DisconnectSession marks clientID's session disconnected, publishes its
// will message if sendWill is true, and — for a clean session — removes it
// from the table entirely.
func (m *Manager) DisconnectSession(ctx context.Context, clientID string, sendWill bool) error {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if sess.CleanSession {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()

	sess.SetDisconnected()
	sess.ClearSender()

	will := sess.GetWillMessage()
	if sendWill && will != nil && m.willPublisher != nil {
		if err := m.willPublisher.PublishWill(ctx, will, clientID); err != nil {
			return errors.Wrap(err, "publishing will message")
		}
	}
	sess.ClearWillMessage()
	return nil
}

// RemoveSession deletes clientID's session regardless of CleanSession,
// used when a retained session's client never reconnects and an operator
// or bounded-retention policy decides to drop it.
func (m *Manager) RemoveSession(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, clientID)
}

// GenerateClientID synthesizes a client identifier for a CONNECT that
// supplied an empty ClientID. Per section 3.1.3.1 this is only legal when
// CleanSession is set; the caller is responsible for enforcing that. The
// UUID is rendered as a bare hex string, not uuid.String()'s hyphenated
// form, to keep the synthesized ID compact.
func (m *Manager) GenerateClientID() string {
	id := uuid.New()
	return "auto-" + hex.EncodeToString(id[:])
}

// ActiveSessions returns every session currently bound to a live connection,
// for the QoS retrier's periodic ack-timeout sweep (section 4.5/5).
func (m *Manager) ActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.GetState() == StateActive {
			out = append(out, sess)
		}
	}
	return out
}

// ActiveSessionCount returns the number of sessions currently bound to a
// live connection.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, sess := range m.sessions {
		if sess.GetState() == StateActive {
			count++
		}
	}
	return count
}

// SessionCount returns the total number of sessions, active and retained.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
