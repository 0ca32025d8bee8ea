// Package auth implements the pluggable CONNECT authentication step: a
// single Authenticator interface with an allow-all implementation (the
// default, matching a broker with no configured credentials) and a
// username/password implementation backed by an in-memory credential store.
package auth

import (
	"context"
	"crypto/subtle"
	"sync"
)

// Credentials is the username/password pair presented in a CONNECT packet.
// Username and Password are both optional: an MQTT 3.1.1 client may connect
// anonymously if the broker's Authenticator allows it.
type Credentials struct {
	Username    string
	UsernameSet bool
	Password    []byte
	PasswordSet bool
}

// Authenticator decides whether a CONNECT attempt is authorized. It is
// consulted once per connection, before a session is created or looked up.
type Authenticator interface {
	Authenticate(ctx context.Context, clientID string, creds Credentials) bool
}

// AllowAll accepts every CONNECT attempt regardless of credentials. It is
// the default Authenticator for a broker started without a credential store,
// grounded on the original implementation's accept-all authentication
// service, which exists precisely to make "no auth configured" an explicit,
// named choice rather than an implicit bypass.
type AllowAll struct{}

// Authenticate always returns true.
func (AllowAll) Authenticate(context.Context, string, Credentials) bool { return true }

// PasswordStore authenticates against an in-memory table of username to
// password. A username with no registered entry is always refused, even if
// an AnonymousPolicy would otherwise let an unauthenticated client through —
// PasswordStore and AnonymousPolicy compose via CombinedAuthenticator
// rather than one subsuming the other.
type PasswordStore struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewPasswordStore returns an empty credential store.
func NewPasswordStore() *PasswordStore {
	return &PasswordStore{users: make(map[string][]byte)}
}

// SetUser registers or replaces a user's password.
func (s *PasswordStore) SetUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = []byte(password)
}

// RemoveUser deletes a registered user.
func (s *PasswordStore) RemoveUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
}

// UserCount returns the number of registered users.
func (s *PasswordStore) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Authenticate compares creds against the registered password in constant
// time, so a mismatched password takes the same time to reject regardless
// of how many bytes match.
func (s *PasswordStore) Authenticate(_ context.Context, _ string, creds Credentials) bool {
	if !creds.UsernameSet {
		return false
	}
	s.mu.RLock()
	expected, exists := s.users[creds.Username]
	s.mu.RUnlock()
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare(expected, creds.Password) == 1
}

// AnonymousPolicy lets a CONNECT with no username and no password through
// without consulting any credential store.
type AnonymousPolicy struct {
	mu      sync.RWMutex
	allowed bool
}

// NewAnonymousPolicy returns a policy with the given initial allowance.
func NewAnonymousPolicy(allowed bool) *AnonymousPolicy {
	return &AnonymousPolicy{allowed: allowed}
}

// SetAllowed updates whether anonymous connections are accepted.
func (p *AnonymousPolicy) SetAllowed(allowed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed = allowed
}

// Allowed reports whether anonymous connections are currently accepted.
func (p *AnonymousPolicy) Allowed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allowed
}

// CombinedAuthenticator lets anonymous CONNECTs through per an
// AnonymousPolicy and defers every credentialed CONNECT to an inner
// Authenticator. The "basic" registry entry builds one from an empty
// PasswordStore and the "allow_anonymous" config key.
type CombinedAuthenticator struct {
	Anonymous *AnonymousPolicy
	Inner     Authenticator
}

// Authenticate implements Authenticator.
func (c *CombinedAuthenticator) Authenticate(ctx context.Context, clientID string, creds Credentials) bool {
	if !creds.UsernameSet && !creds.PasswordSet {
		return c.Anonymous.Allowed()
	}
	return c.Inner.Authenticate(ctx, clientID, creds)
}
