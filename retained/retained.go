// Package retained implements the broker's retained-message table: one
// trie keyed by topic level, holding at most one message per exact topic,
// matched against subscription filters on SUBSCRIBE.
package retained

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/riftmq/riftmq/message"
)

// ErrClosed is returned by every operation once Close has run.
var ErrClosed = errors.New("retained: store is closed")

type trieNode struct {
	children map[string]*trieNode
	message  *message.Message
	mu       sync.RWMutex
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// Store holds the current retained message for each topic it has seen.
type Store struct {
	mu     sync.RWMutex
	root   *trieNode
	count  int64
	closed bool
}

// New returns an empty retained message store.
func New() *Store {
	return &Store{root: newTrieNode()}
}

func splitTopicLevels(topic string) []string {
	if len(topic) == 0 {
		return []string{}
	}
	levels := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	return append(levels, topic[start:])
}

// Set stores msg as the retained message for topic. A zero-length payload
// deletes any retained message for that topic instead, per section 3.3.1.3
// of the protocol.
func (s *Store) Set(ctx context.Context, topic string, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if len(msg.Payload) == 0 {
		return s.deleteInternal(topic)
	}

	node := s.root
	for _, level := range splitTopicLevels(topic) {
		node.mu.Lock()
		if node.children[level] == nil {
			node.children[level] = newTrieNode()
		}
		next := node.children[level]
		node.mu.Unlock()
		node = next
	}

	node.mu.Lock()
	if node.message == nil {
		s.count++
	}
	node.message = msg
	node.mu.Unlock()
	return nil
}

// Get returns the retained message for the exact topic, if any.
func (s *Store) Get(ctx context.Context, topic string) (*message.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	node := s.root
	for _, level := range splitTopicLevels(topic) {
		node.mu.RLock()
		next := node.children[level]
		node.mu.RUnlock()
		if next == nil {
			return nil, false, nil
		}
		node = next
	}

	node.mu.RLock()
	msg := node.message
	node.mu.RUnlock()
	if msg == nil {
		return nil, false, nil
	}
	return msg, true, nil
}

// Delete removes any retained message for topic.
func (s *Store) Delete(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.deleteInternal(topic)
}

// deleteInternal removes topic's retained message and prunes any trie path
// left empty by the removal. Caller must hold s.mu.
func (s *Store) deleteInternal(topic string) error {
	levels := splitTopicLevels(topic)
	path := make([]*trieNode, 0, len(levels)+1)
	path = append(path, s.root)
	node := s.root

	for _, level := range levels {
		node.mu.RLock()
		next := node.children[level]
		node.mu.RUnlock()
		if next == nil {
			return nil
		}
		path = append(path, next)
		node = next
	}

	node.mu.Lock()
	if node.message != nil {
		node.message = nil
		s.count--
	}
	node.mu.Unlock()

	for i := len(path) - 1; i > 0; i-- {
		current, parent := path[i], path[i-1]
		current.mu.RLock()
		empty := current.message == nil && len(current.children) == 0
		current.mu.RUnlock()
		if !empty {
			break
		}
		parent.mu.Lock()
		for key, child := range parent.children {
			if child == current {
				delete(parent.children, key)
				break
			}
		}
		parent.mu.Unlock()
	}
	return nil
}

// Match returns every retained message whose topic matches filter. A filter
// under the '$' namespace (system topics) never matches via a wildcard
// level, mirroring the live-subscription matching rule in topic.Trie.
func (s *Store) Match(ctx context.Context, filter string) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	if strings.HasPrefix(filter, "$") && (strings.Contains(filter, "#") || strings.Contains(filter, "+")) {
		return nil, nil
	}

	var matched []*message.Message
	s.matchRecursive(s.root, splitTopicLevels(filter), 0, &matched)
	return matched, nil
}

func (s *Store) matchRecursive(node *trieNode, filterLevels []string, depth int, matched *[]*message.Message) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	if depth == len(filterLevels) {
		if node.message != nil {
			*matched = append(*matched, node.message)
		}
		return
	}

	level := filterLevels[depth]
	switch level {
	case "#":
		if depth == 0 {
			// A bare or leading "#" must not cross into the "$"-prefixed
			// system-topic namespace (section 4.7's isolation rule); "#"
			// reached after matching an explicit non-"$" level (e.g.
			// "sport/#") has already left that namespace and collects
			// everything beneath it, "$" children included.
			for name, child := range node.children {
				if strings.HasPrefix(name, "$") {
					continue
				}
				s.collectAll(child, matched)
			}
			return
		}
		s.collectAll(node, matched)
	case "+":
		for name, child := range node.children {
			if depth == 0 && strings.HasPrefix(name, "$") {
				continue
			}
			s.matchRecursive(child, filterLevels, depth+1, matched)
		}
	default:
		if child := node.children[level]; child != nil {
			s.matchRecursive(child, filterLevels, depth+1, matched)
		}
	}
}

func (s *Store) collectAll(node *trieNode, matched *[]*message.Message) {
	if node.message != nil {
		*matched = append(*matched, node.message)
	}
	for _, child := range node.children {
		child.mu.RLock()
		s.collectAll(child, matched)
		child.mu.RUnlock()
	}
}

// Count returns the number of topics currently holding a retained message.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.count, nil
}

// Close releases the store; every subsequent call returns ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.root = nil
	s.count = 0
	return nil
}
