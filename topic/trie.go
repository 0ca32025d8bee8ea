package topic

import (
	"strings"
	"sync"
)

// trieNode is one level of the subscription trie.
type trieNode struct {
	children    map[string]*trieNode
	subscribers []SubscriberInfo
	mu          sync.RWMutex
}

func newTrieNode() *trieNode {
	return &trieNode{
		children:    make(map[string]*trieNode),
		subscribers: make([]SubscriberInfo, 0),
	}
}

// Trie indexes subscriptions by topic filter so that Match(topic) can find
// every matching subscriber without scanning the whole subscriber set.
type Trie struct {
	root *trieNode
	mu   sync.RWMutex
}

// NewTrie returns an empty subscription trie.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode()}
}

// Subscribe adds a subscription to the trie.
func (t *Trie) Subscribe(filter string, sub SubscriberInfo) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.navigateToNode(filter)
	node.mu.Lock()
	node.subscribers = append(node.subscribers, sub)
	node.mu.Unlock()
	return nil
}

// navigateToNode traverses the trie, creating nodes as needed. Caller must
// hold t.mu.
func (t *Trie) navigateToNode(filter string) *trieNode {
	levels := splitTopicLevels(filter)
	node := t.root
	for _, level := range levels {
		node.mu.Lock()
		if node.children[level] == nil {
			node.children[level] = newTrieNode()
		}
		next := node.children[level]
		node.mu.Unlock()
		node = next
	}
	return node
}

// Unsubscribe removes clientID's subscription to filter, reporting whether
// one was found.
func (t *Trie) Unsubscribe(filter, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := splitTopicLevels(filter)
	return t.unsubscribeRecursive(t.root, levels, clientID, 0)
}

func (t *Trie) unsubscribeRecursive(node *trieNode, levels []string, clientID string, depth int) bool {
	if depth == len(levels) {
		node.mu.Lock()
		defer node.mu.Unlock()
		for i, sub := range node.subscribers {
			if sub.ClientID == clientID {
				node.subscribers = append(node.subscribers[:i], node.subscribers[i+1:]...)
				return true
			}
		}
		return false
	}

	level := levels[depth]
	node.mu.RLock()
	child := node.children[level]
	node.mu.RUnlock()
	if child == nil {
		return false
	}

	found := t.unsubscribeRecursive(child, levels, clientID, depth+1)
	if found && t.shouldPruneNode(child) {
		node.mu.Lock()
		delete(node.children, level)
		node.mu.Unlock()
	}
	return found
}

// Match returns one SubscriberInfo per client whose subscriptions match
// topic. Topics under the '$' prefix (e.g. the broker's own system topics)
// are excluded from wildcard matches: only a filter naming every level
// exactly matches them, and no filter containing '#' or '+' does, even one
// that itself starts with '$'. A
// client with more than one overlapping filter matching topic (e.g. both
// "a/+" and "a/b") is collapsed to a single entry at the highest QoS among
// its matching filters, since the client must receive exactly one copy of
// the publish.
func (t *Trie) Match(topic string) []SubscriberInfo {
	if err := ValidateTopic(topic); err != nil {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := splitTopicLevels(topic)
	subscribers := make([]SubscriberInfo, 0, 16)

	if strings.HasPrefix(topic, "$") {
		t.matchSystemTopic(t.root, levels, 0, &subscribers)
	} else {
		t.matchRecursive(t.root, levels, 0, &subscribers)
	}
	return mergeByClientMaxQoS(subscribers)
}

// mergeByClientMaxQoS collapses possibly-duplicate per-client entries (one
// client can hold several filters that all match the same topic) into a
// single entry per client at the highest matched QoS, preserving first-seen
// order.
func mergeByClientMaxQoS(subscribers []SubscriberInfo) []SubscriberInfo {
	if len(subscribers) < 2 {
		return subscribers
	}

	merged := make([]SubscriberInfo, 0, len(subscribers))
	index := make(map[string]int, len(subscribers))
	for _, sub := range subscribers {
		if i, ok := index[sub.ClientID]; ok {
			if sub.QoS > merged[i].QoS {
				merged[i].QoS = sub.QoS
			}
			continue
		}
		index[sub.ClientID] = len(merged)
		merged = append(merged, sub)
	}
	return merged
}

func (t *Trie) matchRecursive(node *trieNode, levels []string, depth int, subscribers *[]SubscriberInfo) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	if multiNode := node.children["#"]; multiNode != nil {
		multiNode.mu.RLock()
		*subscribers = append(*subscribers, multiNode.subscribers...)
		multiNode.mu.RUnlock()
	}

	if depth == len(levels) {
		*subscribers = append(*subscribers, node.subscribers...)
		return
	}

	level := levels[depth]
	if exact := node.children[level]; exact != nil {
		t.matchRecursive(exact, levels, depth+1, subscribers)
	}
	if plus := node.children["+"]; plus != nil {
		t.matchRecursive(plus, levels, depth+1, subscribers)
	}
}

// matchSystemTopic matches only exact-level filters: wildcards never cross
// into a '$'-prefixed namespace.
func (t *Trie) matchSystemTopic(node *trieNode, levels []string, depth int, subscribers *[]SubscriberInfo) {
	node.mu.RLock()
	defer node.mu.RUnlock()

	if depth == len(levels) {
		*subscribers = append(*subscribers, node.subscribers...)
		return
	}
	if exact := node.children[levels[depth]]; exact != nil {
		t.matchSystemTopic(exact, levels, depth+1, subscribers)
	}
}

func (t *Trie) shouldPruneNode(node *trieNode) bool {
	node.mu.RLock()
	defer node.mu.RUnlock()
	return len(node.subscribers) == 0 && len(node.children) == 0
}

// Clear removes every subscription.
func (t *Trie) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = newTrieNode()
}

// Count returns the total number of subscriptions held.
func (t *Trie) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countRecursive(t.root)
}

func (t *Trie) countRecursive(node *trieNode) int {
	node.mu.RLock()
	defer node.mu.RUnlock()
	count := len(node.subscribers)
	for _, child := range node.children {
		count += t.countRecursive(child)
	}
	return count
}
