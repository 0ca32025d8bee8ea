package topic

import "sync"

// Router owns both the subscription trie used for delivery matching and the
// per-client index of active subscriptions used to answer "what is this
// client subscribed to" queries (session takeover, UNSUBSCRIBE, DISCONNECT).
type Router struct {
	trie          *Trie
	subscriptions map[string]map[string]*Subscription // clientID -> filter -> Subscription
	mu            sync.RWMutex
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		trie:          NewTrie(),
		subscriptions: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers sub, replacing any existing subscription for the same
// (clientID, filter) pair — re-subscribing to an existing filter updates
// its maximum QoS.
func (r *Router) Subscribe(sub *Subscription) error {
	if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
		return err
	}

	r.mu.Lock()
	if clientSubs, ok := r.subscriptions[sub.ClientID]; ok {
		if _, exists := clientSubs[sub.TopicFilter]; exists {
			r.trie.Unsubscribe(sub.TopicFilter, sub.ClientID)
		}
	}
	r.mu.Unlock()

	if err := r.trie.Subscribe(sub.TopicFilter, SubscriberInfo{ClientID: sub.ClientID, QoS: sub.QoS}); err != nil {
		return err
	}

	r.mu.Lock()
	if r.subscriptions[sub.ClientID] == nil {
		r.subscriptions[sub.ClientID] = make(map[string]*Subscription)
	}
	r.subscriptions[sub.ClientID][sub.TopicFilter] = sub
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes clientID's subscription to filter, reporting whether
// one existed.
func (r *Router) Unsubscribe(clientID, filter string) bool {
	found := r.trie.Unsubscribe(filter, clientID)

	r.mu.Lock()
	if clientSubs, ok := r.subscriptions[clientID]; ok {
		delete(clientSubs, filter)
		if len(clientSubs) == 0 {
			delete(r.subscriptions, clientID)
		}
	}
	r.mu.Unlock()
	return found
}

// UnsubscribeAll removes every subscription held by clientID and returns how
// many were removed.
func (r *Router) UnsubscribeAll(clientID string) int {
	r.mu.Lock()
	clientSubs, ok := r.subscriptions[clientID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	filters := make([]string, 0, len(clientSubs))
	for filter := range clientSubs {
		filters = append(filters, filter)
	}
	delete(r.subscriptions, clientID)
	r.mu.Unlock()

	count := 0
	for _, filter := range filters {
		if r.trie.Unsubscribe(filter, clientID) {
			count++
		}
	}
	return count
}

// Match returns one subscriber entry per client whose filters match topic,
// merged to the highest matching QoS per client.
func (r *Router) Match(topic string) []SubscriberInfo {
	return r.trie.Match(topic)
}

// GetSubscription retrieves a specific client's subscription to filter.
func (r *Router) GetSubscription(clientID, filter string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if clientSubs, ok := r.subscriptions[clientID]; ok {
		sub, ok := clientSubs[filter]
		return sub, ok
	}
	return nil, false
}

// GetClientSubscriptions returns every subscription held by clientID.
func (r *Router) GetClientSubscriptions(clientID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clientSubs, ok := r.subscriptions[clientID]
	if !ok {
		return nil
	}
	result := make([]*Subscription, 0, len(clientSubs))
	for _, sub := range clientSubs {
		result = append(result, sub)
	}
	return result
}

// Count returns the total number of subscriptions across all clients.
func (r *Router) Count() int {
	return r.trie.Count()
}

// CountClients returns the number of distinct clients with at least one
// subscription.
func (r *Router) CountClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// Clear removes every subscription from the router.
func (r *Router) Clear() {
	r.mu.Lock()
	r.subscriptions = make(map[string]map[string]*Subscription)
	r.mu.Unlock()
	r.trie.Clear()
}
