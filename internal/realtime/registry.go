package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/findmydoctor/courier/internal/auth"
)

// Subscriber is a live connection as seen by the registry and the delivery engine.
type Subscriber interface {
	ID() string
	Topic() Topic
	Principal() auth.Principal
	// Deliver enqueues a frame without blocking.
	Deliver(frame []byte) error
	Close(reason CloseReason)
	Closed() bool
}

// Registry maps topics to their currently connected subscribers.
// The registry mutex guards only the topic map; each topic's subscriber set has its own
// mutex, so mutations and fan-out snapshots of one topic never contend with another.
type Registry struct {
	mu     sync.RWMutex
	topics map[Topic]*topicSubscribers
}

type topicSubscribers struct {
	mu      sync.Mutex
	members map[string]Subscriber
	retired atomic.Bool
}

// RegistryStats summarizes registry occupancy.
type RegistryStats struct {
	Topics        int `json:"topics"`
	Subscriptions int `json:"subscriptions"`
}

func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[Topic]*topicSubscribers),
	}
}

// Subscribe adds the subscriber to the topic. Subscribing twice is a no-op.
func (r *Registry) Subscribe(topic Topic, subscriber Subscriber) {
	if subscriber == nil {
		return
	}
	for {
		entry := r.entryFor(topic)
		entry.mu.Lock()
		if entry.retired.Load() {
			entry.mu.Unlock()
			continue
		}
		entry.members[subscriber.ID()] = subscriber
		entry.mu.Unlock()
		return
	}
}

// Unsubscribe removes the subscriber from the topic; absent subscribers are ignored.
func (r *Registry) Unsubscribe(topic Topic, subscriber Subscriber) {
	if subscriber == nil {
		return
	}
	r.mu.RLock()
	entry := r.topics[topic]
	r.mu.RUnlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	delete(entry.members, subscriber.ID())
	empty := len(entry.members) == 0
	if empty {
		entry.retired.Store(true)
	}
	entry.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.topics[topic] == entry {
			delete(r.topics, topic)
		}
		r.mu.Unlock()
	}
}

// SubscribersOf returns a snapshot of the topic's subscribers.
func (r *Registry) SubscribersOf(topic Topic) []Subscriber {
	r.mu.RLock()
	entry := r.topics[topic]
	r.mu.RUnlock()
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.members) == 0 {
		return nil
	}
	snapshot := make([]Subscriber, 0, len(entry.members))
	for _, subscriber := range entry.members {
		snapshot = append(snapshot, subscriber)
	}
	return snapshot
}

// Stats reports how many topics and subscriptions are currently held.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	entries := make([]*topicSubscribers, 0, len(r.topics))
	for _, entry := range r.topics {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	stats := RegistryStats{}
	for _, entry := range entries {
		entry.mu.Lock()
		if count := len(entry.members); count > 0 {
			stats.Topics++
			stats.Subscriptions += count
		}
		entry.mu.Unlock()
	}
	return stats
}

func (r *Registry) entryFor(topic Topic) *topicSubscribers {
	r.mu.RLock()
	entry := r.topics[topic]
	r.mu.RUnlock()
	if entry != nil && !entry.retired.Load() {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry = r.topics[topic]
	if entry == nil || entry.retired.Load() {
		entry = &topicSubscribers{members: make(map[string]Subscriber)}
		r.topics[topic] = entry
	}
	return entry
}
