// Package pubsub implements spec §1's publish/subscribe support: direct
// channel subscriptions, glob-pattern subscriptions, and a broadcast
// PUBLISH that fans out to both. Grounded on
// original_source/src/core/pubsub/mod.rs's PubSubManager, translating
// tokio::sync::broadcast's multi-producer/multi-consumer channel (one per
// topic, lagging receivers drop messages rather than block the sender)
// into a per-subscriber buffered Go channel with a non-blocking send,
// since Go has no direct broadcast-channel equivalent in the standard
// library or across the example corpus.
package pubsub

import (
	"path"
	"sync"
	"sync/atomic"
)

// ClusterBroadcaster gossips a PUBLISH to the rest of the cluster (spec
// §4.13's Publish message), implemented by cluster.Prober.BroadcastPublish.
type ClusterBroadcaster func(channel string, payload []byte)

// subscriberBuffer bounds each subscriber's backlog before PUBLISH starts
// dropping messages to that subscriber, mirroring the original's
// CHANNEL_CAPACITY (128) lag-and-drop semantics for a slow reader.
const subscriberBuffer = 128

// PMessage is what a pattern subscriber receives: the pattern that
// matched, the channel the message was actually published to, and the
// payload (mod.rs's PMessage tuple).
type PMessage struct {
	Pattern string
	Channel string
	Payload []byte
}

type subscriberSet struct {
	mu   sync.RWMutex
	subs map[uint64]chan []byte
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[uint64]chan []byte)}
}

func (s *subscriberSet) add(id uint64, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = ch
}

func (s *subscriberSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *subscriberSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *subscriberSet) broadcast(payload []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	delivered := 0
	for _, ch := range s.subs {
		select {
		case ch <- payload:
			delivered++
		default:
			// Slow subscriber: drop rather than block the publisher,
			// matching tokio::broadcast's lag-and-skip behavior.
		}
	}
	return delivered
}

type patternSubscriberSet struct {
	mu   sync.RWMutex
	subs map[uint64]chan PMessage
}

func newPatternSubscriberSet() *patternSubscriberSet {
	return &patternSubscriberSet{subs: make(map[uint64]chan PMessage)}
}

func (s *patternSubscriberSet) add(id uint64, ch chan PMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = ch
}

func (s *patternSubscriberSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *patternSubscriberSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *patternSubscriberSet) broadcast(msg PMessage) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	delivered := 0
	for _, ch := range s.subs {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Manager is the central Pub/Sub hub (mod.rs's PubSubManager): a map from
// channel name to its direct subscribers, and a map from glob pattern to
// its pattern subscribers.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*subscriberSet
	patterns map[string]*patternSubscriberSet

	nextID atomic.Uint64

	clusterBroadcast atomic.Value // ClusterBroadcaster
}

// SetClusterBroadcast wires a cluster-wide fan-out hook: every local
// Publish also calls fn so subscribers on other cluster nodes receive it
// (spec §4.13). Pass nil to disable (the default: a standalone node never
// gossips a PUBLISH).
func (m *Manager) SetClusterBroadcast(fn ClusterBroadcaster) {
	if fn == nil {
		fn = func(string, []byte) {}
	}
	m.clusterBroadcast.Store(fn)
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		channels: make(map[string]*subscriberSet),
		patterns: make(map[string]*patternSubscriberSet),
	}
}

// Subscription is a live subscription handle; Unsubscribe must be called
// exactly once when the session stops listening (connection close, or an
// explicit UNSUBSCRIBE).
type Subscription struct {
	id     uint64
	remove func(id uint64)
}

// Unsubscribe detaches this subscription from its channel/pattern. The
// underlying set entry itself is pruned lazily, since removal only needs
// to stop delivery — matching the original's "unsubscribe does nothing
// directly; purge_empty_channels reaps the empty entry later" split:
// remove() deletes this subscriber from the set at once, so delivery stops
// immediately, and the emptied channel/pattern entry stays until
// PurgeEmpty reaps it.
func (s *Subscription) Unsubscribe() {
	if s.remove != nil {
		s.remove(s.id)
	}
}

// Subscribe registers a direct subscription to channel, returning the
// receive-only channel the caller's connection handler should read from.
func (m *Manager) Subscribe(channel string) (<-chan []byte, *Subscription) {
	set := m.channelSet(channel)
	id := m.nextID.Add(1)
	ch := make(chan []byte, subscriberBuffer)
	set.add(id, ch)
	return ch, &Subscription{id: id, remove: set.remove}
}

// SubscribePattern registers a glob-pattern subscription, returning a
// channel of PMessage carrying (pattern, channel, payload) per delivery.
func (m *Manager) SubscribePattern(pattern string) (<-chan PMessage, *Subscription) {
	set := m.patternSet(pattern)
	id := m.nextID.Add(1)
	ch := make(chan PMessage, subscriberBuffer)
	set.add(id, ch)
	return ch, &Subscription{id: id, remove: set.remove}
}

func (m *Manager) channelSet(channel string) *subscriberSet {
	m.mu.RLock()
	set, ok := m.channels[channel]
	m.mu.RUnlock()
	if ok {
		return set
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.channels[channel]; ok {
		return set
	}
	set = newSubscriberSet()
	m.channels[channel] = set
	return set
}

func (m *Manager) patternSet(pattern string) *patternSubscriberSet {
	m.mu.RLock()
	set, ok := m.patterns[pattern]
	m.mu.RUnlock()
	if ok {
		return set
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.patterns[pattern]; ok {
		return set
	}
	set = newPatternSubscriberSet()
	m.patterns[pattern] = set
	return set
}

// Publish delivers payload to every direct subscriber of channel and to
// every pattern subscriber whose glob matches channel, returning the
// total number of local deliveries (mod.rs's publish). If a cluster
// broadcaster is wired (spec §4.13), the message is also gossiped to
// every other cluster node, whose own DeliverLocal call then reaches
// subscribers connected there — the return value only ever counts this
// node's own subscribers, matching PUBLISH's usual per-node semantics.
func (m *Manager) Publish(channel string, payload []byte) int {
	delivered := m.DeliverLocal(channel, payload)
	if fn, ok := m.clusterBroadcast.Load().(ClusterBroadcaster); ok {
		fn(channel, payload)
	}
	return delivered
}

// DeliverLocal delivers payload to this node's own subscribers only,
// without gossiping further. Used both by Publish and by the cluster
// gossip receive path (a remote Publish message must not be re-broadcast,
// or it would loop forever around the cluster).
func (m *Manager) DeliverLocal(channel string, payload []byte) int {
	delivered := 0

	m.mu.RLock()
	set, ok := m.channels[channel]
	patterns := make(map[string]*patternSubscriberSet, len(m.patterns))
	for p, s := range m.patterns {
		patterns[p] = s
	}
	m.mu.RUnlock()

	if ok {
		delivered += set.broadcast(payload)
	}
	for pattern, pset := range patterns {
		if ok, _ := path.Match(pattern, channel); ok {
			delivered += pset.broadcast(PMessage{Pattern: pattern, Channel: channel, Payload: payload})
		}
	}
	return delivered
}

// PurgeEmpty removes channel/pattern entries with zero subscribers,
// preventing unbounded growth from one-shot channel names (mod.rs's
// purge_empty_channels maintenance task).
func (m *Manager) PurgeEmpty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for name, set := range m.channels {
		if set.count() == 0 {
			delete(m.channels, name)
			purged++
		}
	}
	for name, set := range m.patterns {
		if set.count() == 0 {
			delete(m.patterns, name)
			purged++
		}
	}
	return purged
}

// Channels returns a snapshot of every channel name with at least one
// direct subscriber, for PUBSUB CHANNELS.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for name, set := range m.channels {
		if set.count() == 0 {
			continue
		}
		out = append(out, name)
	}
	return out
}

// SubscriberCount returns the direct-subscriber count for channel, for
// PUBSUB NUMSUB.
func (m *Manager) SubscriberCount(channel string) int {
	m.mu.RLock()
	set, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return set.count()
}

// PatternSubscriberCount returns the total number of active pattern
// subscriptions, for PUBSUB NUMPAT.
func (m *Manager) PatternSubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, set := range m.patterns {
		total += set.count()
	}
	return total
}
