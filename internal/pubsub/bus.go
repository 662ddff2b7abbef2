// Package pubsub provides the topic-addressed fan-out bus that carries
// broadcast frames, presence diffs and control events between components,
// and across the cluster when a relay is attached.
package pubsub

import (
	"encoding/json"
	"strings"
	"sync"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
const subscriberBufferSize = 64

// SubID identifies a subscription for self-exclusion on publish.
type SubID uint64

// Event is a message delivered to channel subscribers. Payload holds the
// *Broadcast for fan-out events, the live database handle for ready events,
// and nil for operator commands.
type Event struct {
	Topic   string
	Name    string
	Payload any
}

// Sink receives pre-encoded frames -- the fastlane. Push must not block and
// reports whether the frame was accepted or dropped.
type Sink interface {
	Push(frame []byte) bool
}

// Relay forwards published traffic to the rest of the cluster. The bus never
// relays a message it received from the relay, so frames cross the wire once.
type Relay interface {
	RelayBroadcast(topic string, frame []byte) error
	RelayEvent(topic, name string) error
}

type subscriber struct {
	id    SubID
	topic string
	ch    chan Event
	sink  Sink
}

// Bus is a topic-addressed fan-out bus. Slow subscribers that fall behind
// have messages dropped rather than blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[SubID]*subscriber
	next   SubID
	relay  Relay
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string]map[SubID]*subscriber),
	}
}

// AttachRelay connects the bus to the cluster. Call before serving traffic.
func (b *Bus) AttachRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Subscribe returns a channel that receives all future events on topic and a
// cancel function that unsubscribes and closes the channel. The caller must
// invoke cancel when done to avoid resource leaks.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscriber{topic: topic, ch: make(chan Event, subscriberBufferSize)}
	b.add(sub)
	return sub.ch, func() { b.remove(sub) }
}

// SubscribeSink attaches a fastlane sink to topic. Fan-out frames reach the
// sink as shared pre-encoded bytes. The returned SubID can be passed to
// BroadcastFrom for self-exclusion.
func (b *Bus) SubscribeSink(topic string, s Sink) (SubID, func()) {
	sub := &subscriber{topic: topic, sink: s}
	b.add(sub)
	return sub.id, func() { b.remove(sub) }
}

func (b *Bus) add(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.id = b.next
	b.next++
	subs, ok := b.topics[sub.topic]
	if !ok {
		subs = make(map[SubID]*subscriber)
		b.topics[sub.topic] = subs
	}
	subs[sub.id] = sub
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	if sub.ch != nil {
		close(sub.ch)
	}
}

// Broadcast publishes env on topic to local subscribers and, when a relay is
// attached, to the rest of the cluster.
func (b *Bus) Broadcast(topic string, env *Broadcast) error {
	return b.broadcast(topic, env, nil, true)
}

// BroadcastFrom behaves like Broadcast but skips the subscriber identified
// by from, so a sender with self_broadcast disabled never hears its own frame.
func (b *Bus) BroadcastFrom(from SubID, topic string, env *Broadcast) error {
	return b.broadcast(topic, env, &from, true)
}

// BroadcastLocal publishes env on topic to this node only, regardless of any
// attached relay. Used when a tenant selects the local fan-out adapter.
func (b *Bus) BroadcastLocal(topic string, env *Broadcast) error {
	return b.broadcast(topic, env, nil, false)
}

func (b *Bus) broadcast(topic string, env *Broadcast, exclude *SubID, relay bool) error {
	frame, err := env.Frame()
	if err != nil {
		return err
	}

	b.mu.RLock()
	r := b.relay
	b.deliverLocked(topic, env, frame, exclude)
	b.mu.RUnlock()

	if relay && r != nil {
		return r.RelayBroadcast(topic, frame)
	}
	return nil
}

// DeliverFrame injects a frame received from the cluster into local fan-out.
// Channel subscribers get the decoded envelope; sinks get the bytes as-is.
func (b *Bus) DeliverFrame(topic string, frame []byte) {
	var env Broadcast
	if err := json.Unmarshal(frame, &env); err != nil {
		return
	}
	b.mu.RLock()
	b.deliverLocked(topic, &env, frame, nil)
	b.mu.RUnlock()
}

func (b *Bus) deliverLocked(topic string, env *Broadcast, frame []byte, exclude *SubID) {
	for _, sub := range b.topics[topic] {
		if exclude != nil && sub.id == *exclude {
			continue
		}
		if sub.sink != nil {
			sub.sink.Push(frame)
			continue
		}
		select {
		case sub.ch <- Event{Topic: topic, Name: env.Event, Payload: env}:
		default:
			// Subscriber buffer full -- drop rather than blocking.
		}
	}
}

// Emit delivers a control event to local subscribers on topic.
func (b *Bus) Emit(topic string, ev Event) {
	ev.Topic = topic
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[topic] {
		if sub.ch == nil {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// EmitCluster delivers a control event locally and relays it so every node
// sees it. Operator commands travel this way to reach whichever node hosts
// the tenant.
func (b *Bus) EmitCluster(topic, name string) error {
	b.Emit(topic, Event{Name: name})
	b.mu.RLock()
	r := b.relay
	b.mu.RUnlock()
	if r != nil {
		return r.RelayEvent(topic, name)
	}
	return nil
}

// Subscribers reports how many subscriptions topic currently has.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// TenantUsers counts the fastlane subscriptions across all of a tenant's
// topics on this node. Each connected channel holds exactly one sink, so
// this is the node-local connected-user sample.
func (b *Bus) TenantUsers(externalID string) int {
	prefix := externalID + ":"
	n := 0
	b.mu.RLock()
	defer b.mu.RUnlock()
	for topic, subs := range b.topics {
		if !strings.HasPrefix(topic, prefix) {
			continue
		}
		for _, sub := range subs {
			if sub.sink != nil {
				n++
			}
		}
	}
	return n
}
