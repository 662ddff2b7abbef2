package channel

import (
	"context"
	"sync"

	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/pubsub"
)

// Tracker holds presence state per bus topic: which presence keys are on
// the channel and the metadata each one tracked with.
type Tracker struct {
	mu     sync.Mutex
	topics map[string]map[string]any
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{topics: make(map[string]map[string]any)}
}

// Track records key on topic. Tracking a key that is already present
// replaces its metadata.
func (t *Tracker) Track(topic, key string, meta any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.topics[topic]
	if !ok {
		m = make(map[string]any)
		t.topics[topic] = m
	}
	m[key] = meta
}

// Untrack removes key from topic and returns the metadata it was tracked
// with. Untracking an absent key reports ok=false.
func (t *Tracker) Untrack(topic, key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.topics[topic]
	if !ok {
		return nil, false
	}
	meta, ok := m[key]
	if !ok {
		return nil, false
	}
	delete(m, key)
	if len(m) == 0 {
		delete(t.topics, topic)
	}
	return meta, true
}

// List snapshots the presences on a topic for state sync.
func (t *Tracker) List(topic string) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.topics[topic]
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HandlePresence tracks or untracks the session's presence and fans the
// resulting diff out on the channel. Sessions that did not enable presence
// in their join options treat every presence message as a no-op.
func (h *Handler) HandlePresence(ctx context.Context, payload map[string]any, s *Session) (Reply, error) {
	if !s.PresenceEnabled {
		return ReplyOK, nil
	}

	if s.Private {
		allowed, reply, err := h.ensureWrite(ctx, s, presenceWrite)
		if err != nil || !allowed {
			return reply, err
		}
	}

	event, _ := payload["event"].(string)
	switch event {
	case "track":
		meta := payload["payload"]
		h.presence.Track(s.BusTopic(), s.PresenceKey, meta)
		if err := h.publishDiff(s, map[string]any{s.PresenceKey: meta}, map[string]any{}); err != nil {
			return ReplyError, err
		}
		h.counters.Add(counters.Key{Tenant: s.TenantID, Measure: counters.Joins}, 1)
		h.counters.Add(counters.Key{Tenant: s.TenantID, Measure: counters.Events}, 1)
		return ReplyOK, nil
	case "untrack":
		meta, tracked := h.presence.Untrack(s.BusTopic(), s.PresenceKey)
		if tracked {
			if err := h.publishDiff(s, map[string]any{}, map[string]any{s.PresenceKey: meta}); err != nil {
				return ReplyError, err
			}
		}
		h.counters.Add(counters.Key{Tenant: s.TenantID, Measure: counters.Events}, 1)
		return ReplyOK, nil
	default:
		h.log.Error("UnknownPresenceEvent", "tenant", s.TenantID, "topic", s.Topic, "event", event)
		return ReplyError, nil
	}
}

// publishDiff fans one presence_diff frame out to every subscriber on the
// session's channel, the tracking client included.
func (h *Handler) publishDiff(s *Session, joins, leaves map[string]any) error {
	env := &pubsub.Broadcast{
		Event: pubsub.EventPresenceDiff,
		Topic: s.Topic,
		Payload: map[string]any{
			"joins":  joins,
			"leaves": leaves,
		},
	}
	if err := h.bus.Broadcast(s.BusTopic(), env); err != nil {
		h.log.Error("presence diff publish failed",
			"tenant", s.TenantID, "topic", s.Topic, "error", err)
		return err
	}
	return nil
}
