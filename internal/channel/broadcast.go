package channel

import (
	"context"
	"errors"

	"github.com/floodgate-io/floodgate/internal/authorize"
	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/pubsub"
)

// Prober runs one write-direction policy probe for a session, resolving
// the tenant's database on demand. Implemented by the connect manager.
type Prober interface {
	ProbeWrite(ctx context.Context, s *Session) (authorize.Policies, error)
}

// Handler serves a connection's channel messages.
type Handler struct {
	log      *logging.Logger
	bus      *pubsub.Bus
	counters *counters.Cache
	prober   Prober
	presence *Tracker
}

// NewHandler builds a Handler. One handler serves every session on a node.
func NewHandler(log *logging.Logger, bus *pubsub.Bus, cache *counters.Cache, prober Prober) *Handler {
	return &Handler{
		log:      log.Component("channel"),
		bus:      bus,
		counters: cache,
		prober:   prober,
		presence: NewTracker(),
	}
}

// Presence exposes the handler's presence state for state-sync reads.
func (h *Handler) Presence() *Tracker { return h.presence }

// HandleBroadcast fans a client payload out on the session's channel. On
// private channels the session must hold the broadcast write capability;
// unauthorized messages are dropped without telling the client.
func (h *Handler) HandleBroadcast(ctx context.Context, payload map[string]any, s *Session) (Reply, error) {
	if s.Private {
		allowed, reply, err := h.ensureWrite(ctx, s, broadcastWrite)
		if err != nil || !allowed {
			return reply, err
		}
	}

	env := &pubsub.Broadcast{
		Event:   pubsub.EventBroadcast,
		Topic:   s.Topic,
		Payload: payload,
	}

	var err error
	if s.SelfBroadcast {
		err = h.bus.Broadcast(s.BusTopic(), env)
	} else {
		err = h.bus.BroadcastFrom(s.SubID, s.BusTopic(), env)
	}
	if err != nil {
		h.log.Error("broadcast publish failed", "tenant", s.TenantID, "topic", s.Topic, "error", err)
		return ReplyError, err
	}

	h.counters.Add(counters.Key{Tenant: s.TenantID, Measure: counters.Events}, 1)
	if s.AckBroadcast {
		return ReplyOK, nil
	}
	return NoReply, nil
}

func broadcastWrite(p authorize.Policies) authorize.Tri { return p.Broadcast.Write }
func presenceWrite(p authorize.Policies) authorize.Tri  { return p.Presence.Write }

// ensureWrite resolves one write capability, probing when it is still
// unknown. A single probe latches both broadcast and presence writes, so at
// most one probe runs per session regardless of which handler triggers it.
// A broken policy latches both writes to denied; transient failures leave
// the capability unprobed so the next message retries.
func (h *Handler) ensureWrite(ctx context.Context, s *Session, capability func(authorize.Policies) authorize.Tri) (bool, Reply, error) {
	if capability(s.Policies).Known() {
		return capability(s.Policies).Granted(), NoReply, nil
	}

	probed, err := h.prober.ProbeWrite(ctx, s)
	if err != nil {
		h.log.Error("write authorization probe failed",
			"tenant", s.TenantID, "topic", s.Topic, "error", err)
		if errors.Is(err, authorize.ErrRLSPolicy) {
			s.Policies = s.Policies.MergeWrite(authorize.Policies{
				Broadcast: authorize.BroadcastPolicies{Write: authorize.Denied},
				Presence:  authorize.PresencePolicies{Write: authorize.Denied},
			})
		}
		return false, ReplyError, err
	}
	s.Policies = s.Policies.MergeWrite(probed)

	return capability(s.Policies).Granted(), NoReply, nil
}
