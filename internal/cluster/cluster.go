// Package cluster links the node to its peers over NATS: it relays bus
// traffic, syncs registry claims, serves the remote supervisor-start RPC
// and answers connected-user scatter counts. One connection carries all
// four concerns.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
)

// ErrRPC marks failures of the transport itself, as opposed to taxonomy
// errors a remote node answered with.
var ErrRPC = errors.New("rpc_error")

// RPCError wraps a transport failure talking to a peer.
type RPCError struct {
	Node string
	Err  error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc_error: node %s: %v", e.Node, e.Err)
}

func (e *RPCError) Unwrap() []error { return []error{ErrRPC, e.Err} }

// RemoteStartError carries the taxonomy code a remote node answered a
// start request with. Error() is the bare code so callers can map it back
// to the shared sentinels.
type RemoteStartError struct {
	Node string
	Code string
}

func (e *RemoteStartError) Error() string { return e.Code }

// Starter starts a tenant supervisor on this node and blocks until it is
// serving. Implemented by the connect manager; declared here so the RPC
// server can call it without a dependency cycle.
type Starter interface {
	StartLocal(ctx context.Context, tenantID string) error
}

// Observer records RPC timings.
type Observer interface {
	ObserveRPC(op string, d time.Duration)
}

// Options configure the cluster link.
type Options struct {
	URL              string
	Node             string
	Region           string
	Bus              *pubsub.Bus
	Registry         *registry.Registry
	Log              *logging.Logger
	RPCTimeout       time.Duration
	UserCountTimeout time.Duration
	Observer         Observer
}

// Cluster is the NATS-backed cluster link. It implements pubsub.Relay and
// registry.Announcer.
type Cluster struct {
	node             string
	region           string
	id               string
	log              *logging.Logger
	bus              *pubsub.Bus
	reg              *registry.Registry
	rpcTimeout       time.Duration
	userCountTimeout time.Duration
	observer         Observer

	conn *nats.Conn

	mu      sync.Mutex
	subs    []*nats.Subscription
	known   map[string]bool
	starter Starter
}

// Connect joins the cluster and wires the relay and announcer. The
// connection retries forever; a node that loses NATS keeps serving local
// traffic and resyncs its claims when the link returns.
func Connect(opts Options) (*Cluster, error) {
	c := &Cluster{
		node:             opts.Node,
		region:           opts.Region,
		id:               uuid.NewString(),
		log:              opts.Log.Component("cluster"),
		bus:              opts.Bus,
		reg:              opts.Registry,
		rpcTimeout:       opts.RPCTimeout,
		userCountTimeout: opts.UserCountTimeout,
		observer:         opts.Observer,
		known:            make(map[string]bool),
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name("floodgate-"+opts.Node),
		nats.NoEcho(),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("nats reconnected", "url", nc.ConnectedUrl())
			c.resync()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	c.conn = conn

	if err := c.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}

	c.bus.AttachRelay(c)
	c.reg.AttachAnnouncer(c)
	c.log.Info("cluster link up", "node", c.node, "region", c.region, "id", c.id)
	return c, nil
}

func (c *Cluster) subscribe() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{subjectBroadcast, c.handleBroadcast},
		{subjectOps, c.handleOps},
		{subjectRegistry, c.handleRegistry},
		{subjectUserCount, c.handleUserCount},
	}
	for _, h := range handlers {
		sub, err := c.conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// Node returns this node's name.
func (c *Cluster) Node() string { return c.node }

// ID returns the per-boot instance id.
func (c *Cluster) ID() string { return c.id }

// Close drains the subscriptions and the connection.
func (c *Cluster) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription failed", "error", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
	}
}

// RelayBroadcast implements pubsub.Relay.
func (c *Cluster) RelayBroadcast(topic string, frame []byte) error {
	msg := nats.NewMsg(subjectBroadcast)
	msg.Header.Set(headerTopic, topic)
	msg.Header.Set(headerOrigin, c.node)
	msg.Data = frame
	return c.conn.PublishMsg(msg)
}

// RelayEvent implements pubsub.Relay.
func (c *Cluster) RelayEvent(topic, name string) error {
	msg := nats.NewMsg(subjectOps)
	msg.Header.Set(headerTopic, topic)
	msg.Header.Set(headerEvent, name)
	msg.Header.Set(headerOrigin, c.node)
	return c.conn.PublishMsg(msg)
}

// AnnounceClaim implements registry.Announcer.
func (c *Cluster) AnnounceClaim(claim registry.Claim) {
	if c.conn == nil {
		return
	}
	data, err := json.Marshal(announcementFor(claim))
	if err != nil {
		return
	}
	if err := c.conn.Publish(subjectRegistry, data); err != nil {
		c.log.Warn("claim announcement failed",
			"scope", string(claim.Scope), "name", claim.Name, "error", err)
	}
}

// AnnounceDown implements registry.Announcer.
func (c *Cluster) AnnounceDown(scope registry.Scope, name, node string) {
	if c.conn == nil {
		return
	}
	data, err := json.Marshal(claimAnnouncement{
		Op: opDown, Scope: string(scope), Name: name, Node: node,
	})
	if err != nil {
		return
	}
	if err := c.conn.Publish(subjectRegistry, data); err != nil {
		c.log.Warn("down announcement failed",
			"scope", string(scope), "name", name, "error", err)
	}
}

func (c *Cluster) handleBroadcast(msg *nats.Msg) {
	if msg.Header.Get(headerOrigin) == c.node {
		return
	}
	topic := msg.Header.Get(headerTopic)
	if topic == "" {
		return
	}
	c.bus.DeliverFrame(topic, msg.Data)
}

func (c *Cluster) handleOps(msg *nats.Msg) {
	if msg.Header.Get(headerOrigin) == c.node {
		return
	}
	topic := msg.Header.Get(headerTopic)
	event := msg.Header.Get(headerEvent)
	if topic == "" || event == "" {
		return
	}
	c.bus.Emit(topic, pubsub.Event{Name: event})
}

func (c *Cluster) handleRegistry(msg *nats.Msg) {
	var ann claimAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		c.log.Error("bad registry announcement", "error", err)
		return
	}
	if ann.Node == c.node {
		return
	}
	c.noteNode(ann.Node)

	switch ann.Op {
	case opClaim:
		c.reg.ApplyRemoteClaim(ann.claim())
	case opDown:
		c.reg.ApplyRemoteDown(registry.Scope(ann.Scope), ann.Name, ann.Node)
		if registry.Scope(ann.Scope) == registry.RegionNodes && ann.Name == ann.Node {
			// The node itself left; everything it owned goes with it.
			c.reg.DropNode(ann.Node)
		}
	}
}

// noteNode reannounces local claims the first time a node is heard from,
// so late joiners converge on the full claim table.
func (c *Cluster) noteNode(node string) {
	c.mu.Lock()
	seen := c.known[node]
	c.known[node] = true
	c.mu.Unlock()
	if !seen {
		go c.resync()
	}
}

func (c *Cluster) resync() {
	for _, claim := range c.reg.LocalClaims() {
		c.AnnounceClaim(claim)
	}
}

// ServeStart exposes starter to the cluster on this node's start subject.
func (c *Cluster) ServeStart(s Starter) error {
	c.mu.Lock()
	c.starter = s
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(subjectStartPrefix+c.node, c.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe start: %w", err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

func (c *Cluster) handleStart(msg *nats.Msg) {
	// Starts block on migrations and replication; never stall the
	// subscription dispatcher.
	go func() {
		var req startRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.respondStart(msg, fmt.Errorf("bad start request: %w", err))
			return
		}

		c.mu.Lock()
		s := c.starter
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.rpcTimeout)
		defer cancel()
		c.respondStart(msg, s.StartLocal(ctx, req.TenantID))
	}()
}

func (c *Cluster) respondStart(msg *nats.Msg, err error) {
	reply := startReply{OK: err == nil}
	if err != nil {
		reply.Code = RootCode(err)
	}
	data, mErr := json.Marshal(reply)
	if mErr != nil {
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		c.log.Warn("start reply failed", "error", rErr)
	}
}

// StartRemote asks node to start a tenant supervisor and waits for its
// answer. Taxonomy codes come back as RemoteStartError; transport failures
// as RPCError.
func (c *Cluster) StartRemote(ctx context.Context, node, tenantID string) error {
	start := time.Now()
	defer c.observe("connect_start", start)

	data, err := json.Marshal(startRequest{TenantID: tenantID})
	if err != nil {
		return &RPCError{Node: node, Err: err}
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	msg, err := c.conn.RequestWithContext(rpcCtx, subjectStartPrefix+node, data)
	if err != nil {
		return &RPCError{Node: node, Err: err}
	}

	var reply startReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return &RPCError{Node: node, Err: err}
	}
	if !reply.OK {
		return &RemoteStartError{Node: node, Code: reply.Code}
	}
	return nil
}

func (c *Cluster) handleUserCount(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(countReply{Count: c.bus.TenantUsers(string(msg.Data))})
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.Warn("user count reply failed", "error", err)
	}
}

// CountUsers samples the cluster-wide connected-user count for a tenant:
// the local count plus whatever peers answer inside the scatter window.
func (c *Cluster) CountUsers(tenantID string) int {
	start := time.Now()
	defer c.observe("user_count", start)

	total := c.bus.TenantUsers(tenantID)

	inbox := nats.NewInbox()
	sub, err := c.conn.SubscribeSync(inbox)
	if err != nil {
		return total
	}
	defer sub.Unsubscribe()

	if err := c.conn.PublishRequest(subjectUserCount, inbox, []byte(tenantID)); err != nil {
		return total
	}

	deadline := time.Now().Add(c.userCountTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return total
		}
		msg, err := sub.NextMsg(remaining)
		if err != nil {
			return total
		}
		var reply countReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			continue
		}
		total += reply.Count
	}
}

func (c *Cluster) observe(op string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRPC(op, time.Since(start))
	}
}
