// Package registry tracks which node owns each named process in the
// cluster. Claims are unique per (scope, name); duplicate claims are
// resolved by a deterministic rule every node applies identically, so the
// cluster converges without coordination.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/floodgate-io/floodgate/internal/clock"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/pubsub"
)

// Scope namespaces claim names.
type Scope string

const (
	// Connect holds one claim per running tenant supervisor.
	Connect Scope = "connect"
	// RegionNodes holds one claim per live node, tagged with its region.
	RegionNodes Scope = "region_nodes"
)

// StopReasonConflict is handed to a claim's process when it loses a
// registration conflict.
const StopReasonConflict = "conflict"

var (
	// ErrAlreadyRegistered means an existing claim won the conflict and the
	// new registration was refused.
	ErrAlreadyRegistered = errors.New("already_registered")
	// ErrNotOwner means a node tried to update or remove a claim it does
	// not hold.
	ErrNotOwner = errors.New("not claim owner")
)

// Process is the stoppable owner behind a local claim.
type Process interface {
	// Stop asks the process to shut down and returns when it has, subject
	// to the process's own graceful ceiling.
	Stop(reason string)
}

// Meta is the shared state a claim carries. Conn is only ever non-nil for
// claims owned by this node; pool handles cannot cross the wire, so remote
// liveness travels as the Live flag instead.
type Meta struct {
	Conn   *database.Handle
	Region string
	Live   bool
}

// Claim is one (scope, name) registration.
type Claim struct {
	Scope      Scope
	Name       string
	Node       string
	NodeRegion string
	At         time.Time
	Meta       Meta

	proc Process
}

// home reports whether the claim's node sits in the deployment region that
// serves the claim's provisioning region.
func (c Claim) home() bool {
	want := PlatformRegion(c.Meta.Region)
	return want != "" && c.NodeRegion == want
}

func (c Claim) sameIdentity(o Claim) bool {
	return c.Node == o.Node && c.At.Equal(o.At)
}

// ResolveConflict picks the surviving claim between two registrations of
// the same name. Preference order: the claim whose node is in the claim's
// own region, then the earlier registration, then the smaller node name.
// The function is pure so every node resolves a collision the same way.
func ResolveConflict(a, b Claim) Claim {
	if ah, bh := a.home(), b.home(); ah != bh {
		if ah {
			return a
		}
		return b
	}
	if !a.At.Equal(b.At) {
		if a.At.Before(b.At) {
			return a
		}
		return b
	}
	if a.Node <= b.Node {
		return a
	}
	return b
}

// Announcer spreads local registry changes to the rest of the cluster.
type Announcer interface {
	AnnounceClaim(c Claim)
	AnnounceDown(scope Scope, name, node string)
}

// Registry is the node-local view of the cluster's claims.
type Registry struct {
	node   string
	region string
	bus    *pubsub.Bus
	clk    clock.Clock
	log    *logging.Logger

	mu        sync.Mutex
	claims    map[Scope]map[string]Claim
	announcer Announcer
}

// New creates a Registry for this node.
func New(node, region string, bus *pubsub.Bus, clk clock.Clock, log *logging.Logger) *Registry {
	return &Registry{
		node:   node,
		region: region,
		bus:    bus,
		clk:    clk,
		log:    log.Component("registry"),
		claims: make(map[Scope]map[string]Claim),
	}
}

// AttachAnnouncer connects the registry to the cluster. Call before
// registering anything that must be visible cluster-wide.
func (r *Registry) AttachAnnouncer(a Announcer) {
	r.mu.Lock()
	r.announcer = a
	r.mu.Unlock()
}

func normalize(meta Meta) Meta {
	if meta.Conn != nil {
		meta.Live = true
	}
	return meta
}

// Register claims (scope, name) for this node. When the name is already
// claimed the conflict resolver decides; losing to the existing claim
// returns ErrAlreadyRegistered, winning stops the existing claim's process.
func (r *Registry) Register(scope Scope, name string, proc Process, meta Meta) (Claim, error) {
	claim := Claim{
		Scope:      scope,
		Name:       name,
		Node:       r.node,
		NodeRegion: r.region,
		At:         r.clk.Now(),
		Meta:       normalize(meta),
		proc:       proc,
	}

	r.mu.Lock()
	existing, exists := r.lookupLocked(scope, name)
	if exists {
		winner := ResolveConflict(existing, claim)
		if winner.sameIdentity(existing) {
			r.mu.Unlock()
			return existing, ErrAlreadyRegistered
		}
		r.log.Warn("registration conflict",
			"scope", string(scope), "name", name,
			"winner", claim.Node, "loser", existing.Node)
		if existing.proc != nil {
			go existing.proc.Stop(StopReasonConflict)
		}
	}
	r.storeLocked(claim)
	a := r.announcer
	r.mu.Unlock()

	if a != nil {
		a.AnnounceClaim(claim)
	}
	return claim, nil
}

// Lookup returns the claim for (scope, name).
func (r *Registry) Lookup(scope Scope, name string) (Claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(scope, name)
}

// Update replaces the meta of a claim this node owns. A nil→live handle
// transition publishes a ready event on the claim's connect topic so
// waiters wake up.
func (r *Registry) Update(scope Scope, name string, meta Meta) (Claim, error) {
	meta = normalize(meta)

	r.mu.Lock()
	claim, ok := r.lookupLocked(scope, name)
	if !ok || claim.Node != r.node {
		r.mu.Unlock()
		return Claim{}, ErrNotOwner
	}
	wasLive := claim.Meta.Live
	claim.Meta = meta
	r.storeLocked(claim)
	a := r.announcer
	r.mu.Unlock()

	if scope == Connect && !wasLive && meta.Live {
		r.bus.Emit(pubsub.ReadyTopic(name), pubsub.Event{
			Name:    pubsub.EventReady,
			Payload: meta.Conn,
		})
	}
	if a != nil {
		a.AnnounceClaim(claim)
	}
	return claim, nil
}

// Unregister removes a claim this node owns and broadcasts its departure.
func (r *Registry) Unregister(scope Scope, name string) error {
	r.mu.Lock()
	claim, ok := r.lookupLocked(scope, name)
	if !ok || claim.Node != r.node {
		r.mu.Unlock()
		return ErrNotOwner
	}
	r.dropLocked(scope, name)
	a := r.announcer
	r.mu.Unlock()

	r.bus.Emit(pubsub.DownTopic(string(scope), name), pubsub.Event{Name: pubsub.EventDown})
	if a != nil {
		a.AnnounceDown(scope, name, r.node)
	}
	return nil
}

// Members lists the claim names in scope whose meta region matches region.
// An empty region matches everything. The result is sorted so placement
// hashes agree across nodes.
func (r *Registry) Members(scope Scope, region string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, claim := range r.claims[scope] {
		if region != "" && claim.Meta.Region != region {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyRemoteClaim merges a claim announced by another node. Collisions go
// through the same resolver as local registrations; a local claim that
// loses is stopped.
func (r *Registry) ApplyRemoteClaim(c Claim) {
	if c.Node == r.node {
		return
	}

	r.mu.Lock()
	existing, exists := r.lookupLocked(c.Scope, c.Name)
	if exists && existing.Node != c.Node {
		winner := ResolveConflict(existing, c)
		if winner.sameIdentity(existing) {
			r.mu.Unlock()
			return
		}
		r.log.Warn("registration conflict",
			"scope", string(c.Scope), "name", c.Name,
			"winner", c.Node, "loser", existing.Node)
		if existing.proc != nil {
			go existing.proc.Stop(StopReasonConflict)
		}
	}
	wasLive := exists && existing.Meta.Live
	r.storeLocked(c)
	r.mu.Unlock()

	// A remote tenant turning live wakes local waiters so they can open
	// their satellite pool instead of sitting out the full wait.
	if c.Scope == Connect && !wasLive && c.Meta.Live {
		r.bus.Emit(pubsub.ReadyTopic(c.Name), pubsub.Event{Name: pubsub.EventReady})
	}
}

// ApplyRemoteDown removes a claim another node announced the removal of.
// Stale announcements (the claim moved on) are ignored.
func (r *Registry) ApplyRemoteDown(scope Scope, name, node string) {
	r.mu.Lock()
	claim, ok := r.lookupLocked(scope, name)
	if !ok || claim.Node != node {
		r.mu.Unlock()
		return
	}
	r.dropLocked(scope, name)
	r.mu.Unlock()

	r.bus.Emit(pubsub.DownTopic(string(scope), name), pubsub.Event{Name: pubsub.EventDown})
}

// DropNode removes every claim a node holds. Called when the cluster
// observes the node leaving.
func (r *Registry) DropNode(node string) {
	if node == r.node {
		return
	}

	r.mu.Lock()
	var dropped []Claim
	for scope, claims := range r.claims {
		for name, claim := range claims {
			if claim.Node != node {
				continue
			}
			dropped = append(dropped, claim)
			delete(claims, name)
		}
		if len(claims) == 0 {
			delete(r.claims, scope)
		}
	}
	r.mu.Unlock()

	for _, claim := range dropped {
		r.bus.Emit(pubsub.DownTopic(string(claim.Scope), claim.Name), pubsub.Event{Name: pubsub.EventDown})
	}
	if len(dropped) > 0 {
		r.log.Info("dropped claims of departed node", "node", node, "claims", len(dropped))
	}
}

// LocalClaims snapshots every claim this node owns, across all scopes.
// The cluster reannounces them when new peers appear.
func (r *Registry) LocalClaims() []Claim {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Claim
	for _, claims := range r.claims {
		for _, claim := range claims {
			if claim.Node == r.node {
				out = append(out, claim)
			}
		}
	}
	return out
}

// StopAll stops every local process in scope in parallel and waits for
// them. Used on node shutdown.
func (r *Registry) StopAll(scope Scope, reason string) {
	r.mu.Lock()
	var procs []Process
	for _, claim := range r.claims[scope] {
		if claim.Node == r.node && claim.proc != nil {
			procs = append(procs, claim.proc)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p Process) {
			defer wg.Done()
			p.Stop(reason)
		}(p)
	}
	wg.Wait()
}

func (r *Registry) lookupLocked(scope Scope, name string) (Claim, bool) {
	claim, ok := r.claims[scope][name]
	return claim, ok
}

func (r *Registry) storeLocked(c Claim) {
	claims, ok := r.claims[c.Scope]
	if !ok {
		claims = make(map[string]Claim)
		r.claims[c.Scope] = claims
	}
	claims[c.Name] = c
}

func (r *Registry) dropLocked(scope Scope, name string) {
	claims, ok := r.claims[scope]
	if !ok {
		return
	}
	delete(claims, name)
	if len(claims) == 0 {
		delete(r.claims, scope)
	}
}
