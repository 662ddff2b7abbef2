package cluster

import (
	"errors"
	"time"

	"github.com/floodgate-io/floodgate/internal/registry"
)

// NATS subjects and headers. Bus topics can contain any character including
// `.`, so they travel in a header instead of the subject; every node
// receives the fixed subjects and filters by local interest.
const (
	subjectBroadcast   = "floodgate.bcast"
	subjectOps         = "floodgate.ops"
	subjectRegistry    = "floodgate.reg"
	subjectStartPrefix = "floodgate.connect.start."
	subjectUserCount   = "floodgate.users.count"

	headerTopic  = "topic"
	headerEvent  = "event"
	headerOrigin = "origin"
)

const (
	opClaim = "claim"
	opDown  = "down"
)

// claimAnnouncement is the registry sync wire format. Pool handles cannot
// cross nodes, so liveness travels as a flag.
type claimAnnouncement struct {
	Op         string `json:"op"`
	Scope      string `json:"scope"`
	Name       string `json:"name"`
	Node       string `json:"node"`
	NodeRegion string `json:"node_region"`
	At         int64  `json:"at"`
	Region     string `json:"region"`
	Live       bool   `json:"live"`
}

func announcementFor(c registry.Claim) claimAnnouncement {
	return claimAnnouncement{
		Op:         opClaim,
		Scope:      string(c.Scope),
		Name:       c.Name,
		Node:       c.Node,
		NodeRegion: c.NodeRegion,
		At:         c.At.UnixNano(),
		Region:     c.Meta.Region,
		Live:       c.Meta.Live,
	}
}

func (a claimAnnouncement) claim() registry.Claim {
	return registry.Claim{
		Scope:      registry.Scope(a.Scope),
		Name:       a.Name,
		Node:       a.Node,
		NodeRegion: a.NodeRegion,
		At:         time.Unix(0, a.At),
		Meta:       registry.Meta{Region: a.Region, Live: a.Live},
	}
}

// startRequest asks a node to start a tenant supervisor.
type startRequest struct {
	TenantID string `json:"tenant_id"`
}

// startReply carries success or the root taxonomy code of the failure.
type startReply struct {
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
}

// countReply carries one node's local connected-user sample.
type countReply struct {
	Count int `json:"count"`
}

// RootCode walks an error chain to its root and returns that error's
// message. Lifecycle errors keep their taxonomy code at the root, so the
// code survives the wire without carrying Go error values across nodes.
func RootCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
