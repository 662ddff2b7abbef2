package cluster

import (
	"hash/fnv"

	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

// PreferredNode picks the node that should own a tenant's supervisor: the
// tenant's external id is hashed over the sorted node set of its platform
// region (every node when the region is unknown). An empty candidate set
// falls back to the local node, so a single node without cluster membership
// still serves everything.
func PreferredNode(reg *registry.Registry, self string, t *tenant.Tenant) string {
	candidates := reg.Members(registry.RegionNodes, registry.PlatformRegion(t.Region))
	if len(candidates) == 0 {
		return self
	}
	h := fnv.New32a()
	h.Write([]byte(t.ExternalID))
	return candidates[int(h.Sum32())%len(candidates)]
}
