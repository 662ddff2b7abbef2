package connect

import (
	"errors"
	"fmt"

	"github.com/floodgate-io/floodgate/internal/cluster"
	"github.com/floodgate-io/floodgate/internal/database"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/replication"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

// Lifecycle errors surfaced by LookupOrStart. The messages are the exact
// codes that cross the cluster RPC boundary.
var (
	// ErrInitializing means a supervisor exists but did not publish a live
	// handle within the ready wait.
	ErrInitializing = errors.New("initializing")
	// ErrStartTimeout means the startup pipeline overran its budget.
	ErrStartTimeout = errors.New("timeout")
	// ErrShuttingDown rejects new work while the node drains.
	ErrShuttingDown = errors.New("shutdown_in_progress")
)

// Stop reasons supervisors shut down with.
const (
	StopReasonIdle       = "shutdown_no_connected_users"
	StopReasonRebalance  = "rebalancing"
	StopReasonDisconnect = "operator requested disconnect"
	StopReasonStreamExit = "replication stream exited"
)

// sentinels lists every error whose taxonomy code can come back from a
// remote start and must be re-formed as the shared value.
var sentinels = []error{
	tenant.ErrNotFound,
	tenant.ErrSuspended,
	database.ErrUnavailable,
	database.ErrTooManyConnections,
	database.ErrIncreaseConnectionPool,
	replication.ErrSlotInUse,
	replication.ErrMaxWalSenders,
	registry.ErrAlreadyRegistered,
	ErrInitializing,
	ErrStartTimeout,
	ErrShuttingDown,
}

// mapRemoteError re-forms a remote node's taxonomy code as the shared
// sentinel so errors.Is answers the same for local and remote starts.
// Unknown codes stay as the RemoteStartError they arrived in.
func mapRemoteError(err error) error {
	var remote *cluster.RemoteStartError
	if !errors.As(err, &remote) {
		return err
	}
	for _, s := range sentinels {
		if remote.Code == s.Error() {
			return fmt.Errorf("%w (from node %s)", s, remote.Node)
		}
	}
	return err
}
