package relay

import (
	"github.com/ashureev/relaycore/internal/protocol"
	"github.com/ashureev/relaycore/internal/registry"
)

// broadcastUserList sends the current registry snapshot to every live
// session. Per §9's Open Question resolution, request_users and membership
// changes both broadcast rather than unicast: "the handler sends this to
// all live sessions (broadcast), not just the requester."
func broadcastUserList(reg *registry.Registry) {
	reg.Broadcast(protocol.UserListFrame{
		Type:  protocol.TypeUserList,
		Users: reg.SnapshotUsernames(),
	}, "")
}
