package relay

import (
	"fmt"

	"github.com/ashureev/relaycore/internal/domain"
	"github.com/ashureev/relaycore/internal/protocol"
	"github.com/ashureev/relaycore/internal/transfer"
)

// TimeoutNotifier builds the callback passed to Coordinator.RunWatchdog: it
// tells both the sender and the receiver that their transfer was abandoned.
// It only runs for a context the watchdog itself removed (see
// Coordinator.Release), so a handler that notices the same deadline on its
// own blocking read never double-sends this notice.
func TimeoutNotifier(srv *Server) transfer.TimeoutCallback {
	return func(tc *domain.TransferContext) {
		if tc.SenderSession != nil {
			_ = tc.SenderSession.WriteFrame(mustMarshalFrame(protocol.ErrorFrame{
				Type:    protocol.TypeError,
				Message: fmt.Sprintf("File transfer to %s timed out", tc.Receiver),
			}))
		}
		srv.Registry.SendTo(tc.Receiver, protocol.ErrorFrame{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("File transfer from %s timed out", tc.Sender),
		})
	}
}
