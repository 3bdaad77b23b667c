// Package relay implements the Listener and ConnectionHandler: the
// per-connection protocol state machine, fan-out messaging, and the file
// relay subprotocol described in spec sections 4.1 and 4.2.
package relay

import (
	"time"

	"github.com/ashureev/relaycore/internal/auth"
	"github.com/ashureev/relaycore/internal/config"
	"github.com/ashureev/relaycore/internal/history"
	"github.com/ashureev/relaycore/internal/registry"
	"github.com/ashureev/relaycore/internal/transfer"
)

// Server bundles the collaborators every ConnectionHandler needs. One
// Server is constructed at startup and shared by every accepted
// connection; it owns no per-connection state itself.
type Server struct {
	Registry    *registry.Registry
	Coordinator *transfer.Coordinator
	History     *history.Client
	Verifier    *auth.Verifier
	Config      *config.Config
}

// NewServer wires a Server from its collaborators.
func NewServer(cfg *config.Config) *Server {
	return &Server{
		Registry:    registry.New(),
		Coordinator: transfer.New(cfg.FileTransferTimeout),
		History:     history.New(cfg.HistoryBase, cfg.HistoryTimeout),
		Verifier:    auth.NewVerifier(cfg.JWTSecret),
		Config:      cfg,
	}
}

// fileTransferTimeoutSeconds is surfaced to clients in the welcome frame so
// a UI can show how long a transfer has before it's abandoned.
func (s *Server) fileTransferTimeoutSeconds() int {
	return int(s.Config.FileTransferTimeout / time.Second)
}
