package rpc

import (
	"context"
	"net/http"
)

// daemonVersion is swapd's reported protocol/control-plane version; bumped
// by hand alongside breaking RPC changes.
const daemonVersion = "0.1.0"

// DaemonService answers daemon_* RPC requests: version info and shutdown.
type DaemonService struct {
	shutdown context.CancelFunc
}

func newDaemonService(shutdown context.CancelFunc) *DaemonService {
	return &DaemonService{shutdown: shutdown}
}

// VersionResponse carries the daemon's reported version.
type VersionResponse struct {
	Version string `json:"version"`
}

// Version returns the daemon's version string.
func (s *DaemonService) Version(_ *http.Request, _ *struct{}, resp *VersionResponse) error {
	resp.Version = daemonVersion
	return nil
}

// ShutdownResponse is returned by Shutdown; it carries no data, the caller's
// connection simply closes once the daemon's context is cancelled.
type ShutdownResponse struct{}

// Shutdown cancels the daemon's root context, tearing down the libp2p host,
// database, and this RPC server.
func (s *DaemonService) Shutdown(_ *http.Request, _ *struct{}, _ *ShutdownResponse) error {
	if s.shutdown != nil {
		s.shutdown()
	}
	return nil
}
