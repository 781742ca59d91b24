//go:build !linux

package orchestrator

import (
	"meshvpn/codec"
	"meshvpn/internal/logging"
)

// routeReloader is a no-op outside Linux: route(8)/netlink wiring for other
// platforms is not implemented, so peer CIDR routes must be configured out
// of band. The TUN interface and initial routes are still set up via
// netconfig.ConfigureTUN after the first relay handshake.
type routeReloader struct {
	logger *logging.Logger
}

func newRouteReloader(ifname string, logger *logging.Logger) (*routeReloader, error) {
	return &routeReloader{logger: logger}, nil
}

func (r *routeReloader) Reload(peers []codec.PeerDetail) {
	r.logger.Debug("route reload skipped on this platform", nil)
}
