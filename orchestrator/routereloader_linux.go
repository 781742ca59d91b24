//go:build linux

package orchestrator

import (
	"net/netip"
	"sync"

	"meshvpn/codec"
	"meshvpn/internal/logging"
	"meshvpn/internal/netconfig"
)

// routeReloader adapts netconfig.RouteManager to bridge.RouteReloader: on
// every KeepAlive reply it diffs the newly advertised peer CIDRs against
// what it last installed and adds/removes routes accordingly.
type routeReloader struct {
	mgr    *netconfig.RouteManager
	logger *logging.Logger

	mu        sync.Mutex
	installed map[netip.Prefix]struct{}
}

func newRouteReloader(ifname string, logger *logging.Logger) (*routeReloader, error) {
	mgr, err := netconfig.NewRouteManager(ifname)
	if err != nil {
		return nil, err
	}
	return &routeReloader{mgr: mgr, logger: logger, installed: make(map[netip.Prefix]struct{})}, nil
}

func (r *routeReloader) Reload(peers []codec.PeerDetail) {
	want := make(map[netip.Prefix]struct{})
	for _, peer := range peers {
		for _, cidr := range peer.Ciders {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				continue
			}
			want[prefix] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for prefix := range want {
		if _, ok := r.installed[prefix]; ok {
			continue
		}
		if err := r.mgr.AddRoute(prefix); err != nil {
			r.logger.Warn("add route failed", map[string]interface{}{"prefix": prefix.String(), "error": err.Error()})
			continue
		}
		r.installed[prefix] = struct{}{}
	}
	for prefix := range r.installed {
		if _, ok := want[prefix]; ok {
			continue
		}
		if err := r.mgr.DelRoute(prefix); err != nil {
			r.logger.Warn("delete route failed", map[string]interface{}{"prefix": prefix.String(), "error": err.Error()})
			continue
		}
		delete(r.installed, prefix)
	}
}
