//go:build linux

package netconfig

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// RouteManager manages routes on a TUN link using netlink directly, for
// environments where shelling out to the ip(8) CLI (ConfigureTUN/addRoute
// in netconfig_unix.go) is undesirable — e.g. no CLI available in a minimal container.
type RouteManager struct {
	link netlink.Link
}

// NewRouteManager resolves ifname to a netlink.Link.
func NewRouteManager(ifname string) (*RouteManager, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("netlink: resolve link %s: %w", ifname, err)
	}
	return &RouteManager{link: link}, nil
}

// AddRoute adds a route to prefix via the managed link.
func (r *RouteManager) AddRoute(prefix netip.Prefix) error {
	route := &netlink.Route{
		LinkIndex: r.link.Attrs().Index,
		Dst:       prefixToIPNet(prefix),
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("netlink: add route %s: %w", prefix, err)
	}
	return nil
}

// DelRoute removes a route to prefix from the managed link.
func (r *RouteManager) DelRoute(prefix netip.Prefix) error {
	route := &netlink.Route{
		LinkIndex: r.link.Attrs().Index,
		Dst:       prefixToIPNet(prefix),
	}
	if err := netlink.RouteDel(route); err != nil {
		return fmt.Errorf("netlink: del route %s: %w", prefix, err)
	}
	return nil
}

// SetUp brings the managed link up.
func (r *RouteManager) SetUp() error {
	return netlink.LinkSetUp(r.link)
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	ones := p.Bits()
	addr := p.Addr()
	bitLen := 32
	if addr.Is6() {
		bitLen = 128
	}
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(ones, bitLen),
	}
}
