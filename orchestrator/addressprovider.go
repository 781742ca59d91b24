package orchestrator

import (
	"net"
	"sync"
	"time"

	"meshvpn/internal/logging"
	"meshvpn/internal/stunclient"
)

// addressProvider implements relay.AddressProvider: it caches the first
// global, non-private IPv6 address found on a local interface (if any) and
// periodically refreshes
// the STUN-discovered public IPv4:port, independent of the relay TCP
// connection's lifecycle.
type addressProvider struct {
	ipv6Conn   *net.UDPConn
	stunConn   *net.UDPConn
	stunServer string
	discoverer stunclient.Discoverer
	logger     *logging.Logger

	mu       sync.RWMutex
	ipv6     string
	stunIP   string
	stunPort int
}

func newAddressProvider(ipv6Conn, stunConn *net.UDPConn, stunServer string, discoverer stunclient.Discoverer, logger *logging.Logger) *addressProvider {
	return &addressProvider{
		ipv6Conn:   ipv6Conn,
		stunConn:   stunConn,
		stunServer: stunServer,
		discoverer: discoverer,
		logger:     logger,
	}
}

func (a *addressProvider) PublicIPv6() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ipv6
}

func (a *addressProvider) PublicSTUN() (string, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stunIP, a.stunPort
}

// refresh re-derives both addresses: the IPv6 slot from the first global
// unicast, non-private IPv6 address on any local interface (the IPv6 socket
// is only checked for presence), the STUN slot via a live binding request.
func (a *addressProvider) refresh() {
	ipv6 := localGlobalIPv6(a.ipv6Conn)

	var stunIP string
	var stunPort int
	if a.stunServer != "" && a.discoverer != nil {
		ip, port, err := a.discoverer.Discover(a.stunConn, a.stunServer)
		if err != nil {
			a.logger.Warn("stun discovery failed", map[string]interface{}{"error": err.Error()})
		} else {
			stunIP, stunPort = ip, port
		}
	}

	a.mu.Lock()
	a.ipv6 = ipv6
	a.stunIP = stunIP
	a.stunPort = stunPort
	a.mu.Unlock()
}

// loop refreshes on a ticker until ctx-like stop fires; callers invoke an
// initial refresh synchronously before starting this.
func (a *addressProvider) loop(stop <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.refresh()
		}
	}
}

func localGlobalIPv6(conn *net.UDPConn) string {
	if conn == nil {
		return ""
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To16()
		if ip == nil || ipNet.IP.To4() != nil {
			continue
		}
		if ip.IsGlobalUnicast() && !ip.IsPrivate() {
			return ip.String()
		}
	}
	return ""
}
