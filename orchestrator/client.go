// Package orchestrator composes the codec, cipher, transport, relay,
// registry, probe, sendpath, bridge, clientstore, and dataplane packages
// into the two runnable roles the daemon supports: client and server.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"meshvpn/bridge"
	"meshvpn/cipher"
	"meshvpn/codec"
	"meshvpn/config"
	"meshvpn/internal/dataplane"
	"meshvpn/internal/logging"
	"meshvpn/internal/management"
	"meshvpn/internal/netconfig"
	"meshvpn/internal/stunclient"
	"meshvpn/probe"
	"meshvpn/registry"
	"meshvpn/relay"
	"meshvpn/sendpath"
	"meshvpn/transport"
)

// Client runs the full client-role event loop: relay connection, P2P
// transport, TUN bridge, and the supporting management endpoint.
type Client struct {
	cfg    *config.Config
	logger *logging.Logger

	cipher   cipher.Cipher
	reg      *registry.Registry
	udp      *transport.UDP
	tun      *dataplane.TUNBridge
	relay    *relay.Client
	selector *sendpath.Selector
	probe    *probe.Engine
	bridge   *bridge.Bridge
	addrs    *addressProvider
	mgmt     *management.Server
}

// NewClient builds every component but starts nothing.
func NewClient(cfg *config.Config, logger *logging.Logger) (*Client, error) {
	c, err := cipher.New(cipher.Suite(cfg.Cipher.Suite), []byte(cfg.Cipher.Key))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cipher: %w", err)
	}

	reg := registry.New(cfg.EffectiveLiveWindow())

	udp, err := transport.NewUDP(cfg.UDP.IPv6Port, cfg.UDP.STUNPort, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: udp transport: %w", err)
	}

	tun, err := dataplane.NewTUNBridge(cfg.TUN.Name, cfg.TUN.MTU)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: tun device: %w", err)
	}

	var discoverer stunclient.Discoverer
	if cfg.STUNServer != "" {
		discoverer = stunclient.NewClient()
	}
	addrs := newAddressProvider(udp.IPv6Conn(), udp.IPv4Conn(), cfg.STUNServer, discoverer, logger)

	host, port, err := net.SplitHostPort(cfg.RelayEndpoint)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: relay endpoint: %w", err)
	}
	dialAddr := net.JoinHostPort(host, port)
	dialer := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.EffectiveTCPConnectTimeout()}
		return d.DialContext(ctx, "tcp", dialAddr)
	}

	relayClient := relay.NewClient(
		cfg.Identity, dialer, c, cfg.UDP.IPv6Port, addrs, logger,
		relay.WithKeepalive(cfg.EffectiveKeepaliveInterval(), cfg.EffectiveKeepaliveThreshold()),
		relay.WithIPv6RefreshPeriod(cfg.EffectiveIPv6RefreshPeriod()),
	)

	selector := sendpath.New(reg, udp, relayClient, c)
	selector.OnDrop(func(err error) {
		logger.Warn("send path dropped packet", map[string]interface{}{"error": err.Error()})
	})

	probeEngine := probe.New(cfg.Identity, reg, udp, c, cfg.EffectiveProbeInterval())
	probeEngine.OnError(func(err error) {
		logger.Debug("probe send failed", map[string]interface{}{"error": err.Error()})
	})

	reloader, err := newRouteReloader(cfg.TUN.Name, logger)
	if err != nil {
		logger.Warn("route reloader unavailable, dynamic peer routes disabled", map[string]interface{}{"error": err.Error()})
		reloader = nil
	}

	br := bridge.New(tun, selector, reg, reloader, logger)

	mgmt, err := management.New(cfg.Management.Bind, func() interface{} {
		rx, tx := br.Counters()
		return map[string]interface{}{
			"identity":   cfg.Identity,
			"relayState": relayClient.State().String(),
			"rxBytes":    rx,
			"txBytes":    tx,
			"peers":      reg.Snapshot(),
		}
	}, logger, management.WithACL(cfg.ManagementPrefixes()), management.WithMetrics(func() map[string]float64 {
		rx, tx := br.Counters()
		return map[string]float64{"rx_bytes": float64(rx), "tx_bytes": float64(tx)}
	}))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: management server: %w", err)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		cipher:   c,
		reg:      reg,
		udp:      udp,
		tun:      tun,
		relay:    relayClient,
		selector: selector,
		probe:    probeEngine,
		bridge:   br,
		addrs:    addrs,
		mgmt:     mgmt,
	}, nil
}

// Run blocks until ctx is cancelled, running every component concurrently.
func (c *Client) Run(ctx context.Context) error {
	c.addrs.refresh()
	stop := make(chan struct{})
	go c.addrs.loop(stop, c.cfg.EffectiveIPv6RefreshPeriod())
	defer close(stop)

	c.mgmt.Start()
	defer c.mgmt.Close(context.Background())

	go c.relay.Run(ctx)
	go c.probe.Run(ctx)

	p2pInbound := make(chan codec.Frame, 1000)
	go p2pPump(ctx, c.udp, c.cipher, c.reg, c.logger, p2pInbound)

	go c.applyHandshakeReplies(ctx)

	c.bridge.Run(ctx, c.relay.Inbound(), p2pInbound)
	return ctx.Err()
}

// applyHandshakeReplies configures the local TUN interface the first time
// the relay handshake completes, and merges the initial peer list into the
// registry on every (re)connection.
func (c *Client) applyHandshakeReplies(ctx context.Context) {
	configured := false
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-c.relay.Ready():
			if !ok {
				return
			}
			c.reg.Merge(reply.Peers)
			if !configured {
				if err := c.configureInterface(reply); err != nil {
					c.logger.Warn("tun configuration failed", map[string]interface{}{"error": err.Error()})
				} else {
					configured = true
				}
			}
		}
	}
}

func (c *Client) configureInterface(reply codec.HandshakeReply) error {
	addr, err := netip.ParseAddr(reply.PrivateIP)
	if err != nil {
		return fmt.Errorf("invalid private_ip %q: %w", reply.PrivateIP, err)
	}
	bits := 32
	if mask, err := netip.ParseAddr(reply.Mask); err == nil {
		bits = maskBits(mask)
	}
	prefix := netip.PrefixFrom(addr, bits)

	routes := make([]netip.Prefix, 0, len(reply.Peers))
	for _, peer := range reply.Peers {
		for _, cidr := range peer.Ciders {
			if p, err := netip.ParsePrefix(cidr); err == nil {
				routes = append(routes, p)
			}
		}
	}
	return netconfig.ConfigureTUN(c.cfg.TUN.Name, prefix, routes)
}

func maskBits(mask netip.Addr) int {
	if !mask.Is4() {
		return 128
	}
	bytes := mask.As4()
	bits := 0
	for _, b := range bytes {
		for b != 0 {
			bits += int(b & 1)
			b >>= 1
		}
	}
	return bits
}
