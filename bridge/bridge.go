// Package bridge pumps packets between the local TUN interface and the two
// wire transports (relay and P2P), and tracks traffic counters.
package bridge

import (
	"context"
	"net/netip"
	"sync/atomic"

	"meshvpn/codec"
	"meshvpn/internal/logging"
	"meshvpn/internal/metrics"
	"meshvpn/registry"
	"meshvpn/sendpath"
)

// TUN is the minimal contract the bridge needs from the virtual interface:
// a channel of raw IPv4 packets read from the device, and a method to write
// one back.
type TUN interface {
	Outbound() <-chan []byte
	Write(payload []byte) error
}

// RouteReloader is consulted after a KeepAlive reply merges fresh peer
// routes into the registry; implementations push CIDR changes to the OS
// routing table. A nil RouteReloader is valid: route reload is optional.
type RouteReloader interface {
	Reload(peers []codec.PeerDetail)
}

// Bridge is the single select loop described by the TUN <-> dataplane
// contract: it owns no transport directly, only the channels wired to it by
// the orchestrator.
type Bridge struct {
	tun      TUN
	selector *sendpath.Selector
	reg      *registry.Registry
	reloader RouteReloader
	logger   *logging.Logger

	rxBytes uint64
	txBytes uint64
}

// New constructs a bridge. reloader may be nil.
func New(tun TUN, selector *sendpath.Selector, reg *registry.Registry, reloader RouteReloader, logger *logging.Logger) *Bridge {
	return &Bridge{tun: tun, selector: selector, reg: reg, reloader: reloader, logger: logger}
}

// Run blocks, pumping packets until ctx is cancelled. relayInbound and
// p2pInbound carry already-decoded frames from the relay client and the P2P
// receive path respectively; Probe frames are expected to have already been
// applied to the registry by the P2P receive path before reaching here.
func (b *Bridge) Run(ctx context.Context, relayInbound, p2pInbound <-chan codec.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-b.tun.Outbound():
			if !ok {
				return
			}
			b.handleTUNRead(packet)
		case frame, ok := <-relayInbound:
			if !ok {
				relayInbound = nil
				continue
			}
			b.handleRelayInbound(frame)
		case frame, ok := <-p2pInbound:
			if !ok {
				p2pInbound = nil
				continue
			}
			b.handleP2PInbound(frame)
		}
	}
}

func (b *Bridge) handleTUNRead(packet []byte) {
	dst, ok := destinationIP(packet)
	if !ok {
		b.logger.Debug("dropped non-ipv4 or undersized packet from tun", nil)
		return
	}
	atomic.AddUint64(&b.txBytes, uint64(len(packet)))
	metrics.TxBytesTotal.Add(float64(len(packet)))
	_ = b.selector.Send(dst, packet)
}

func (b *Bridge) handleRelayInbound(frame codec.Frame) {
	switch frame.Type {
	case codec.TypeData:
		b.deliver(frame.Data.Payload)
	case codec.TypeKeepAlive:
		if frame.KeepAlive == nil {
			return
		}
		b.reg.Merge(frame.KeepAlive.Peers)
		if b.reloader != nil {
			b.reloader.Reload(frame.KeepAlive.Peers)
		}
	case codec.TypePeerUpdate:
		if frame.PeerUpdate == nil {
			return
		}
		b.reg.Merge([]codec.PeerDetail{{
			Identity: frame.PeerUpdate.Identity,
			IPv6:     frame.PeerUpdate.IPv6,
			Port:     frame.PeerUpdate.Port,
			StunIP:   frame.PeerUpdate.StunIP,
			StunPort: frame.PeerUpdate.StunPort,
		}})
	}
}

func (b *Bridge) handleP2PInbound(frame codec.Frame) {
	if frame.Type == codec.TypeData {
		b.deliver(frame.Data.Payload)
	}
	// Probe* and other control types are handled upstream of the bridge.
}

func (b *Bridge) deliver(payload []byte) {
	atomic.AddUint64(&b.rxBytes, uint64(len(payload)))
	metrics.RxBytesTotal.Add(float64(len(payload)))
	if err := b.tun.Write(payload); err != nil {
		b.logger.Warn("tun write failed", map[string]interface{}{"error": err.Error()})
	}
}

// Counters returns the monotonic rx/tx byte totals.
func (b *Bridge) Counters() (rx, tx uint64) {
	return atomic.LoadUint64(&b.rxBytes), atomic.LoadUint64(&b.txBytes)
}

// destinationIP parses an IPv4 packet's version nibble and destination
// address (bytes 16-19); it reports false for anything else, including
// undersized buffers.
func destinationIP(packet []byte) (netip.Addr, bool) {
	if len(packet) < 20 {
		return netip.Addr{}, false
	}
	version := packet[0] >> 4
	if version != 4 {
		return netip.Addr{}, false
	}
	var b [4]byte
	copy(b[:], packet[16:20])
	return netip.AddrFrom4(b), true
}
