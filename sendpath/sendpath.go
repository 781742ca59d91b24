// Package sendpath implements the send-side path selector: for an outbound
// IPv4 packet, resolve its destination to a peer, prefer a live P2P slot
// (IPv6 before STUN, a fixed order with no adaptive reordering), and fall
// back to the relay when neither slot is live.
package sendpath

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"meshvpn/cipher"
	"meshvpn/codec"
	"meshvpn/internal/metrics"
	"meshvpn/registry"
)

// Errors returned by Send, passed to the OnDrop callback, and counted in
// metrics.SendPathDrops; neither is fatal to the caller's own loop.
var (
	ErrNoDestination = errors.New("sendpath: no peer for destination")
	ErrRelayFull     = errors.New("sendpath: relay outbound channel full or closed")
)

// UDPSender is the capability the selector needs to push a P2P datagram.
type UDPSender interface {
	Send(payload []byte, dest *net.UDPAddr) error
}

// RelaySender is the capability the selector needs to fall back to the
// relay; implementations enqueue onto a bounded outbound channel and return
// an error if it is full or closed, matching the "drop + counter" policy.
type RelaySender interface {
	SendData(payload []byte) error
}

// Selector wires a registry to the two outbound transports.
type Selector struct {
	reg    *registry.Registry
	udp    UDPSender
	relay  RelaySender
	cipher cipher.Cipher

	onDrop func(err error)
}

// New constructs a selector over reg, using udp for P2P delivery and relay
// as fallback.
func New(reg *registry.Registry, udp UDPSender, relay RelaySender, c cipher.Cipher) *Selector {
	return &Selector{reg: reg, udp: udp, relay: relay, cipher: c}
}

// OnDrop installs a callback invoked whenever an outbound packet is dropped
// (no destination, relay channel backpressure, an encode failure, or a UDP
// send error); nil disables reporting.
func (s *Selector) OnDrop(fn func(err error)) { s.onDrop = fn }

// Send routes one IPv4 packet: dst is its destination address, payload its
// full bytes (plaintext; encryption happens here, once, for whichever path
// is chosen).
func (s *Selector) Send(dst netip.Addr, payload []byte) error {
	peer, ok := s.reg.LookupByDst(dst)
	if !ok {
		s.drop(ErrNoDestination)
		return ErrNoDestination
	}

	now := time.Now()
	window := s.reg.LiveWindow()
	// Fixed preference order: IPv6 direct first, then STUN.
	for _, slot := range []registry.Slot{peer.IPv6Slot, peer.StunSlot} {
		if slot.Live(now, window) {
			encoded, err := codec.Encode(codec.Frame{Type: codec.TypeData, Data: &codec.Data{Payload: payload}}, s.cipher)
			if err != nil {
				s.drop(err)
				return err
			}
			if err := s.udp.Send(encoded, slot.Addr); err != nil {
				s.drop(err)
				return err
			}
			return nil
		}
	}

	encoded, err := codec.Encode(codec.Frame{Type: codec.TypeData, Data: &codec.Data{Payload: payload}}, s.cipher)
	if err != nil {
		s.drop(err)
		return err
	}
	if err := s.relay.SendData(encoded); err != nil {
		s.drop(ErrRelayFull)
		return ErrRelayFull
	}
	return nil
}

func (s *Selector) drop(err error) {
	reason := "encode_error"
	switch err {
	case ErrNoDestination:
		reason = "no_destination"
	case ErrRelayFull:
		reason = "relay_full"
	}
	metrics.SendPathDrops.WithLabelValues(reason).Inc()
	if s.onDrop != nil {
		s.onDrop(err)
	}
}
