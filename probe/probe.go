// Package probe implements the periodic liveness probe: every T_probe, send
// a small control frame to each known transport slot address, purely to
// refresh the recipient's freshness clock for that slot. Both sides run the
// engine symmetrically, so there is no reply.
package probe

import (
	"context"
	"net"
	"time"

	"meshvpn/cipher"
	"meshvpn/codec"
	"meshvpn/internal/metrics"
	"meshvpn/registry"
)

// DefaultInterval is T_probe.
const DefaultInterval = 10 * time.Second

// Sender is the capability the engine needs to emit a probe datagram; the
// dual-stack UDP transport satisfies it.
type Sender interface {
	Send(payload []byte, dest *net.UDPAddr) error
}

// Engine periodically walks the registry snapshot and sends ProbeIPv6 /
// ProbeHolePunch frames to every known slot address.
type Engine struct {
	identity string
	reg      *registry.Registry
	sender   Sender
	cipher   cipher.Cipher
	interval time.Duration

	onError func(err error)
}

// New constructs a probe engine. interval <= 0 selects DefaultInterval.
func New(identity string, reg *registry.Registry, sender Sender, c cipher.Cipher, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{identity: identity, reg: reg, sender: sender, cipher: c, interval: interval}
}

// OnError installs a callback invoked when encoding or sending a probe
// fails; nil disables reporting (the error is simply dropped).
func (e *Engine) OnError(fn func(err error)) { e.onError = fn }

// Run blocks, ticking every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	for _, peer := range e.reg.Snapshot() {
		if peer.IPv6Slot.Addr != nil {
			e.send(codec.Frame{Type: codec.TypeProbeIPv6, ProbeIPv6: &codec.ProbeIPv6{Identity: e.identity}}, peer.IPv6Slot.Addr)
		}
		if peer.StunSlot.Addr != nil {
			e.send(codec.Frame{Type: codec.TypeProbeHolePunch, ProbeHolePunch: &codec.ProbeHolePunch{Identity: e.identity}}, peer.StunSlot.Addr)
		}
	}
}

func (e *Engine) send(frame codec.Frame, dest *net.UDPAddr) {
	encoded, err := codec.Encode(frame, e.cipher)
	if err != nil {
		e.reportErr(err)
		return
	}
	if err := e.sender.Send(encoded, dest); err != nil {
		e.reportErr(err)
	}
}

func (e *Engine) reportErr(err error) {
	metrics.ProbeErrors.Inc()
	if e.onError != nil {
		e.onError(err)
	}
}
