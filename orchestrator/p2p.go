package orchestrator

import (
	"context"

	"meshvpn/cipher"
	"meshvpn/codec"
	"meshvpn/internal/logging"
	"meshvpn/registry"
	"meshvpn/transport"
)

// p2pPump decodes inbound UDP datagrams into frames, applies their effect
// on the registry (liveness refresh / rebind), and forwards Data frames to
// out for the bridge to deliver to the TUN device. Every other frame type
// is fully handled here and never reaches the bridge.
func p2pPump(ctx context.Context, udp *transport.UDP, c cipher.Cipher, reg *registry.Registry, logger *logging.Logger, out chan<- codec.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case datagram, ok := <-udp.Inbound():
			if !ok {
				return
			}
			frame, _, err := codec.Decode(datagram.Payload, c)
			if err != nil {
				logger.Debug("dropped undecodable p2p datagram", map[string]interface{}{"error": err.Error()})
				continue
			}
			switch frame.Type {
			case codec.TypeData:
				if !reg.RecordRecv(datagram.Source) {
					logger.Debug("p2p data from unknown source", map[string]interface{}{"source": datagram.Source.String()})
				}
				select {
				case out <- frame:
				default:
					logger.Warn("p2p inbound channel full, dropping data frame", nil)
				}
			case codec.TypeProbeIPv6:
				if frame.ProbeIPv6 != nil {
					reg.RecordProbeIPv6(frame.ProbeIPv6.Identity, datagram.Source)
				}
			case codec.TypeProbeHolePunch:
				if frame.ProbeHolePunch != nil {
					reg.RecordProbeStun(frame.ProbeHolePunch.Identity, datagram.Source)
				}
			default:
				logger.Debug("unexpected p2p frame type", map[string]interface{}{"type": frame.Type.String()})
			}
		}
	}
}
