package bridge

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"meshvpn/cipher"
	"meshvpn/codec"
	"meshvpn/internal/logging"
	"meshvpn/registry"
	"meshvpn/sendpath"
)

type fakeTUN struct {
	outbound chan []byte
	written  [][]byte
}

func newFakeTUN() *fakeTUN {
	return &fakeTUN{outbound: make(chan []byte, 10)}
}

func (f *fakeTUN) Outbound() <-chan []byte { return f.outbound }
func (f *fakeTUN) Write(payload []byte) error {
	f.written = append(f.written, append([]byte(nil), payload...))
	return nil
}

type fakeUDP struct{ sent int }

func (f *fakeUDP) Send(payload []byte, dest *net.UDPAddr) error { f.sent++; return nil }

type fakeRelay struct{ sent int }

func (f *fakeRelay) SendData(payload []byte) error { f.sent++; return nil }

func ipv4Packet(dst [4]byte) []byte {
	packet := make([]byte, 20)
	packet[0] = 0x45
	copy(packet[16:20], dst[:])
	return packet
}

func TestBridgeTUNReadDropsNonIPv4(t *testing.T) {
	tun := newFakeTUN()
	reg := registry.New(0)
	c, _ := cipher.New(cipher.SuitePlain, nil)
	sel := sendpath.New(reg, &fakeUDP{}, &fakeRelay{}, c)
	logger := logging.New(logging.LevelError, io.Discard)
	b := New(tun, sel, reg, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, nil, nil)

	tun.outbound <- []byte{0x60, 0, 0, 0} // version 6, too short anyway
	time.Sleep(20 * time.Millisecond)
	rx, tx := b.Counters()
	if rx != 0 || tx != 0 {
		t.Fatalf("expected no counters incremented for dropped packet, got rx=%d tx=%d", rx, tx)
	}
}

func TestBridgeRelayDataWritesToTUN(t *testing.T) {
	tun := newFakeTUN()
	reg := registry.New(0)
	c, _ := cipher.New(cipher.SuitePlain, nil)
	sel := sendpath.New(reg, &fakeUDP{}, &fakeRelay{}, c)
	logger := logging.New(logging.LevelError, io.Discard)
	b := New(tun, sel, reg, nil, logger)

	relayInbound := make(chan codec.Frame, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, relayInbound, nil)

	payload := ipv4Packet([4]byte{10, 0, 0, 9})
	relayInbound <- codec.Frame{Type: codec.TypeData, Data: &codec.Data{Payload: payload}}

	deadline := time.After(time.Second)
	for len(tun.written) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for tun write")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	rx, _ := b.Counters()
	if rx != uint64(len(payload)) {
		t.Fatalf("expected rx counter %d, got %d", len(payload), rx)
	}
}

func TestBridgeKeepAliveMergesRegistry(t *testing.T) {
	tun := newFakeTUN()
	reg := registry.New(0)
	c, _ := cipher.New(cipher.SuitePlain, nil)
	sel := sendpath.New(reg, &fakeUDP{}, &fakeRelay{}, c)
	logger := logging.New(logging.LevelError, io.Discard)
	b := New(tun, sel, reg, nil, logger)

	relayInbound := make(chan codec.Frame, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, relayInbound, nil)

	relayInbound <- codec.Frame{Type: codec.TypeKeepAlive, KeepAlive: &codec.KeepAlive{
		Peers: []codec.PeerDetail{{Identity: "peer-a", PrivateIP: "10.0.1.5"}},
	}}

	deadline := time.After(time.Second)
	for {
		if _, ok := reg.LookupByDst(netip.MustParseAddr("10.0.1.5")); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for registry merge")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBridgeTUNReadRoutesToSendSelector(t *testing.T) {
	tun := newFakeTUN()
	reg := registry.New(15 * time.Second)
	reg.Rewrite([]codec.PeerDetail{{Identity: "peer-a", PrivateIP: "10.0.0.9"}})
	udp := &fakeUDP{}
	relay := &fakeRelay{}
	c, _ := cipher.New(cipher.SuitePlain, nil)
	sel := sendpath.New(reg, udp, relay, c)
	logger := logging.New(logging.LevelError, io.Discard)
	b := New(tun, sel, reg, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, nil, nil)

	tun.outbound <- ipv4Packet([4]byte{10, 0, 0, 9})

	deadline := time.After(time.Second)
	for relay.sent == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for relay fallback send")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
