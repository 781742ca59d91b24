package registry

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"meshvpn/codec"
)

func detail(identity, privateIP string, ciders ...string) codec.PeerDetail {
	return codec.PeerDetail{Identity: identity, PrivateIP: privateIP, Ciders: ciders}
}

// S-2 / P3: lookup_by_dst is None iff no peer matches by private_ip or CIDR.
func TestLookupByDstScenario(t *testing.T) {
	r := New(0)
	r.Rewrite([]codec.PeerDetail{detail("peer-a", "10.0.1.5", "192.168.10.0/24")})

	if _, ok := r.LookupByDst(netip.MustParseAddr("10.0.1.5")); !ok {
		t.Fatalf("expected match on private_ip")
	}
	if _, ok := r.LookupByDst(netip.MustParseAddr("192.168.10.77")); !ok {
		t.Fatalf("expected match within cider")
	}
	if _, ok := r.LookupByDst(netip.MustParseAddr("8.8.8.8")); ok {
		t.Fatalf("expected no match")
	}
}

func TestLookupByDstDeterministicTieBreak(t *testing.T) {
	r := New(0)
	r.Rewrite([]codec.PeerDetail{
		detail("first", "10.0.0.1", "10.0.0.0/8"),
		detail("second", "10.0.0.2", "10.0.0.0/8"),
	})
	entry, ok := r.LookupByDst(netip.MustParseAddr("10.0.0.9"))
	if !ok {
		t.Fatalf("expected a match")
	}
	if entry.Identity != "first" {
		t.Fatalf("expected deterministic first-by-insertion-order match, got %s", entry.Identity)
	}
	// Repeated lookups must agree.
	for i := 0; i < 5; i++ {
		again, _ := r.LookupByDst(netip.MustParseAddr("10.0.0.9"))
		if again.Identity != entry.Identity {
			t.Fatalf("lookup not stable across calls")
		}
	}
}

// P4: after record_probe_ipv6(id, a) at time t, the slot is live within
// [t, t+T_live] absent other mutations.
func TestProbeIPv6LivenessWindow(t *testing.T) {
	r := New(50 * time.Millisecond)
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 51258}
	r.Rewrite([]codec.PeerDetail{detail("peer-a", "10.0.1.5")})
	r.RecordProbeIPv6("peer-a", addr)

	entry, ok := r.LookupByDst(netip.MustParseAddr("10.0.1.5"))
	if !ok {
		t.Fatalf("expected peer present")
	}
	if !entry.IPv6Slot.Live(time.Now(), r.LiveWindow()) {
		t.Fatalf("expected slot live immediately after probe")
	}

	time.Sleep(80 * time.Millisecond)
	entry, _ = r.LookupByDst(netip.MustParseAddr("10.0.1.5"))
	if entry.IPv6Slot.Live(time.Now(), r.LiveWindow()) {
		t.Fatalf("expected slot stale after T_live elapsed")
	}
}

// P5: rewrite with an empty list clears every prior entry, including
// addresses and last_seen.
func TestRewriteEmptyClearsEverything(t *testing.T) {
	r := New(0)
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 51258}
	r.Rewrite([]codec.PeerDetail{detail("peer-a", "10.0.1.5")})
	r.RecordProbeIPv6("peer-a", addr)

	r.Rewrite(nil)

	if _, ok := r.LookupByDst(netip.MustParseAddr("10.0.1.5")); ok {
		t.Fatalf("expected no peers after empty rewrite")
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot after empty rewrite")
	}
}

// L2: merge(peers); merge(peers) is idempotent when addresses are unchanged.
func TestMergeIdempotent(t *testing.T) {
	r := New(0)
	peers := []codec.PeerDetail{{Identity: "peer-a", PrivateIP: "10.0.1.5", IPv6: "2001:db8::1", Port: 51258}}
	r.Merge(peers)
	first := r.Snapshot()
	r.Merge(peers)
	second := r.Snapshot()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected exactly one entry after merges")
	}
	if first[0].IPv6Slot.Addr.String() != second[0].IPv6Slot.Addr.String() {
		t.Fatalf("merge changed address on repeat with identical input")
	}
}

func TestMergeClearsLastSeenOnAddressChange(t *testing.T) {
	r := New(0)
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 51258}
	r.Rewrite([]codec.PeerDetail{detail("peer-a", "10.0.1.5")})
	r.RecordProbeIPv6("peer-a", addr)

	r.Merge([]codec.PeerDetail{{Identity: "peer-a", PrivateIP: "10.0.1.5", IPv6: "2001:db8::2", Port: 51258}})

	entry, _ := r.LookupByDst(netip.MustParseAddr("10.0.1.5"))
	if entry.IPv6Slot.LastSeen != (time.Time{}) {
		t.Fatalf("expected last_seen cleared when address changed via merge")
	}
}

// L3: rewrite(X); rewrite(X) is idempotent.
func TestRewriteIdempotent(t *testing.T) {
	r := New(0)
	peers := []codec.PeerDetail{detail("peer-a", "10.0.1.5", "192.168.10.0/24")}
	r.Rewrite(peers)
	first := r.Snapshot()
	r.Rewrite(peers)
	second := r.Snapshot()
	if len(first) != len(second) || len(first) != 1 {
		t.Fatalf("expected stable single-entry snapshot across repeated rewrite")
	}
}

func TestRecordRecvUnknownSourceIsNoop(t *testing.T) {
	r := New(0)
	r.Rewrite([]codec.PeerDetail{detail("peer-a", "10.0.1.5")})
	unknown := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 9999}
	if r.RecordRecv(unknown) {
		t.Fatalf("expected no match for unknown source")
	}
}

func TestRecordRecvUpdatesMatchingSlot(t *testing.T) {
	r := New(0)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 51259}
	r.Merge([]codec.PeerDetail{{Identity: "peer-a", PrivateIP: "10.0.1.5", StunIP: "203.0.113.1", StunPort: 51259}})

	if !r.RecordRecv(addr) {
		t.Fatalf("expected recv to match stun slot")
	}
	entry, _ := r.LookupByDst(netip.MustParseAddr("10.0.1.5"))
	if entry.StunSlot.LastSeen.IsZero() {
		t.Fatalf("expected last_seen set after matching recv")
	}
}

// Probe from a new source rebinds the slot even if an address was already recorded.
func TestProbeRebindsSlotAddress(t *testing.T) {
	r := New(0)
	r.Rewrite([]codec.PeerDetail{detail("peer-a", "10.0.1.5")})
	first := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 51258}
	second := &net.UDPAddr{IP: net.ParseIP("2001:db8::2"), Port: 51258}
	r.RecordProbeIPv6("peer-a", first)
	r.RecordProbeIPv6("peer-a", second)

	entry, _ := r.LookupByDst(netip.MustParseAddr("10.0.1.5"))
	if !entry.IPv6Slot.Addr.IP.Equal(second.IP) {
		t.Fatalf("expected slot rebound to latest probe source, got %v", entry.IPv6Slot.Addr)
	}
}
