// Package registry implements the client-side peer registry: per-peer
// identity plus two independent transport slots (IPv6 direct, STUN), with
// the liveness predicate and destination-IP lookup the send path depends on.
package registry

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"meshvpn/codec"
)

// DefaultLiveWindow is T_live: a slot is live only if confirmed within this
// window of the present moment.
const DefaultLiveWindow = 15 * time.Second

// Slot is one per-peer transport endpoint. A zero Slot (nil Addr) means the
// address is unknown; a zero LastSeen means "never confirmed."
type Slot struct {
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Live implements invariant C3.
func (s Slot) Live(now time.Time, window time.Duration) bool {
	return s.Addr != nil && !s.LastSeen.IsZero() && now.Sub(s.LastSeen) <= window
}

// clear resets the slot to "unknown," dropping last_seen along with the
// address as the spec requires.
func (s *Slot) clear() {
	s.Addr = nil
	s.LastSeen = time.Time{}
}

// Entry is a snapshot (value, not pointer) of one peer's registry state,
// returned to callers so they never hold the registry lock across I/O.
type Entry struct {
	Identity  string
	PrivateIP netip.Addr
	Ciders    []netip.Prefix
	IPv6Slot  Slot
	StunSlot  Slot
}

type entry struct {
	identity  string
	privateIP netip.Addr
	ciders    []netip.Prefix
	ipv6Slot  Slot
	stunSlot  Slot
}

func (e *entry) snapshot() Entry {
	return Entry{
		Identity:  e.identity,
		PrivateIP: e.privateIP,
		Ciders:    append([]netip.Prefix(nil), e.ciders...),
		IPv6Slot:  e.ipv6Slot,
		StunSlot:  e.stunSlot,
	}
}

// Registry is the peer registry: single-writer-multiple-reader, one
// instance shared by the probe engine, the receive path, and the send path
// selector.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*entry
	order []string // insertion order, for the deterministic C1 tie-break
	live  time.Duration
}

// New constructs an empty registry. liveWindow <= 0 selects DefaultLiveWindow.
func New(liveWindow time.Duration) *Registry {
	if liveWindow <= 0 {
		liveWindow = DefaultLiveWindow
	}
	return &Registry{
		byID: make(map[string]*entry),
		live: liveWindow,
	}
}

// Rewrite replaces the entire registry with peers. Every new entry starts
// with both slots empty (last_seen unset); nothing from the prior state
// survives (P5).
func (r *Registry) Rewrite(peers []codec.PeerDetail) {
	byID := make(map[string]*entry, len(peers))
	order := make([]string, 0, len(peers))
	for _, p := range peers {
		e := &entry{
			identity:  p.Identity,
			privateIP: parseAddr(p.PrivateIP),
			ciders:    parseCiders(p.Ciders),
		}
		byID[p.Identity] = e
		order = append(order, p.Identity)
	}

	r.mu.Lock()
	r.byID = byID
	r.order = order
	r.mu.Unlock()
}

// Merge updates address fields for known and newly-seen peers without
// discarding unrelated entries. private_ip and ciders are replaced only when
// the detail carries a private_ip, so an address-only detail (a PeerUpdate)
// leaves them intact. A slot whose address changes has its
// last_seen cleared; last_seen is otherwise left untouched, so repeated
// Merge calls with the same detail set are idempotent (L2).
func (r *Registry) Merge(peers []codec.PeerDetail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range peers {
		e, ok := r.byID[p.Identity]
		if !ok {
			e = &entry{identity: p.Identity}
			r.byID[p.Identity] = e
			r.order = append(r.order, p.Identity)
		}
		if p.PrivateIP != "" {
			e.privateIP = parseAddr(p.PrivateIP)
			e.ciders = parseCiders(p.Ciders)
		}
		mergeSlotAddr(&e.ipv6Slot, p.IPv6, p.Port)
		mergeSlotAddr(&e.stunSlot, p.StunIP, p.StunPort)
	}
}

func mergeSlotAddr(slot *Slot, host string, port int) {
	next := parseUDPAddr(host, port)
	if addrEqual(slot.Addr, next) {
		return
	}
	slot.Addr = next
	slot.LastSeen = time.Time{}
}

// LookupByDst returns the peer whose private IP equals dst or whose CIDR
// list contains it. Ties are broken by insertion order (C1): the result is
// deterministic for the life of the process as long as the caller doesn't
// race Rewrite concurrently with lookups expecting a stable order (Rewrite
// itself is atomic from each reader's perspective).
func (r *Registry) LookupByDst(dst netip.Addr) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		e, ok := r.byID[id]
		if !ok {
			continue
		}
		if e.privateIP == dst {
			return e.snapshot(), true
		}
		for _, cidr := range e.ciders {
			if cidr.Contains(dst) {
				return e.snapshot(), true
			}
		}
	}
	return Entry{}, false
}

// RecordRecv updates last_seen for whichever slot's recorded address equals
// source. An unknown source is a no-op; the caller is expected to log it.
func (r *Registry) RecordRecv(source *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, e := range r.byID {
		if addrEqual(e.ipv6Slot.Addr, source) {
			e.ipv6Slot.LastSeen = now
			return true
		}
		if addrEqual(e.stunSlot.Addr, source) {
			e.stunSlot.LastSeen = now
			return true
		}
	}
	return false
}

// RecordProbeIPv6 rebinds identity's IPv6 slot to source and refreshes its
// liveness clock, treating the probe's observed source as authoritative
// even if it differs from what was previously recorded.
func (r *Registry) RecordProbeIPv6(identity string, source *net.UDPAddr) {
	r.recordProbe(identity, source, true)
}

// RecordProbeStun is the STUN-slot analogue of RecordProbeIPv6.
func (r *Registry) RecordProbeStun(identity string, source *net.UDPAddr) {
	r.recordProbe(identity, source, false)
}

func (r *Registry) recordProbe(identity string, source *net.UDPAddr, ipv6 bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[identity]
	if !ok {
		e = &entry{identity: identity}
		r.byID[identity] = e
		r.order = append(r.order, identity)
	}
	slot := &e.stunSlot
	if ipv6 {
		slot = &e.ipv6Slot
	}
	slot.Addr = source
	slot.LastSeen = time.Now()
}

// Snapshot returns a copy of every entry, for introspection/status endpoints.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.byID[id]; ok {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// LiveWindow returns T_live as configured for this registry.
func (r *Registry) LiveWindow() time.Duration { return r.live }

func parseAddr(s string) netip.Addr {
	addr, _ := netip.ParseAddr(s)
	return addr
}

func parseCiders(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func parseUDPAddr(host string, port int) *net.UDPAddr {
	if host == "" || port == 0 {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
