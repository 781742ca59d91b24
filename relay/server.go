package relay

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"meshvpn/cipher"
	"meshvpn/clientstore"
	"meshvpn/codec"
	"meshvpn/internal/logging"
	"meshvpn/internal/metrics"
	"meshvpn/internal/ratelimit"
	"meshvpn/transport"
)

// Default admission control limits, overridable via WithLimiter.
const (
	DefaultMaxConnections  = 4096
	DefaultConnectionRate  = 600 // per minute
	DefaultConnectionBurst = 50
)

// ConnectionMeta is the server's live view of one connected client.
type ConnectionMeta struct {
	Cluster    string
	Identity   string
	PrivateIP  string
	Mask       string
	Gateway    string
	Ciders     []string
	IPv6       string
	Port       int
	StunIP     string
	StunPort   int
	LastActive uint64

	outbound chan []byte
}

// Server is the relay's cluster switch: it accepts connections, requires a
// Handshake as the first frame, and thereafter routes Data frames only
// within the sender's cluster (the S1 tenant isolation invariant).
type Server struct {
	store  *clientstore.Store
	cipher cipher.Cipher
	logger *logging.Logger

	keepaliveInterval time.Duration
	limiter           *ratelimit.ConnectionLimiter

	mu    sync.RWMutex
	byID  map[string]*ConnectionMeta
	order map[string][]string // cluster -> identity insertion order
}

// Option configures optional Server fields at construction.
type Option func(*Server)

// WithLimiter overrides the default connection admission limiter.
func WithLimiter(maxConnections, ratePerMinute, burst int) Option {
	return func(s *Server) {
		s.limiter = ratelimit.NewConnectionLimiter(maxConnections, ratePerMinute, burst)
	}
}

// NewServer constructs a relay server over store.
func NewServer(store *clientstore.Store, c cipher.Cipher, logger *logging.Logger, opts ...Option) *Server {
	s := &Server{
		store:             store,
		cipher:            c,
		logger:            logger,
		keepaliveInterval: DefaultKeepaliveInterval,
		limiter:           ratelimit.NewConnectionLimiter(DefaultMaxConnections, DefaultConnectionRate, DefaultConnectionBurst),
		byID:              make(map[string]*ConnectionMeta),
		order:             make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections from listener until it is closed, handling each
// on its own goroutine. Connections beyond the configured admission limiter
// are rejected immediately.
func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		if !s.limiter.Allow() {
			s.logger.Warn("relay connection rejected by admission limiter", map[string]interface{}{"remote": conn.RemoteAddr().String()})
			conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.limiter.Release()
	tcp := transport.NewTCP(conn, s.cipher)
	defer tcp.Close()

	identity, err := s.handshake(tcp)
	if err != nil {
		s.logger.Warn("relay server handshake failed", map[string]interface{}{"error": err.Error(), "remote": conn.RemoteAddr().String()})
		return
	}

	meta := s.register(identity)
	defer s.deregister(identity)

	s.runConnection(tcp, identity, meta)
}

// handshake requires the first frame to be Handshake, and the identity to
// be present in the client config store; absent identities are closed
// without a reply.
func (s *Server) handshake(tcp *transport.TCP) (string, error) {
	frame, err := tcp.ReadFrame()
	if err != nil {
		return "", err
	}
	if frame.Type != codec.TypeHandshake || frame.Handshake == nil {
		return "", errFirstFrameNotHandshake
	}
	identity := frame.Handshake.Identity
	record, ok := s.store.Get(identity)
	if !ok {
		return "", errUnknownIdentity
	}

	reply := codec.HandshakeReply{
		PrivateIP: record.PrivateIP,
		Mask:      record.Mask,
		Gateway:   record.Gateway,
		Peers:     s.peerDetails(identity),
	}
	if err := tcp.WriteFrame(codec.Frame{Type: codec.TypeHandshakeReply, HandshakeReply: &reply}); err != nil {
		return "", err
	}
	return identity, nil
}

func (s *Server) register(identity string) *ConnectionMeta {
	record, _ := s.store.Get(identity)
	meta := &ConnectionMeta{
		Cluster:   record.Cluster,
		Identity:  identity,
		PrivateIP: record.PrivateIP,
		Mask:      record.Mask,
		Gateway:   record.Gateway,
		Ciders:    record.Ciders,
		outbound:  make(chan []byte, 1000),
	}
	meta.LastActive = uint64(time.Now().Unix())

	s.mu.Lock()
	s.byID[identity] = meta
	s.order[record.Cluster] = append(s.order[record.Cluster], identity)
	s.mu.Unlock()
	metrics.RelayConnections.Inc()
	return meta
}

func (s *Server) deregister(identity string) {
	s.mu.Lock()
	meta, ok := s.byID[identity]
	if ok {
		metrics.RelayConnections.Dec()
		delete(s.byID, identity)
		cluster := meta.Cluster
		ids := s.order[cluster]
		for i, id := range ids {
			if id == identity {
				s.order[cluster] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
}

func (s *Server) runConnection(tcp *transport.TCP, identity string, meta *ConnectionMeta) {
	frameCh := make(chan codec.Frame)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			frame, err := tcp.ReadFrame()
			if err != nil {
				select {
				case errCh <- err:
				case <-done:
				}
				return
			}
			select {
			case frameCh <- frame:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				s.logger.Info("relay connection closed", map[string]interface{}{"identity": identity, "error": err.Error()})
			}
			return
		case frame := <-frameCh:
			s.handleFrame(tcp, identity, meta, frame)
		case raw := <-meta.outbound:
			if err := tcp.WriteRaw(raw); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(tcp *transport.TCP, identity string, meta *ConnectionMeta, frame codec.Frame) {
	switch frame.Type {
	case codec.TypeKeepAlive:
		if frame.KeepAlive == nil {
			return
		}
		s.mu.Lock()
		meta.IPv6 = frame.KeepAlive.IPv6
		meta.Port = frame.KeepAlive.Port
		meta.StunIP = frame.KeepAlive.StunIP
		meta.StunPort = frame.KeepAlive.StunPort
		meta.LastActive = uint64(time.Now().Unix())
		s.mu.Unlock()

		reply := codec.Frame{Type: codec.TypeKeepAlive, KeepAlive: &codec.KeepAlive{
			Identity: identity,
			IPv6:     meta.IPv6,
			Port:     meta.Port,
			StunIP:   meta.StunIP,
			StunPort: meta.StunPort,
			Peers:    s.peerDetails(identity),
		}}
		if err := tcp.WriteFrame(reply); err != nil {
			s.logger.Warn("relay keepalive reply failed", map[string]interface{}{"identity": identity, "error": err.Error()})
		}
	case codec.TypeData:
		s.routeData(identity, meta, frame)
	}
}

// routeData enforces S1: a Data frame from cluster C is delivered only to a
// ConnectionMeta in cluster C.
func (s *Server) routeData(senderIdentity string, sender *ConnectionMeta, frame codec.Frame) {
	if frame.Data == nil || len(frame.Data.Payload) < 20 {
		return
	}
	dst, ok := destinationIP(frame.Data.Payload)
	if !ok {
		return
	}

	target := s.lookupInCluster(sender.Cluster, senderIdentity, dst)
	if target == nil {
		return
	}

	encoded, err := codec.Encode(frame, s.cipher)
	if err != nil {
		s.logger.Warn("relay data re-encode failed", map[string]interface{}{"error": err.Error()})
		return
	}
	select {
	case target.outbound <- encoded:
	default:
		s.logger.Warn("relay outbound channel full, dropped data frame", map[string]interface{}{"identity": target.Identity})
	}
}

func (s *Server) lookupInCluster(cluster, excludeIdentity string, dst netip.Addr) *ConnectionMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order[cluster] {
		if id == excludeIdentity {
			continue
		}
		meta, ok := s.byID[id]
		if !ok {
			continue
		}
		if matchesDestination(meta, dst) {
			return meta
		}
	}
	return nil
}

func matchesDestination(meta *ConnectionMeta, dst netip.Addr) bool {
	if addr, err := netip.ParseAddr(meta.PrivateIP); err == nil && addr == dst {
		return true
	}
	for _, cidrStr := range meta.Ciders {
		if prefix, err := netip.ParsePrefix(cidrStr); err == nil && prefix.Contains(dst) {
			return true
		}
	}
	return false
}

// peerDetails builds the PeerDetail list for identity's cluster, scoped by
// the client config store and enriched with live connection state where
// available.
func (s *Server) peerDetails(identity string) []codec.PeerDetail {
	records := s.store.ListClusterExcluding(identity)
	out := make([]codec.PeerDetail, 0, len(records))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range records {
		detail := codec.PeerDetail{
			Identity:  r.Identity,
			PrivateIP: r.PrivateIP,
			Ciders:    r.Ciders,
		}
		if meta, ok := s.byID[r.Identity]; ok {
			detail.IPv6 = meta.IPv6
			detail.Port = meta.Port
			detail.StunIP = meta.StunIP
			detail.StunPort = meta.StunPort
			detail.LastActive = meta.LastActive
		}
		out = append(out, detail)
	}
	return out
}

func destinationIP(packet []byte) (netip.Addr, bool) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return netip.Addr{}, false
	}
	var b [4]byte
	copy(b[:], packet[16:20])
	return netip.AddrFrom4(b), true
}
