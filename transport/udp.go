package transport

import (
	"errors"
	"net"
	"sync"

	"meshvpn/internal/logging"
)

const udpReceiveBuffer = 2048

// Datagram is one inbound item: the raw bytes received and the source it
// arrived from.
type Datagram struct {
	Payload []byte
	Source  *net.UDPAddr
}

// UDP binds two sockets, one per address family, and multiplexes both into
// a single inbound channel. Outbound datagrams are routed to the socket
// matching the destination's address family.
type UDP struct {
	ipv6Conn *net.UDPConn
	ipv4Conn *net.UDPConn

	inbound  chan Datagram
	outbound chan outboundDatagram

	logger *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

type outboundDatagram struct {
	payload []byte
	dest    *net.UDPAddr
}

// NewUDP binds `[::]:ipv6Port` and `0.0.0.0:ipv4Port` and starts the read
// and write pumps. A socket read error is fatal to the transport; a socket
// send error is logged and dropped (UDP is best-effort).
func NewUDP(ipv6Port, ipv4Port int, logger *logging.Logger) (*UDP, error) {
	ipv6Conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero, Port: ipv6Port})
	if err != nil {
		return nil, err
	}
	ipv4Conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: ipv4Port})
	if err != nil {
		ipv6Conn.Close()
		return nil, err
	}

	u := &UDP{
		ipv6Conn: ipv6Conn,
		ipv4Conn: ipv4Conn,
		inbound:  make(chan Datagram, 1000),
		outbound: make(chan outboundDatagram, 1000),
		logger:   logger,
		done:     make(chan struct{}),
	}

	go u.readLoop(u.ipv6Conn)
	go u.readLoop(u.ipv4Conn)
	go u.writeLoop()
	return u, nil
}

// Inbound is fed by both sockets; callers receive (bytes, source) pairs as
// datagrams arrive.
func (u *UDP) Inbound() <-chan Datagram { return u.inbound }

// IPv6Conn exposes the bound IPv6 socket, for callers (STUN/address
// discovery) that need to reuse the same local port the P2P transport
// listens on rather than opening a socket of their own.
func (u *UDP) IPv6Conn() *net.UDPConn { return u.ipv6Conn }

// IPv4Conn exposes the bound IPv4/STUN socket, for the same reason.
func (u *UDP) IPv4Conn() *net.UDPConn { return u.ipv4Conn }

// Send queues a datagram for the socket matching dest's address family. The
// IPv4-vs-IPv6 selection rule is fixed: an IPv4 destination always uses the
// IPv4/STUN socket.
func (u *UDP) Send(payload []byte, dest *net.UDPAddr) error {
	select {
	case u.outbound <- outboundDatagram{payload: payload, dest: dest}:
		return nil
	case <-u.done:
		return errors.New("transport: udp closed")
	default:
		return errors.New("transport: udp outbound channel full")
	}
}

func (u *UDP) readLoop(conn *net.UDPConn) {
	buf := make([]byte, udpReceiveBuffer)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.done:
				return
			default:
			}
			u.logger.Error("udp read error, transport fatal", map[string]interface{}{"error": err.Error()})
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case u.inbound <- Datagram{Payload: payload, Source: addr}:
		case <-u.done:
			return
		}
	}
}

func (u *UDP) writeLoop() {
	for {
		select {
		case dg := <-u.outbound:
			conn := u.ipv6Conn
			if dg.dest.IP.To4() != nil {
				conn = u.ipv4Conn
			}
			if _, err := conn.WriteToUDP(dg.payload, dg.dest); err != nil {
				u.logger.Warn("udp send error, dropped", map[string]interface{}{"error": err.Error(), "dest": dg.dest.String()})
			}
		case <-u.done:
			return
		}
	}
}

// Close shuts down both sockets and stops the pumps.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		close(u.done)
	})
	err1 := u.ipv6Conn.Close()
	err2 := u.ipv4Conn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
