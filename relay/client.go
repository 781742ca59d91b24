// Package relay implements both halves of the TCP relay: the client state
// machine (connect, handshake, keepalive, reconnect-with-backoff) and the
// server-side cluster switch.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"meshvpn/cipher"
	"meshvpn/codec"
	"meshvpn/internal/logging"
	"meshvpn/internal/metrics"
	"meshvpn/transport"
)

// State names the relay client's connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	default:
		return "disconnected"
	}
}

const (
	DefaultKeepaliveInterval  = 10 * time.Second
	DefaultKeepaliveThreshold = 3
	DefaultReconnectBackoff   = 5 * time.Second
	DefaultIPv6RefreshPeriod  = 5 * time.Minute
)

// AddressProvider supplies the two external, periodically-refreshed public
// addresses the client advertises in its keepalives.
type AddressProvider interface {
	PublicIPv6() string
	PublicSTUN() (ip string, port int)
}

// Dialer abstracts connecting to the relay server, so tests can substitute
// an in-memory pipe.
type Dialer func(ctx context.Context) (net.Conn, error)

// Client is the relay client state machine described in the transport
// design: one TCP connection at a time, reconnecting with a fixed backoff
// on any failure.
type Client struct {
	identity string
	dial     Dialer
	cipher   cipher.Cipher
	logger   *logging.Logger
	udpPort  int
	addrs    AddressProvider

	keepaliveInterval  time.Duration
	keepaliveThreshold int
	ipv6RefreshPeriod  time.Duration
	backoff            backoff.BackOff

	outboundData chan []byte
	inbound      chan codec.Frame
	ready        chan codec.HandshakeReply

	mu         sync.RWMutex
	state      State
	lastActive time.Time

	ipv6Mu   sync.RWMutex
	ipv6     string
	stunIP   string
	stunPort int
}

// Option configures optional Client fields at construction.
type Option func(*Client)

func WithKeepalive(interval time.Duration, threshold int) Option {
	return func(c *Client) {
		if interval > 0 {
			c.keepaliveInterval = interval
		}
		if threshold > 0 {
			c.keepaliveThreshold = threshold
		}
	}
}

func WithIPv6RefreshPeriod(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ipv6RefreshPeriod = d
		}
	}
}

// NewClient constructs a relay client. addrs may be nil, in which case
// keepalives advertise empty IPv6/STUN fields.
func NewClient(identity string, dial Dialer, c cipher.Cipher, udpPort int, addrs AddressProvider, logger *logging.Logger, opts ...Option) *Client {
	cl := &Client{
		identity:           identity,
		dial:               dial,
		cipher:             c,
		logger:             logger,
		udpPort:            udpPort,
		addrs:              addrs,
		keepaliveInterval:  DefaultKeepaliveInterval,
		keepaliveThreshold: DefaultKeepaliveThreshold,
		ipv6RefreshPeriod:  DefaultIPv6RefreshPeriod,
		backoff:            backoff.NewConstantBackOff(DefaultReconnectBackoff),
		outboundData:       make(chan []byte, 1000),
		inbound:            make(chan codec.Frame, 1000),
		ready:              make(chan codec.HandshakeReply, 1),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Inbound yields Data/KeepAlive/PeerUpdate frames received from the relay,
// for the bridge to consume.
func (c *Client) Inbound() <-chan codec.Frame { return c.inbound }

// Ready yields the server's HandshakeReply each time a (re)connection
// completes its handshake, so the orchestrator can configure local
// addressing and merge the peer list into the registry.
func (c *Client) Ready() <-chan codec.HandshakeReply { return c.ready }

// SendData enqueues an already wire-encoded Data frame for delivery over
// the relay. Implements sendpath.RelaySender.
func (c *Client) SendData(encoded []byte) error {
	select {
	case c.outboundData <- encoded:
		return nil
	default:
		return errors.New("relay: outbound channel full")
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.RelayState.Set(float64(s))
}

func (c *Client) setLastActive(t time.Time) {
	c.mu.Lock()
	c.lastActive = t
	c.mu.Unlock()
}

// Run drives the connect/handshake/run/reconnect loop until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.refreshAddressesLoop(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("relay dial failed, backing off", map[string]interface{}{"error": err.Error()})
			c.sleepBackoff(ctx)
			continue
		}

		tcp := transport.NewTCP(conn, c.cipher)
		c.setState(StateHandshaking)
		reply, err := c.handshake(tcp)
		if err != nil {
			c.logger.Warn("relay handshake failed, reconnecting", map[string]interface{}{"error": err.Error()})
			tcp.Close()
			c.sleepBackoff(ctx)
			continue
		}

		c.setState(StateRunning)
		c.setLastActive(time.Now())
		select {
		case c.ready <- *reply:
		default:
		}

		runErr := c.runConnection(ctx, tcp)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("relay connection ended, reconnecting", map[string]interface{}{"error": errString(runErr)})
		c.sleepBackoff(ctx)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Client) sleepBackoff(ctx context.Context) {
	d := c.backoff.NextBackOff()
	if d == backoff.Stop {
		d = DefaultReconnectBackoff
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// handshake sends Handshake{identity} and requires HandshakeReply as the
// very next frame; anything else is a protocol violation.
func (c *Client) handshake(tcp *transport.TCP) (*codec.HandshakeReply, error) {
	if err := tcp.WriteFrame(codec.Frame{Type: codec.TypeHandshake, Handshake: &codec.Handshake{Identity: c.identity}}); err != nil {
		return nil, err
	}
	frame, err := tcp.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Type != codec.TypeHandshakeReply || frame.HandshakeReply == nil {
		return nil, errors.New("relay: first frame was not HandshakeReply")
	}
	return frame.HandshakeReply, nil
}

func (c *Client) failureWindow() time.Duration {
	return time.Duration(c.keepaliveThreshold-1) * c.keepaliveInterval
}

func (c *Client) runConnection(ctx context.Context, tcp *transport.TCP) error {
	frameCh := make(chan codec.Frame)
	errCh := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		for {
			frame, err := tcp.ReadFrame()
			if err != nil {
				select {
				case errCh <- err:
				case <-readCtx.Done():
				}
				return
			}
			select {
			case frameCh <- frame:
			case <-readCtx.Done():
				return
			}
		}
	}()

	keepaliveTicker := time.NewTicker(c.keepaliveInterval)
	defer keepaliveTicker.Stop()
	failureTimer := time.NewTimer(c.failureWindow())
	defer failureTimer.Stop()

	defer tcp.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-failureTimer.C:
			return errors.New("relay: keepalive famine, no inbound frame within failure window")
		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(tcp); err != nil {
				return err
			}
		case frame := <-frameCh:
			c.setLastActive(time.Now())
			failureTimer.Reset(c.failureWindow())
			c.dispatchInbound(frame)
		case raw := <-c.outboundData:
			if err := tcp.WriteRaw(raw); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sendKeepalive(tcp *transport.TCP) error {
	ipv6, stunIP, stunPort := c.currentAddresses()
	// Clients MUST never populate peers: that field is server-only.
	frame := codec.Frame{Type: codec.TypeKeepAlive, KeepAlive: &codec.KeepAlive{
		Identity: c.identity,
		IPv6:     ipv6,
		Port:     c.udpPort,
		StunIP:   stunIP,
		StunPort: stunPort,
		Peers:    nil,
	}}
	return tcp.WriteFrame(frame)
}

func (c *Client) dispatchInbound(frame codec.Frame) {
	switch frame.Type {
	case codec.TypeData, codec.TypeKeepAlive, codec.TypePeerUpdate:
		select {
		case c.inbound <- frame:
		default:
			c.logger.Warn("relay inbound channel full, dropping frame", map[string]interface{}{"type": frame.Type.String()})
		}
	default:
		// Handshake/HandshakeReply/Probe* are not expected mid-connection.
	}
}

func (c *Client) currentAddresses() (ipv6, stunIP string, stunPort int) {
	c.ipv6Mu.RLock()
	defer c.ipv6Mu.RUnlock()
	return c.ipv6, c.stunIP, c.stunPort
}

// refreshAddressesLoop re-queries the external IPv6/STUN discovery
// capabilities every ipv6RefreshPeriod without touching the TCP connection.
func (c *Client) refreshAddressesLoop(ctx context.Context) {
	if c.addrs == nil {
		return
	}
	c.refreshOnce()
	ticker := time.NewTicker(c.ipv6RefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshOnce()
		}
	}
}

func (c *Client) refreshOnce() {
	ipv6 := c.addrs.PublicIPv6()
	stunIP, stunPort := c.addrs.PublicSTUN()
	c.ipv6Mu.Lock()
	c.ipv6 = ipv6
	c.stunIP = stunIP
	c.stunPort = stunPort
	c.ipv6Mu.Unlock()
}
