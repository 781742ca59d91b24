// Package stunclient implements the "discover a public IPv4:port" external
// capability the spec treats as opaque, using a real STUN binding exchange.
package stunclient

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// Discoverer is the capability interface; Client is its implementation
// here, and a test double can stand in for it without a real STUN server.
type Discoverer interface {
	Discover(localConn *net.UDPConn, server string) (publicIP string, publicPort int, err error)
}

// Client performs one STUN binding request per Discover call, using the
// given local UDP socket so the discovered mapping matches what the
// overlay will actually use for hole punching.
type Client struct {
	Timeout time.Duration
}

// NewClient constructs a Client with a sane default timeout.
func NewClient() *Client {
	return &Client{Timeout: 5 * time.Second}
}

// Discover sends a single STUN Binding Request over localConn to server
// ("host:port") and parses the XOR-MAPPED-ADDRESS from the response.
func (c *Client) Discover(localConn *net.UDPConn, server string) (string, int, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return "", 0, fmt.Errorf("stunclient: resolve %s: %w", server, err)
	}

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := localConn.WriteToUDP(message.Raw, serverAddr); err != nil {
		return "", 0, fmt.Errorf("stunclient: send binding request: %w", err)
	}

	deadline := c.Timeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	_ = localConn.SetReadDeadline(time.Now().Add(deadline))

	buf := make([]byte, 1500)
	n, _, err := localConn.ReadFromUDP(buf)
	if err != nil {
		return "", 0, fmt.Errorf("stunclient: read binding response: %w", err)
	}

	reply := &stun.Message{Raw: buf[:n]}
	if err := reply.Decode(); err != nil {
		return "", 0, fmt.Errorf("stunclient: decode response: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(reply); err != nil {
		return "", 0, fmt.Errorf("stunclient: missing XOR-MAPPED-ADDRESS: %w", err)
	}
	return xorAddr.IP.String(), xorAddr.Port, nil
}
