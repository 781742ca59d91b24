package stunclient

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

// fakeSTUNServer answers exactly one binding request with a success
// response carrying a fixed XOR-MAPPED-ADDRESS, standing in for a real STUN
// server in this unit test.
func fakeSTUNServer(t *testing.T, mappedIP string, mappedPort int) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 1500)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := &stun.Message{Raw: buf[:n]}
		if err := req.Decode(); err != nil {
			return
		}
		resp := stun.MustBuild(req, stun.BindingSuccess, &stun.XORMappedAddress{
			IP:   net.ParseIP(mappedIP),
			Port: mappedPort,
		})
		_, _ = conn.WriteToUDP(resp.Raw, addr)
	}()
	return conn
}

func TestDiscoverParsesXORMappedAddress(t *testing.T) {
	server := fakeSTUNServer(t, "203.0.113.9", 51259)
	defer server.Close()

	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer local.Close()

	client := &Client{Timeout: 2 * time.Second}
	ip, port, err := client.Discover(local, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if ip != "203.0.113.9" || port != 51259 {
		t.Fatalf("unexpected mapped address: %s:%d", ip, port)
	}
}
