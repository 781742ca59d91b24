// Package dataplane wraps the local virtual network interface (TUN),
// presenting the minimal recv/send contract the bridge needs: a channel of
// raw IPv4 packets read from the device, and a write-back method.
package dataplane

// Interface is the virtual-interface contract: byte-oriented send/recv of
// raw IPv4 packets. It satisfies bridge.TUN.
type Interface interface {
	// Outbound yields packets read from the device, to be routed onward by
	// the bridge.
	Outbound() <-chan []byte

	// Write injects a packet received from the network back into the
	// device, to be delivered to the local IP stack.
	Write(payload []byte) error

	// Close releases the device.
	Close() error
}
