// Package metrics registers the daemon's Prometheus collectors, mounted by
// the management server alongside its hand-rolled /metrics text endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RxBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshvpn_rx_bytes_total", Help: "Total bytes delivered to the local TUN device.",
	})
	TxBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshvpn_tx_bytes_total", Help: "Total bytes read from the local TUN device.",
	})

	SendPathDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshvpn_sendpath_drops_total", Help: "Packets dropped by the send path selector, by reason.",
	}, []string{"reason"})

	ProbeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshvpn_probe_errors_total", Help: "Liveness probes that failed to encode or send.",
	})

	RelayState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshvpn_relay_client_state", Help: "Relay client state (0=disconnected,1=connecting,2=handshaking,3=running).",
	})

	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshvpn_relay_server_connections", Help: "Current number of connected relay clients (server mode).",
	})

	ClientStoreReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshvpn_clientstore_reloads_total", Help: "Client config store reload attempts, by outcome.",
	}, []string{"outcome"})
)
