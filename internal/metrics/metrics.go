// Package metrics wires the proxy's counters and histograms into a
// VictoriaMetrics/metrics Set, in the style of r2northstar/atlas's
// pkg/api/api0/metrics.go: exported *metrics.Counter/*metrics.Histogram
// fields grouped on a struct, constructed once at startup.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds every counter and histogram this proxy exposes. Byte
// counters are split by direction with a "direction" label, matching the
// {result="..."} label convention atlas uses for its own counters.
type Metrics struct {
	set *metrics.Set

	SessionsTotal         *metrics.Counter
	SessionsActive        *metrics.Counter
	AuthFailures          *metrics.Counter
	RemoteConnectFailures *metrics.Counter
	BytesClientToRemote   *metrics.Counter
	BytesRemoteToClient   *metrics.Counter
	HandshakeDuration     *metrics.Histogram
}

// New constructs a Metrics registered on a fresh Set, ready to be exposed
// via WritePrometheus.
func New() *Metrics {
	m := &Metrics{set: metrics.NewSet()}
	m.SessionsTotal = m.set.NewCounter(`socks5_sessions_total`)
	m.SessionsActive = m.set.NewCounter(`socks5_sessions_active`)
	m.AuthFailures = m.set.NewCounter(`socks5_auth_failures_total`)
	m.RemoteConnectFailures = m.set.NewCounter(`socks5_remote_connect_failures_total`)
	m.BytesClientToRemote = m.set.NewCounter(`socks5_bytes_relayed_total{direction="client_to_remote"}`)
	m.BytesRemoteToClient = m.set.NewCounter(`socks5_bytes_relayed_total{direction="remote_to_client"}`)
	m.HandshakeDuration = m.set.NewHistogram(`socks5_handshake_duration_seconds`)
	return m
}

// WritePrometheus renders every registered metric in Prometheus exposition
// format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
