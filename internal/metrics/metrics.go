// Package metrics defines the Prometheus collectors exported by the
// controller. Collectors live on an instance so tests can build private sets
// without touching the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pnvantage"

// Metrics holds every collector used by the protocol engine.
type Metrics struct {
	FramesReceived      *prometheus.CounterVec
	FramesSent          *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
	MalformedFrames     *prometheus.CounterVec
	WatchdogExpiries    *prometheus.CounterVec
	Reconnects          *prometheus.CounterVec
	AuthorityDenied     *prometheus.CounterVec
	ConnectionState     *prometheus.GaugeVec
	DiscoveryResponses  prometheus.Counter
	DiscoveryMismatches prometheus.Counter
	DiscoveryRounds     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg yields
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "PROFINET frames received, by frame class.",
		}, []string{"class"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "PROFINET frames sent, by frame class.",
		}, []string{"class"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before reaching a consumer, by reason.",
		}, []string{"reason"}),
		MalformedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cyclic_malformed_total",
			Help:      "Malformed cyclic frames received, by station.",
		}, []string{"station"}),
		WatchdogExpiries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_expiries_total",
			Help:      "Connections failed by watchdog expiry, by station.",
		}, []string{"station"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts, by station.",
		}, []string{"station"}),
		AuthorityDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_writes_denied_total",
			Help:      "Actuator writes suppressed because authority was not held.",
		}, []string{"station"}),
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state of each station, 0 otherwise.",
		}, []string{"station", "state"}),
		DiscoveryResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dcp_responses_total",
			Help:      "DCP responses accepted.",
		}),
		DiscoveryMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dcp_mismatched_responses_total",
			Help:      "DCP responses discarded for xid or source mismatch.",
		}),
		DiscoveryRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dcp_rounds_total",
			Help:      "DCP identify rounds started.",
		}),
	}
}

// SetConnectionState marks state as current for station.
func (m *Metrics) SetConnectionState(station string, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(station, s).Set(v)
	}
}

// ForgetStation removes the per-station series.
func (m *Metrics) ForgetStation(station string) {
	labels := prometheus.Labels{"station": station}
	m.MalformedFrames.DeletePartialMatch(labels)
	m.WatchdogExpiries.DeletePartialMatch(labels)
	m.Reconnects.DeletePartialMatch(labels)
	m.AuthorityDenied.DeletePartialMatch(labels)
	m.ConnectionState.DeletePartialMatch(labels)
}
