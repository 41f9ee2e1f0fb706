// Package metrics wires transport observability through
// prometheus/client_golang, replacing the teacher's dependency on the
// deprecated prometheus/common/log shim with real counters and gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric the transport emits. Callers can embed a
// *Registry built against a custom prometheus.Registerer in tests to avoid
// colliding with the global default registry across parallel test packages.
type Registry struct {
	ContainersOnline  prometheus.Gauge
	FragmentsSent     prometheus.Counter
	FragmentsResent   prometheus.Counter
	FragmentsAcked    prometheus.Counter
	MessagesDropped   *prometheus.CounterVec
	NATClassification *prometheus.GaugeVec
	RelayChannels     prometheus.Gauge
}

// New constructs a Registry and registers every metric against reg. Pass
// prometheus.NewRegistry() in tests; pass prometheus.DefaultRegisterer in
// production binaries.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ContainersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "containers_online",
			Help:      "Number of tunnel containers currently online.",
		}),
		FragmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "fragments_sent_total",
			Help:      "Total fragments handed to a physical tunnel for the first time.",
		}),
		FragmentsResent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "fragments_resent_total",
			Help:      "Total fragment retransmissions.",
		}),
		FragmentsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "fragments_acked_total",
			Help:      "Total fragments marked acked.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "messages_dropped_total",
			Help:      "Total outbound messages given up on, by reason.",
		}, []string{"reason"}),
		NATClassification: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "nat_classification",
			Help:      "1 for the currently active NAT classification, 0 otherwise.",
		}, []string{"type"}),
		RelayChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "relay_channels_active",
			Help:      "Number of non-expired relay channel credentials.",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.ContainersOnline, r.FragmentsSent, r.FragmentsResent,
		r.FragmentsAcked, r.MessagesDropped, r.NATClassification, r.RelayChannels,
	} {
		_ = reg.Register(c)
	}
	return r
}

// Noop returns a Registry wired to a private registry, for call sites (like
// most unit tests) that only need a non-nil *Registry to pass in.
func Noop() *Registry {
	return New(prometheus.NewRegistry())
}
