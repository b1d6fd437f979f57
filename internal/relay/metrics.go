package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	relayOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pramp",
		Subsystem: "relay",
		Name:      "operations_total",
		Help:      "Gas station operations by operation and outcome code.",
	}, []string{"op", "outcome"})

	relayBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2pramp",
		Subsystem: "relay",
		Name:      "native_balance",
		Help:      "Relay account native gas balance at the last readiness check.",
	})

	relayReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2pramp",
		Subsystem: "relay",
		Name:      "ready",
		Help:      "1 when the relay account holds at least its operating gas balance.",
	})
)

func init() {
	prometheus.MustRegister(relayOutcomes, relayBalance, relayReady)
}
