package chain

import "github.com/prometheus/client_golang/prometheus"

var (
	chainCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pramp",
		Subsystem: "chain",
		Name:      "rpc_attempts_total",
		Help:      "RPC attempts by operation and outcome (ok, rejected, error, dial_error).",
	}, []string{"op", "outcome"})

	txQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2pramp",
		Subsystem: "chain",
		Name:      "tx_queue_depth",
		Help:      "Relay transactions waiting for the single writer.",
	})
)

func init() {
	prometheus.MustRegister(chainCalls, txQueueDepth)
}
