package order

import "github.com/prometheus/client_golang/prometheus"

var (
	orderTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2pramp",
		Subsystem: "order",
		Name:      "transitions_total",
		Help:      "Order operations by action and result.",
	}, []string{"action", "result"})

	ordersExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "p2pramp",
		Subsystem: "order",
		Name:      "expired_total",
		Help:      "PENDING orders cancelled by the expirer.",
	})
)

func init() {
	prometheus.MustRegister(orderTransitions, ordersExpired)
}
