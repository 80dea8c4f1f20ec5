// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Producer side
	ProducerMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapper_producer_messages_total",
		Help: "The total number of messages broadcast by producers.",
	})
	ProducerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapper_producer_connections",
		Help: "The current number of authenticated producer connections.",
	})
	ProducerInvalidRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapper_producer_invalid_requests_total",
		Help: "The total number of invalid or unknown producer requests.",
	})

	// Consumer side
	Consumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapper_consumers",
		Help: "The current number of connected consumer sessions.",
	})
	ConsumersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapper_consumers_total",
		Help: "The total number of consumer sessions accepted.",
	})
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapper_deliveries_total",
		Help: "The total number of delivery commands by result.",
	}, []string{"result"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapper_auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"side", "reason"})
)

const (
	DeliveryAcked   = "acked"
	DeliveryFailed  = "failed"
	DeliveryTimeout = "timeout"
	DeliveryClosed  = "closed"
)

func Handler() http.Handler {
	return promhttp.Handler()
}
