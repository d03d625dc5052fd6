// Package monitor exports bus metrics to Prometheus.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/hutch-go/messaging"
)

const namespace = "hutch"

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	published       *prometheus.CounterVec
	publishErrors   *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	routeFailures   *prometheus.CounterVec
	rpcs            *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	pendingRPCs     prometheus.Gauge
	connected       prometheus.Gauge
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the bus metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages published, by TypeID and exchange",
		}, []string{"type_id", "exchange"}),
		publishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Publishes the broker did not confirm",
		}, []string{"type_id", "exchange"}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish to broker confirm",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries by queue and final outcome",
		}, []string{"queue", "outcome"}),
		routeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_route_failures_total",
			Help:      "Messages that could not be sent to the error queue",
		}, []string{"type_id"}),
		rpcs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Finished RPC requests by TypeID and outcome",
		}, []string{"type_id", "outcome"}),
		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "RPC round trip time",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"type_id"}),
		pendingRPCs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending",
			Help:      "RPC calls waiting for a reply",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the broker connection is open",
		}),
	}
}

func (p *PrometheusCollector) RecordPublish(typeID, exchange string, duration time.Duration, err error) {
	exchange = exchangeLabel(exchange)
	p.published.WithLabelValues(typeID, exchange).Inc()
	if err != nil {
		p.publishErrors.WithLabelValues(typeID, exchange).Inc()
	}
	p.publishDuration.WithLabelValues(exchange).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordDelivery(queue, typeID string, outcome messaging.DeliveryOutcome) {
	p.deliveries.WithLabelValues(queue, string(outcome)).Inc()
}

func (p *PrometheusCollector) RecordErrorRouteFailure(typeID string) {
	if typeID == "" {
		typeID = "unknown"
	}
	p.routeFailures.WithLabelValues(typeID).Inc()
}

func (p *PrometheusCollector) RecordRPC(typeID string, outcome messaging.RPCOutcome, duration time.Duration) {
	p.rpcs.WithLabelValues(typeID, string(outcome)).Inc()
	p.rpcDuration.WithLabelValues(typeID).Observe(duration.Seconds())
}

func (p *PrometheusCollector) SetPendingRPCs(n int) {
	p.pendingRPCs.Set(float64(n))
}

func (p *PrometheusCollector) SetConnected(up bool) {
	if up {
		p.connected.Set(1)
		return
	}
	p.connected.Set(0)
}

// exchangeLabel names the default exchange
func exchangeLabel(exchange string) string {
	if exchange == "" {
		return "(default)"
	}
	return exchange
}
