// Package metrics exports RFB connection counters to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gogogo1024/novarfb/protocol"
)

const namespace = "novarfb"

// Collector implements novarfb.Observer.
type Collector struct {
	activeConns   prometheus.Gauge
	connsTotal    prometheus.Counter
	messagesTotal *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open RFB connections",
		}),
		connsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted RFB connections",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Client messages received by type",
		}, []string{"type"}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_events_dropped_total",
			Help:      "Key and pointer events dropped by the input rate limit",
		}, []string{"type"}),
		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Connections stopped by an error, by error code",
		}, []string{"code"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes read from and written to clients",
		}, []string{"direction"}),
	}
}

func (c *Collector) ConnOpened() {
	c.connsTotal.Inc()
	c.activeConns.Inc()
}

func (c *Collector) ConnClosed() {
	c.activeConns.Dec()
}

func (c *Collector) MessageReceived(t protocol.MessageType) {
	c.messagesTotal.WithLabelValues(t.String()).Inc()
}

func (c *Collector) EventDropped(t protocol.MessageType) {
	c.droppedTotal.WithLabelValues(t.String()).Inc()
}

func (c *Collector) ConnFailed(code protocol.ErrorCode) {
	label := code.String()
	if label == "unknown" {
		label = strconv.Itoa(int(code))
	}
	c.failuresTotal.WithLabelValues(label).Inc()
}

func (c *Collector) BytesRead(n int) {
	c.bytesTotal.WithLabelValues("in").Add(float64(n))
}

func (c *Collector) BytesWritten(n int) {
	c.bytesTotal.WithLabelValues("out").Add(float64(n))
}
