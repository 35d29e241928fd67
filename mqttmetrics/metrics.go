// Package mqttmetrics is a Prometheus-backed mqtt.StatsSink, grounded
// on the broker/client metrics wiring used by the pack's own
// Prometheus-instrumented MQTT servers.
package mqttmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink implements mqtt.StatsSink with Prometheus counters and a
// histogram, registered under the given namespace.
type Sink struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	ackLatency       prometheus.Histogram
}

// NewSink constructs a Sink and registers its collectors with reg. If
// reg is nil, prometheus.DefaultRegisterer is used.
func NewSink(namespace string, reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &Sink{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Number of MQTT messages sent, labeled by whether the duplicate flag was set.",
		}, []string{"dup"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Number of MQTT messages received, labeled by whether the duplicate flag was set.",
		}, []string{"dup"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_milliseconds",
			Help:      "Time between sending an ackable Publish and receiving its acknowledgement.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}

	reg.MustRegister(s.messagesSent, s.messagesReceived, s.ackLatency)
	return s
}

func dupLabel(dup bool) string {
	if dup {
		return "true"
	}
	return "false"
}

// MessageSent implements mqtt.StatsSink.
func (s *Sink) MessageSent(dup bool) {
	s.messagesSent.WithLabelValues(dupLabel(dup)).Inc()
}

// MessageReceived implements mqtt.StatsSink.
func (s *Sink) MessageReceived(dup bool) {
	s.messagesReceived.WithLabelValues(dupLabel(dup)).Inc()
}

// AckLatency implements mqtt.StatsSink.
func (s *Sink) AckLatency(ms int64) {
	s.ackLatency.Observe(float64(ms))
}
