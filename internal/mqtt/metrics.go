package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ingestion counters exported on /metrics.
type Metrics struct {
	received      prometheus.Counter
	dispatched    *prometheus.CounterVec
	unmatched     prometheus.Counter
	empty         *prometheus.CounterVec
	panics        *prometheus.CounterVec
	rateLimited   prometheus.Counter
	connectionUps prometheus.Counter
	// subscribeFailures counts filters refused or left unanswered.
	subscribeFailures prometheus.Counter
	state             *prometheus.GaugeVec
	dispatchTime      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familydash_mqtt_messages_received_total",
			Help: "Messages received from the broker, before rate limiting.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "familydash_mqtt_messages_dispatched_total",
			Help: "Payloads that produced a snapshot update, by domain and source (mqtt or feeds).",
		}, []string{"domain", "source"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familydash_mqtt_messages_unmatched_total",
			Help: "Messages on topics outside the topic registry.",
		}),
		empty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "familydash_mqtt_decode_empty_total",
			Help: "Messages whose payload yielded no usable fields, by domain.",
		}, []string{"domain"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "familydash_mqtt_decode_panics_total",
			Help: "Decoder panics recovered at the dispatch boundary, by domain.",
		}, []string{"domain"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familydash_mqtt_messages_rate_limited_total",
			Help: "Messages dropped by the inbound rate guard.",
		}),
		connectionUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familydash_mqtt_connections_total",
			Help: "Successful broker connections, including reconnects.",
		}),
		subscribeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "familydash_mqtt_subscribe_failures_total",
			Help: "Topic filters the broker refused or did not acknowledge, counting retries.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "familydash_mqtt_connection_state",
			Help: "1 for the current connection state, 0 for all others.",
		}, []string{"state"}),
		dispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "familydash_mqtt_dispatch_seconds",
			Help:    "Time to match, decode and store one message.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
	for _, s := range allStates {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	m.state.WithLabelValues(StateIdle.String()).Set(1)

	if reg != nil {
		reg.MustRegister(m.received, m.dispatched, m.unmatched, m.empty,
			m.panics, m.rateLimited, m.connectionUps, m.subscribeFailures,
			m.state, m.dispatchTime)
	}
	return m
}

func (m *Metrics) setState(prev, next ConnState) {
	m.state.WithLabelValues(prev.String()).Set(0)
	m.state.WithLabelValues(next.String()).Set(1)
}
