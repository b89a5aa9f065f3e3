// Package metrics exposes Prometheus counters for the relay endpoint
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Bus metrics
	BusPublished(messageType string)
	BusReceived(messageType string)
	BusError(op string)
	SelfEchoDropped(messageType string)

	// Rendezvous metrics
	PartnerResolved(resolved bool)

	// Negotiation metrics
	NegotiationSignal(direction, signalType string)
	NegotiationError(op string)
	CandidatesBuffered(n int)

	// Translation session metrics
	TranslationConnect(outcome string)
	TranslationRetry(delay time.Duration)
	TranslationCircuitOpen()

	// Relay metrics
	AudioRelayed(direction string, bytes int)
	TranscriptRelayed(direction string)

	// Hub metrics
	HubClients(n int)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus.
// Each collector owns its registry so several endpoints can share a process.
type PrometheusCollector struct {
	registry *prometheus.Registry

	busPublished *prometheus.CounterVec
	busReceived  *prometheus.CounterVec
	busErrors    *prometheus.CounterVec
	selfEchoes   *prometheus.CounterVec

	partnerResolved prometheus.Gauge

	negotiationSignals *prometheus.CounterVec
	negotiationErrors  *prometheus.CounterVec
	candidatesBuffered prometheus.Gauge

	translationConnects *prometheus.CounterVec
	translationBackoff  prometheus.Histogram
	circuitOpen         prometheus.Counter

	audioChunks      *prometheus.CounterVec
	audioBytes       *prometheus.CounterVec
	transcriptEvents *prometheus.CounterVec

	hubClients prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		busPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bus_messages_published_total",
				Help: "Total number of messages published on the signaling bus",
			},
			[]string{"type"},
		),
		busReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bus_messages_received_total",
				Help: "Total number of messages received from the signaling bus",
			},
			[]string{"type"},
		),
		busErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bus_errors_total",
				Help: "Total number of signaling bus errors",
			},
			[]string{"op"},
		),
		selfEchoes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bus_self_echo_dropped_total",
				Help: "Total number of self-originated messages dropped on receipt",
			},
			[]string{"type"},
		),

		partnerResolved: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_partner_resolved",
			Help: "1 when a partner is currently resolved, 0 while searching",
		}),

		negotiationSignals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_negotiation_signals_total",
				Help: "Total number of negotiation signals by direction and type",
			},
			[]string{"direction", "type"},
		),
		negotiationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_negotiation_errors_total",
				Help: "Total number of negotiation errors by operation",
			},
			[]string{"op"},
		),
		candidatesBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_negotiation_candidates_buffered",
			Help: "ICE candidates waiting for a remote description",
		}),

		translationConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_translation_connects_total",
				Help: "Translation service connection attempts by outcome",
			},
			[]string{"outcome"},
		),
		translationBackoff: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_translation_backoff_seconds",
			Help:    "Scheduled translation reconnect delays",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		circuitOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_translation_circuit_open_total",
			Help: "Times the translation retry ceiling was reached",
		}),

		audioChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_audio_chunks_total",
				Help: "Translated audio chunks relayed by direction",
			},
			[]string{"direction"},
		),
		audioBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_audio_bytes_total",
				Help: "Translated audio bytes relayed by direction",
			},
			[]string{"direction"},
		),
		transcriptEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_transcripts_total",
				Help: "Transcript events relayed by direction",
			},
			[]string{"direction"},
		),

		hubClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_hub_clients",
			Help: "Number of WebSocket clients connected to the hub",
		}),
	}
}

// BusPublished records an outbound bus message
func (c *PrometheusCollector) BusPublished(messageType string) {
	c.busPublished.WithLabelValues(messageType).Inc()
}

// BusReceived records an inbound bus message
func (c *PrometheusCollector) BusReceived(messageType string) {
	c.busReceived.WithLabelValues(messageType).Inc()
}

// BusError records a transport error
func (c *PrometheusCollector) BusError(op string) {
	c.busErrors.WithLabelValues(op).Inc()
}

// SelfEchoDropped records a message filtered because we sent it
func (c *PrometheusCollector) SelfEchoDropped(messageType string) {
	c.selfEchoes.WithLabelValues(messageType).Inc()
}

// PartnerResolved sets the rendezvous gauge
func (c *PrometheusCollector) PartnerResolved(resolved bool) {
	if resolved {
		c.partnerResolved.Set(1)
	} else {
		c.partnerResolved.Set(0)
	}
}

// NegotiationSignal records an offer/answer/candidate
func (c *PrometheusCollector) NegotiationSignal(direction, signalType string) {
	c.negotiationSignals.WithLabelValues(direction, signalType).Inc()
}

// NegotiationError records a failed negotiation operation
func (c *PrometheusCollector) NegotiationError(op string) {
	c.negotiationErrors.WithLabelValues(op).Inc()
}

// CandidatesBuffered sets the candidate buffer gauge
func (c *PrometheusCollector) CandidatesBuffered(n int) {
	c.candidatesBuffered.Set(float64(n))
}

// TranslationConnect records a connect attempt outcome
func (c *PrometheusCollector) TranslationConnect(outcome string) {
	c.translationConnects.WithLabelValues(outcome).Inc()
}

// TranslationRetry records a scheduled retry delay
func (c *PrometheusCollector) TranslationRetry(delay time.Duration) {
	c.translationBackoff.Observe(delay.Seconds())
}

// TranslationCircuitOpen records the circuit breaker tripping
func (c *PrometheusCollector) TranslationCircuitOpen() {
	c.circuitOpen.Inc()
}

// AudioRelayed records one relayed audio chunk
func (c *PrometheusCollector) AudioRelayed(direction string, bytes int) {
	c.audioChunks.WithLabelValues(direction).Inc()
	c.audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// TranscriptRelayed records one relayed transcript
func (c *PrometheusCollector) TranscriptRelayed(direction string) {
	c.transcriptEvents.WithLabelValues(direction).Inc()
}

// HubClients sets the connected hub client gauge
func (c *PrometheusCollector) HubClients(n int) {
	c.hubClients.Set(float64(n))
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Nop returns a Collector that discards everything
func Nop() Collector {
	return nopCollector{}
}

type nopCollector struct{}

func (nopCollector) BusPublished(string)                 {}
func (nopCollector) BusReceived(string)                  {}
func (nopCollector) BusError(string)                     {}
func (nopCollector) SelfEchoDropped(string)              {}
func (nopCollector) PartnerResolved(bool)                {}
func (nopCollector) NegotiationSignal(string, string)    {}
func (nopCollector) NegotiationError(string)             {}
func (nopCollector) CandidatesBuffered(int)              {}
func (nopCollector) TranslationConnect(string)           {}
func (nopCollector) TranslationRetry(time.Duration)      {}
func (nopCollector) TranslationCircuitOpen()             {}
func (nopCollector) AudioRelayed(string, int)            {}
func (nopCollector) TranscriptRelayed(string)            {}
func (nopCollector) HubClients(int)                      {}
func (nopCollector) Handler() http.Handler               { return http.NotFoundHandler() }
