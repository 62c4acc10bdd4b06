package duplex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by connections, clients and
// servers. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections      *prometheus.CounterVec // by outcome: accepted, rejected.
	activeConns      prometheus.Gauge
	handshakes       *prometheus.CounterVec // by result: validated, mismatch, failed.
	messagesIn       prometheus.Counter
	messagesOut      prometheus.Counter
	bytesIn          prometheus.Counter
	bytesOut         prometheus.Counter
	ioErrors         *prometheus.CounterVec // by op: read, write, connect, accept.
	inboundQueueSize prometheus.Gauge
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace   string
	subsystem   string
	constLabels prometheus.Labels
	registry    prometheus.Registerer
}

// WithNamespace sets the metrics namespace (default "duplex").
func WithNamespace(namespace string) MetricsOption {
	return func(c *metricsConfig) { c.namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *metricsConfig) { c.subsystem = subsystem }
}

// WithConstLabels adds constant labels to every collector.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *metricsConfig) { c.constLabels = labels }
}

// WithRegistry selects the registerer (default prometheus.DefaultRegisterer).
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *metricsConfig) { c.registry = registry }
}

// NewMetrics creates and registers the collectors. Registering twice against
// the same registry panics, as with promauto.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "duplex",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace, Subsystem: cfg.subsystem,
			Name: name, Help: help, ConstLabels: cfg.constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace, Subsystem: cfg.subsystem,
			Name: name, Help: help, ConstLabels: cfg.constLabels,
		})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace, Subsystem: cfg.subsystem,
			Name: name, Help: help, ConstLabels: cfg.constLabels,
		}, []string{label})
	}

	return &Metrics{
		connections:      counterVec("connections_total", "Accepted sockets by admission outcome", "outcome"),
		activeConns:      gauge("active_connections", "Connections currently open"),
		handshakes:       counterVec("handshakes_total", "Handshakes by result", "result"),
		messagesIn:       counter("messages_received_total", "Complete messages read from sockets"),
		messagesOut:      counter("messages_sent_total", "Complete messages written to sockets"),
		bytesIn:          counter("received_bytes_total", "Frame bytes read, headers included"),
		bytesOut:         counter("sent_bytes_total", "Frame bytes written, headers included"),
		ioErrors:         counterVec("io_errors_total", "Socket failures by operation", "op"),
		inboundQueueSize: gauge("inbound_queue_length", "Messages waiting in the server inbound queue"),
	}
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("accepted").Inc()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("rejected").Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) received(frameBytes int) {
	if m == nil {
		return
	}
	m.messagesIn.Inc()
	m.bytesIn.Add(float64(frameBytes))
}

func (m *Metrics) sent(frameBytes int) {
	if m == nil {
		return
	}
	m.messagesOut.Inc()
	m.bytesOut.Add(float64(frameBytes))
}

// IOError counts a socket failure for op.
func (m *Metrics) IOError(op string) {
	if m == nil {
		return
	}
	m.ioErrors.WithLabelValues(op).Inc()
}

// InboundQueueLength records the current inbound backlog.
func (m *Metrics) InboundQueueLength(n int) {
	if m == nil {
		return
	}
	m.inboundQueueSize.Set(float64(n))
}
