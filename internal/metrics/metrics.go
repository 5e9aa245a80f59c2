// Package metrics defines the relayer's observation boundary. The relay
// only ever sees the Observer interface; what happens behind it (Prometheus
// here, nothing in tests) is not its concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives relay events. Implementations must be cheap and
// non-blocking: these are called on handler hot paths.
type Observer interface {
	ConnOpened()
	ConnClosed()
	Message(msgType string)
	Error(kind string)
	Broadcast(kind string, recipients int)
}

// Nop discards everything; the default for tests.
type Nop struct{}

func (Nop) ConnOpened()           {}
func (Nop) ConnClosed()           {}
func (Nop) Message(string)        {}
func (Nop) Error(string)          {}
func (Nop) Broadcast(string, int) {}

// Prom is the production Observer, backed by prometheus collectors.
type Prom struct {
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
	fanout      *prometheus.HistogramVec
}

// NewProm registers the relayer collectors on reg and returns the Observer.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_ws_connections",
			Help: "Currently open WebSocket connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_ws_messages_total",
			Help: "Inbound messages by type.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_ws_errors_total",
			Help: "Handler and protocol errors by kind.",
		}, []string{"kind"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_broadcasts_total",
			Help: "Broadcasts by channel kind.",
		}, []string{"kind"}),
		fanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayer_broadcast_fanout",
			Help:    "Recipients per broadcast by channel kind.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind"}),
	}
	reg.MustRegister(p.connections, p.messages, p.errors, p.broadcasts, p.fanout)
	return p
}

func (p *Prom) ConnOpened() { p.connections.Inc() }
func (p *Prom) ConnClosed() { p.connections.Dec() }

func (p *Prom) Message(msgType string) {
	p.messages.WithLabelValues(msgType).Inc()
}

func (p *Prom) Error(kind string) {
	p.errors.WithLabelValues(kind).Inc()
}

func (p *Prom) Broadcast(kind string, recipients int) {
	p.broadcasts.WithLabelValues(kind).Inc()
	p.fanout.WithLabelValues(kind).Observe(float64(recipients))
}
