// Package metrics holds the Prometheus collectors of one bridge.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devbridge"

var phases = []string{"stopped", "starting", "running", "stopping", "error"}

// Metrics tracks runtime, event channel and proxy activity. It implements
// events.Observer.
type Metrics struct {
	registry *prometheus.Registry

	phase            *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec
	controlTotal     *prometheus.CounterVec

	eventsTotal    *prometheus.CounterVec
	clients        prometheus.Gauge
	clientsRemoved *prometheus.CounterVec

	proxyTotal    *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New builds the collectors and registers them with reg. A nil reg gets a
// fresh registry so several bridges can live in one process. Bridges that
// share reg share its series, so the phase gauge shows the latest
// transition of any of them.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "phase",
			Help:      "1 for the current runtime phase, 0 otherwise",
		}, []string{"phase"}),
		transitionsTotal: newCounterVec("runtime", "transitions_total", "Runtime phase transitions by target phase", []string{"phase"}),
		controlTotal:     newCounterVec("runtime", "control_requests_total", "Runtime control requests by action and outcome", []string{"action", "outcome"}),
		eventsTotal:      newCounterVec("events", "emitted_total", "Events broadcast on the event channel", []string{"type"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "clients",
			Help:      "Connected event channel clients",
		}),
		clientsRemoved: newCounterVec("events", "clients_removed_total", "Event channel clients removed by reason", []string{"reason"}),
		proxyTotal:     newCounterVec("proxy", "requests_total", "Proxied API requests by method and status code", []string{"method", "code"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied API requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	var err error
	if m.phase, err = register(reg, m.phase); err != nil {
		return nil, err
	}
	if m.transitionsTotal, err = register(reg, m.transitionsTotal); err != nil {
		return nil, err
	}
	if m.controlTotal, err = register(reg, m.controlTotal); err != nil {
		return nil, err
	}
	if m.eventsTotal, err = register(reg, m.eventsTotal); err != nil {
		return nil, err
	}
	if m.clients, err = register(reg, m.clients); err != nil {
		return nil, err
	}
	if m.clientsRemoved, err = register(reg, m.clientsRemoved); err != nil {
		return nil, err
	}
	if m.proxyTotal, err = register(reg, m.proxyTotal); err != nil {
		return nil, err
	}
	if m.proxyDuration, err = register(reg, m.proxyDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg. When an identical collector is already there, the
// existing one is returned so bridges sharing a registry add to the same
// series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return c, err
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return c, fmt.Errorf("metrics: collector registered as %T, want %T", are.ExistingCollector, c)
	}
	return existing, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RuntimePhase records a transition into phase.
func (m *Metrics) RuntimePhase(phase string) {
	m.transitionsTotal.WithLabelValues(phase).Inc()
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.phase.WithLabelValues(p).Set(v)
	}
}

// ControlRequest counts a start, restart or stop request.
func (m *Metrics) ControlRequest(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.controlTotal.WithLabelValues(action, outcome).Inc()
}

// ProxyRequest records one proxied request. A zero code means the runtime
// could not be reached.
func (m *Metrics) ProxyRequest(method string, code int, dur time.Duration) {
	m.proxyTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.proxyDuration.WithLabelValues(method).Observe(dur.Seconds())
}

func (m *Metrics) EventEmitted(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventClientAdded() { m.clients.Inc() }

func (m *Metrics) EventClientRemoved(reason string) {
	m.clients.Dec()
	m.clientsRemoved.WithLabelValues(reason).Inc()
}
