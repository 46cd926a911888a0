// Package metrics exposes the agent's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics holds the agent metrics.
type AppMetrics struct {
	CommandsTotal   *prometheus.CounterVec   // labels: command, result=success|failure
	CommandDuration *prometheus.HistogramVec // labels: command
	WSClients       prometheus.Gauge
	WSRejected      *prometheus.CounterVec // labels: reason
}

// NewAppMetrics registers the agent metrics on reg.
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pay_commands_total",
			Help: "Dispatcher commands by outcome.",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pay_command_duration_seconds",
			Help:    "Time from dispatch to continuation.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		}, []string{"command"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Connected WebSocket clients.",
		}),
		WSRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_rejected_total",
			Help: "Rejected WebSocket connections and requests.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.CommandsTotal, m.CommandDuration, m.WSClients, m.WSRejected)
	return m
}

// InstrumentDispatcher counts and times every call made through d.
// A nil m returns d unchanged.
func (m *AppMetrics) InstrumentDispatcher(d paybridge.Dispatcher) paybridge.Dispatcher {
	if m == nil {
		return d
	}
	return paybridge.DispatcherFunc(func(success, failure paybridge.Callback, service, command string, args []any) {
		start := time.Now()
		observe := func(result string) {
			m.CommandsTotal.WithLabelValues(command, result).Inc()
			m.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
		}
		d.Exec(
			func(payload any) {
				observe("success")
				if success != nil {
					success(payload)
				}
			},
			func(payload any) {
				observe("failure")
				if failure != nil {
					failure(payload)
				}
			},
			service, command, args,
		)
	})
}

// Rejected counts a rejected connection or request. Safe on a nil m.
func (m *AppMetrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.WSRejected.WithLabelValues(reason).Inc()
}

// ClientConnected adjusts the client gauge by delta. Safe on a nil m.
func (m *AppMetrics) ClientConnected(delta float64) {
	if m == nil {
		return
	}
	m.WSClients.Add(delta)
}
