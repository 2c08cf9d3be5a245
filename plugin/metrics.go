package plugin

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK       = "ok"
	resultTimeout  = "timeout"
	resultFailed   = "failed"
	resultRejected = "rejected"
	resultDenied   = "denied"
)

type metricsPlugin struct {
	once sync.Once

	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	loaded   *prometheus.CounterVec
	deleted  *prometheus.CounterVec
}

var pluginMetrics metricsPlugin

func (m *metricsPlugin) init() {
	m.once.Do(func() {
		buckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

		m.calls = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "graphguard_plugin_calls_total", Help: "Stored procedure calls by plugin type and result"}, []string{"type", "result"})
		m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "graphguard_plugin_call_seconds", Help: "Stored procedure execution time", Buckets: buckets}, []string{"type"})
		m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "graphguard_plugin_calls_in_flight", Help: "Stored procedures currently executing"})
		m.loaded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "graphguard_plugin_loaded_total", Help: "Stored procedures loaded by plugin type"}, []string{"type"})
		m.deleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "graphguard_plugin_deleted_total", Help: "Stored procedures deleted by plugin type"}, []string{"type"})

		prometheus.MustRegister(m.calls, m.duration, m.inFlight, m.loaded, m.deleted)
	})
}

func recordCall(pluginType Type, result string, elapsed time.Duration) {
	pluginMetrics.init()
	pluginMetrics.calls.WithLabelValues(pluginType.String(), result).Inc()

	if result != resultRejected {
		pluginMetrics.duration.WithLabelValues(pluginType.String()).Observe(elapsed.Seconds())
	}
}

func recordInFlight(delta float64) {
	pluginMetrics.init()
	pluginMetrics.inFlight.Add(delta)
}

func recordLoaded(pluginType Type) {
	pluginMetrics.init()
	pluginMetrics.loaded.WithLabelValues(pluginType.String()).Inc()
}

func recordDeleted(pluginType Type) {
	pluginMetrics.init()
	pluginMetrics.deleted.WithLabelValues(pluginType.String()).Inc()
}
