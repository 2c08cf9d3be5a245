package graphguard

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/specterops/graphguard/access"
)

type metricsHandle struct {
	once sync.Once

	denials        *prometheus.CounterVec
	activeHandles  *prometheus.GaugeVec
	reloads        prometheus.Counter
	deferredCloses prometheus.Counter
}

var handleMetrics metricsHandle

func (m *metricsHandle) init() {
	m.once.Do(func() {
		m.denials = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "graphguard_permission_denied_total", Help: "Operations rejected by the access gate by operation class"}, []string{"class"})
		m.activeHandles = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "graphguard_active_handles", Help: "Open handles by binding mode"}, []string{"mode"})
		m.reloads = prometheus.NewCounter(prometheus.CounterOpts{Name: "graphguard_reloads_total", Help: "Storage engine reloads"})
		m.deferredCloses = prometheus.NewCounter(prometheus.CounterOpts{Name: "graphguard_reload_deferred_total", Help: "Reloads whose previous engine could not be closed before the deadline"})

		prometheus.MustRegister(m.denials, m.activeHandles, m.reloads, m.deferredCloses)
	})
}

func recordDenial(class access.Class) {
	handleMetrics.init()
	handleMetrics.denials.WithLabelValues(class.String()).Inc()
}

func recordHandle(mode string, delta float64) {
	handleMetrics.init()
	handleMetrics.activeHandles.WithLabelValues(mode).Add(delta)
}

func recordReload(deferred bool) {
	handleMetrics.init()
	handleMetrics.reloads.Inc()

	if deferred {
		handleMetrics.deferredCloses.Inc()
	}
}
