package vm_debugger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// debugMetrics 调试器指标
type debugMetrics struct {
	notifications      *prometheus.CounterVec
	targetEvents       *prometheus.CounterVec
	activeBreakpoints  prometheus.Gauge
	pendingBreakpoints prometheus.Gauge
	suspendedThreads   prometheus.Gauge
}

func newDebugMetrics(registerer prometheus.Registerer) *debugMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	return &debugMetrics{
		notifications: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "debugger_notifications_total",
			Help: "Total number of debug events delivered to listeners",
		}, []string{"event"})),
		targetEvents: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "debugger_target_events_total",
			Help: "Total number of events received from the debug target",
		}, []string{"type"})),
		activeBreakpoints: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "debugger_active_breakpoints",
			Help: "Number of breakpoints installed in the target",
		})),
		pendingBreakpoints: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "debugger_pending_breakpoints",
			Help: "Number of breakpoints waiting for their type to load",
		})),
		suspendedThreads: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "debugger_suspended_threads",
			Help: "Number of suspended threads",
		})),
	}
}

// register 注册指标，已经注册过时复用已有的指标
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}
