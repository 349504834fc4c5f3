package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corral_active_agents",
		Help: "Number of agents currently active in the registry.",
	})
	spawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corral_spawns_total",
		Help: "Agents spawned, by project.",
	}, []string{"project"})
	skippedAtLimitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corral_dispatch_skipped_at_limit_total",
		Help: "Ready candidates skipped because the concurrency limit was reached.",
	})
	dispatchErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corral_dispatch_errors_total",
		Help: "Per-candidate dispatch failures.",
	})
	completionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corral_completions_total",
		Help: "Terminal transitions, by final status.",
	}, []string{"status"})
	cascadeStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corral_cascade_steps_total",
		Help: "Shutdown cascades resolved, by winning step.",
	}, []string{"step"})
	reconciledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corral_reconciled_total",
		Help: "Agents transitioned to completed by reconciliation.",
	})
)

// regOK guards the helpers so unregistered collectors are never touched in
// binaries that do not serve metrics.
var regOK atomic.Bool

// Register registers all collectors with reg. Already-registered collectors
// are tolerated so embedding applications can share a registry.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		activeAgents, spawnsTotal, skippedAtLimitTotal, dispatchErrorsTotal,
		completionsTotal, cascadeStepsTotal, reconciledTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			regOK.Store(false)
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the HTTP handler for the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func SetActiveAgents(n int) {
	if !regOK.Load() {
		return
	}
	activeAgents.Set(float64(n))
}

func IncSpawned(project string) {
	if !regOK.Load() {
		return
	}
	spawnsTotal.WithLabelValues(project).Inc()
}

func AddSkippedAtLimit(n int) {
	if !regOK.Load() || n <= 0 {
		return
	}
	skippedAtLimitTotal.Add(float64(n))
}

func IncDispatchError() {
	if !regOK.Load() {
		return
	}
	dispatchErrorsTotal.Inc()
}

func IncCompletion(status string) {
	if !regOK.Load() {
		return
	}
	completionsTotal.WithLabelValues(status).Inc()
}

func IncCascadeStep(step string) {
	if !regOK.Load() {
		return
	}
	cascadeStepsTotal.WithLabelValues(step).Inc()
}

func AddReconciled(n int) {
	if !regOK.Load() || n <= 0 {
		return
	}
	reconciledTotal.Add(float64(n))
}
