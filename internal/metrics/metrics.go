package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekeeper"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	gatewayStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "starts_total",
			Help:      "Number of gateway spawns.",
		},
	)
	gatewayStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "stops_total",
			Help:      "Number of gateway stops by method (graceful or kill).",
		}, []string{"method"},
	)
	gatewayReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn until the first healthy probe.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "state_transitions_total",
			Help:      "Number of gateway state transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "current_state",
			Help:      "Current gateway state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health probes by prober and result.",
		}, []string{"prober", "result"},
	)
	installRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "runs_total",
			Help:      "Install attempts by component and outcome.",
		}, []string{"component", "outcome"},
	)
	installRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "rejected_total",
			Help:      "Install attempts rejected because another install was running.",
		}, []string{"component"},
	)
	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Install duration by component.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"component"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "lookups_total",
			Help:      "Status cache lookups by cache and result.",
		}, []string{"cache", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		gatewayStarts, gatewayStops, gatewayReadyDuration, stateTransitions, currentStates,
		healthChecks, installRuns, installRejected, installDuration, cacheLookups,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncGatewayStart() {
	if regOK.Load() {
		gatewayStarts.Inc()
	}
}

func IncGatewayStop(method string) {
	if regOK.Load() {
		gatewayStops.WithLabelValues(method).Inc()
	}
}

func ObserveReadyDuration(seconds float64) {
	if regOK.Load() {
		gatewayReadyDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state active and every other known state inactive.
func SetCurrentState(state string, known []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(s).Set(v)
	}
}

func ObserveHealthCheck(prober string, healthy bool) {
	if regOK.Load() {
		healthChecks.WithLabelValues(prober, result(healthy, "healthy", "unhealthy")).Inc()
	}
}

func ObserveInstall(component, outcome string, seconds float64) {
	if regOK.Load() {
		installRuns.WithLabelValues(component, outcome).Inc()
		installDuration.WithLabelValues(component).Observe(seconds)
	}
}

func IncInstallRejected(component string) {
	if regOK.Load() {
		installRejected.WithLabelValues(component).Inc()
	}
}

func ObserveCacheLookup(cache string, hit bool) {
	if regOK.Load() {
		cacheLookups.WithLabelValues(cache, result(hit, "hit", "miss")).Inc()
	}
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
