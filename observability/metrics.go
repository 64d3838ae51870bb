package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the deployment counters and histograms on a private registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	Deployments    *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec
	HostOperations *prometheus.CounterVec
	Rollbacks      *prometheus.CounterVec
}

// NewMetrics creates the deployment metrics with their own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Name:      "deployments_total",
			Help:      "Deployment campaigns by strategy and terminal state",
		}, []string{"strategy", "state"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployctl",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each lifecycle phase",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}, []string{"phase"}),
		HostOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Name:      "host_operations_total",
			Help:      "Per-host operations by kind and outcome",
		}, []string{"operation", "outcome"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Name:      "rollbacks_total",
			Help:      "Rollbacks by mechanism",
		}, []string{"mechanism"}),
	}
	reg.MustRegister(m.Deployments, m.PhaseDuration, m.HostOperations, m.Rollbacks)
	return m
}

// Registry returns the Prometheus registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordDeployment counts a finished campaign.
func (m *Metrics) RecordDeployment(strategy, state string) {
	if m == nil {
		return
	}
	m.Deployments.WithLabelValues(strategy, state).Inc()
}

// ObservePhase records how long a phase took.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordHostOperation counts one sync, cutover, probe or rollback on a host.
func (m *Metrics) RecordHostOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.HostOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordRollback counts a rollback by mechanism.
func (m *Metrics) RecordRollback(mechanism string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(mechanism).Inc()
}

// Push sends the current metric values to a Prometheus push gateway.
// A CLI run is too short-lived to be scraped.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	if job == "" {
		job = "deployctl"
	}
	if err := push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
