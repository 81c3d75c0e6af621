// Package metrics holds the daemon's prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "minipaas"

var (
	// Deploys counts deploy and redeploy requests by result
	Deploys = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deploys_total",
		Help:      "Deploy requests by result.",
	}, []string{"result"})

	// Rollbacks counts rollback requests by result
	Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Rollback requests by result.",
	}, []string{"result"})

	// ScaleEvents counts instance count changes by direction
	ScaleEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scale_events_total",
		Help:      "Autoscale instance count changes by direction.",
	}, []string{"direction"})

	// Instances is the current instance count per workload
	Instances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instances",
		Help:      "Running instances per workload.",
	}, []string{"workload"})

	// MonitorErrors counts swallowed autoscale loop failures by phase
	MonitorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_errors_total",
		Help:      "Autoscale monitor failures by phase.",
	}, []string{"phase"})

	// DeployDuration observes end-to-end deploy latency
	DeployDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "deploy_duration_seconds",
		Help:      "Time from deploy request to commit or failure.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	DirectionUp   = "up"
	DirectionDown = "down"
)

var registerOnce sync.Once

// Register adds every collector to reg. Later calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(Deploys, Rollbacks, ScaleEvents, Instances, MonitorErrors, DeployDuration)
	})
}

// Result maps an error to a result label
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
