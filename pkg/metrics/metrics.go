// Package metrics holds the prometheus registry shared by all control-plane
// components and the collectors they export.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegisterer is the prometheus Registerer all metrics operations use.
var DefaultRegisterer = prometheus.NewRegistry()

var (
	SchedulingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "stark_scheduler_pass_duration_seconds",
		Help: "Duration of single-pod scheduling passes.",
	}, []string{"status"})

	SchedulingOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stark_scheduler_outcomes_total",
		Help: "Scheduling outcomes by result.",
	}, []string{"outcome"})

	ReconcilePasses = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "stark_reconciler_pass_duration_seconds",
		Help: "Duration of service reconciliation passes.",
	}, []string{"status"})

	ConnectedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stark_connected_agents",
		Help: "Number of currently connected node agents.",
	})

	HeartbeatLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stark_node_heartbeat_lag_seconds",
		Help:    "Observed lag between node heartbeats.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"node"})

	RouteResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stark_route_resolutions_total",
		Help: "Route resolutions by decision.",
	}, []string{"decision"})

	IngressDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "stark_ingress_request_duration_seconds",
		Help: "Latency of relayed ingress requests.",
	}, []string{"status"})
)

func init() {
	DefaultRegisterer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SchedulingDuration,
		SchedulingOutcomes,
		ReconcilePasses,
		ConnectedAgents,
		HeartbeatLag,
		RouteResolutions,
		IngressDuration,
	)
}

// Handler serves the registry for the control API's /metrics path.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegisterer, promhttp.HandlerOpts{})
}

// ObserveWithStatus records a duration labeled success or error.
func ObserveWithStatus(vec *prometheus.HistogramVec, start time.Time, err error, labels ...string) {
	status := "success"
	if err != nil {
		status = "error"
	}
	labels = append(labels, status)
	vec.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}
