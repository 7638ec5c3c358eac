// Package metrics registers the prometheus collectors and serves the metrics
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellman_jobs_dispatched_total",
			Help: "Total number of dispatch attempts by terminal outcome",
		},
		[]string{"outcome"},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bellman_job_retries_total",
			Help: "Total number of retry attempts scheduled",
		},
	)

	Misfires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bellman_misfires_total",
			Help: "Total number of fires dropped past their misfire grace window",
		},
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bellman_attempt_duration_seconds",
			Help:    "Wire call duration per attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler_id"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellman_job_queue_depth",
			Help: "Jobs waiting in the runner queue",
		},
	)

	// Registry metrics
	HandlersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bellman_handlers_total",
			Help: "Registered handlers by status",
		},
		[]string{"status"},
	)

	// Planner metrics
	SchedulesAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bellman_schedules_acquired_total",
			Help: "Total number of due schedules claimed by the planner",
		},
	)

	PlannerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bellman_planner_tick_duration_seconds",
			Help:    "Time taken by one planner cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Broker metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellman_is_leader",
			Help: "Whether this instance is the elected leader (1 = leader)",
		},
	)

	AliveInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellman_alive_instances",
			Help: "Peer coordinator instances seen via heartbeats",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellman_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsDispatched,
		JobRetries,
		Misfires,
		AttemptDuration,
		QueueDepth,
		HandlersTotal,
		SchedulesAcquired,
		PlannerTickDuration,
		IsLeader,
		AliveInstances,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
