// Package metrics holds the Prometheus collectors shared by all
// Conveyor services. Collectors register on the default registry; the
// nudge server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsDiscovered counts commit rows inserted by the crawler.
	CommitsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_commits_discovered_total",
		Help: "Commits discovered and recorded by the crawler.",
	})

	// BuildsScheduled counts build rows fanned out by the scheduler.
	BuildsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_builds_scheduled_total",
		Help: "Builds created by the scheduler.",
	})

	// BuildsProcessed counts completed build executions per result.
	BuildsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_builds_processed_total",
		Help: "Builds executed by an agent, partitioned by result.",
	}, []string{"result"})

	// RunsStalled counts runs reaped by the watchdog.
	RunsStalled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_runs_stalled_total",
		Help: "Runs marked stalled by the watchdog.",
	})

	// BuildsUnblocked counts error builds returned to new after a
	// missing dependency became available.
	BuildsUnblocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_builds_unblocked_total",
		Help: "Builds set back to new after a dependency appeared.",
	})
)
