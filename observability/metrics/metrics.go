// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operations counts lifecycle operations by name and outcome
	// (ok, partial, rejected).
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "midswap_operations_total",
		Help: "Offer lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})

	// ReleasePhases counts individual settlement phase attempts.
	ReleasePhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "midswap_release_phases_total",
		Help: "Settlement phase attempts by phase and result.",
	}, []string{"phase", "result"})

	// LockContention counts requests refused because the offer lock was
	// held.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midswap_lock_contention_total",
		Help: "Requests refused due to a held offer lock.",
	})

	// ReplayRejections counts rejected signature or transaction replays.
	ReplayRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midswap_replay_rejections_total",
		Help: "Requests rejected by the replay guards.",
	})

	// ReconcileRuns counts reconciliation sweeps.
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midswap_reconcile_runs_total",
		Help: "Reconciliation sweeps started.",
	})

	// ReconcileOutcomes counts offers repaired per sweep outcome.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "midswap_reconcile_outcomes_total",
		Help: "Offers transitioned by the reconciliation sweep.",
	}, []string{"outcome"})

	// RequestsThrottled counts requests refused by the rate limiter.
	RequestsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "midswap_requests_throttled_total",
		Help: "HTTP requests refused by the rate limiter.",
	}, []string{"route"})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
