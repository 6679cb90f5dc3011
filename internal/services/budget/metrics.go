package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_budget_reservations_total",
			Help: "Reserve calls by outcome (approved, exceeded, degraded, unavailable, skipped)",
		},
		[]string{"outcome"},
	)

	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_budget_settlements_total",
			Help: "Commit and release calls by outcome",
		},
		[]string{"operation", "outcome"},
	)

	overspendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendguard_budget_overspend_total",
			Help: "Commits whose usage exceeded the reservation",
		},
		[]string{"severity"},
	)

	storeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spendguard_budget_store_duration_seconds",
			Help:    "Latency of budget store round trips",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

const (
	outcomeApproved    = "approved"
	outcomeExceeded    = "exceeded"
	outcomeDegraded    = "degraded"
	outcomeUnavailable = "unavailable"
	outcomeSkipped     = "skipped"
	outcomeInvalid     = "invalid"
	outcomeOK          = "ok"
	outcomeFailed      = "failed"
)
