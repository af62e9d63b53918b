// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scanguard"

var (
	// AdmissionsTotal counts gate outcomes by route policy and result
	// (allowed, auth, rate_limit, payment, error).
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	RateLimitDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denials_total",
			Help:      "Requests denied by a rate-limit pool.",
		},
		[]string{"pool"},
	)

	// PaymentVerificationsTotal counts processed payment proofs by result
	// (verified, duplicate, rejected, timeout, unavailable).
	PaymentVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verifications_total",
			Help:      "Payment proofs processed by result.",
		},
		[]string{"result"},
	)

	FacilitatorDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "facilitator_request_duration_seconds",
			Help:      "Facilitator verify call latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms to ~12.8s
		},
	)

	SweepRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Entries removed by background sweeps.",
		},
		[]string{"sweep"},
	)

	PaymentRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_records",
			Help:      "Payment records retained after the last cleanup.",
		},
	)
)
