// Package bmetrics exposes prometheus metrics for the billing service.
package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billingd",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ResyncTotal counts snapshot resyncs by outcome.
	ResyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Name:      "resync_total",
		Help:      "Total customer snapshot resyncs by outcome.",
	}, []string{"outcome"})

	// PlanChangesTotal counts plan change decisions by branch.
	PlanChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Name:      "plan_changes_total",
		Help:      "Plan change decisions by branch (upgrade_paid, upgrade_trial, downgrade_trial, downgrade_scheduled, rejected, failed).",
	}, []string{"branch"})

	// RefundsTotal counts refund executions by outcome.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Name:      "refunds_total",
		Help:      "Refund executions by outcome (ok, partial, rejected).",
	}, []string{"outcome"})
)
