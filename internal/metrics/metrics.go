// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_turns_total",
			Help: "Total number of client replies processed, by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_turn_duration_seconds",
			Help:    "Time to process one client reply, including persistence",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	JudgeCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_judge_calls_total",
			Help: "Total number of answer judge calls, by verdict or failure",
		},
		[]string{"result"},
	)

	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_sessions_started_total",
			Help: "Total number of sessions started or resumed",
		},
		[]string{"kind"},
	)

	SessionsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_sessions_completed_total",
			Help: "Total number of sessions that answered the final question",
		},
	)

	SaveRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_session_save_retries_total",
			Help: "Total number of session save retries, by final result",
		},
		[]string{"result"},
	)

	OutboxSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_outbox_sends_total",
			Help: "Total number of outbox delivery attempts, by kind and result",
		},
		[]string{"kind", "result"},
	)

	CRMSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_crm_syncs_total",
			Help: "Total number of CRM contact syncs, by result",
		},
		[]string{"result"},
	)

	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_maintenance_runs_total",
			Help: "Total number of scheduled maintenance job runs, by job and result",
		},
		[]string{"job", "result"},
	)

	ActiveSessionLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_session_locks_active",
			Help: "Number of sessions currently holding a turn lock",
		},
	)
)
