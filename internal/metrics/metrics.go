// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics provides Prometheus metrics for the plantsim
// orchestrator. No per-session labels: session IDs would explode
// cardinality.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// SessionTransitionsTotal counts applied lifecycle transitions.
	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantsim_session_transitions_total",
		Help: "Total number of session state transitions, by from/to state.",
	}, []string{"from", "to"})

	// AdmissionRejectTotal counts admission rejections by scope.
	AdmissionRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantsim_admission_reject_total",
		Help: "Total number of rejected session activations, by cap scope.",
	}, []string{"scope"})

	// WorkerCrashTotal counts WORKER_CRASHED emissions by detection path.
	WorkerCrashTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantsim_worker_crash_total",
		Help: "Total number of worker crashes, by detection path.",
	}, []string{"path"})

	// PersistenceDropTotal counts swallowed sidecar write failures.
	PersistenceDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantsim_persistence_drop_total",
		Help: "Total number of dropped event writes inside workers, by table.",
	}, []string{"table"})

	// RecoveryOutcomeTotal counts startup reconciliation row outcomes.
	RecoveryOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantsim_recovery_outcome_total",
		Help: "Total number of sessions reconciled at startup, by outcome.",
	}, []string{"outcome"})

	// ActiveWorkers tracks currently registered worker handles.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantsim_active_workers",
		Help: "Current number of live worker handles.",
	})

	// SweepExpiredTotal counts sessions expired by the sweeper.
	SweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantsim_sweep_expired_total",
		Help: "Total number of sessions expired by the background sweeper.",
	})

	// InitDuration observes worker spawn-to-ready latency.
	InitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plantsim_worker_init_duration_seconds",
		Help:    "Time from worker spawn until INIT_COMPLETE.",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordTransition increments the transition counter.
func RecordTransition(from, to string) {
	SessionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordAdmissionReject increments the rejection counter.
// scope: "user" or "global".
func RecordAdmissionReject(scope string) {
	AdmissionRejectTotal.WithLabelValues(scope).Inc()
}

// RecordWorkerCrash increments the crash counter.
// path: "exit" or "heartbeat".
func RecordWorkerCrash(path string) {
	WorkerCrashTotal.WithLabelValues(path).Inc()
}

// RecordPersistenceDrop increments the dropped-write counter.
func RecordPersistenceDrop(table string) {
	PersistenceDropTotal.WithLabelValues(table).Inc()
}

// GetActiveWorkers reads the gauge value (for tests).
func GetActiveWorkers() float64 {
	var m dto.Metric
	if err := ActiveWorkers.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
