// Package telemetry registers the Prometheus metrics exported on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOps counts document store operations by key, operation and result.
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_store_operations_total",
		Help: "Document store operations by key, operation and result",
	}, []string{"key", "op", "result"})

	// StoreConflicts counts version conflicts on save.
	StoreConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_store_conflicts_total",
		Help: "Version conflicts detected on save",
	}, []string{"key"})

	// StagedWrites counts writes sent to local staging because the object store was down.
	StagedWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_staged_writes_total",
		Help: "Writes staged locally while the object store was unavailable",
	}, []string{"key"})

	// AICalls counts AI service calls by purpose, model and outcome.
	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_ai_calls_total",
		Help: "AI service calls by purpose, model and outcome",
	}, []string{"purpose", "model", "outcome"})

	// AILatency tracks AI call latency.
	AILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kbcurator_ai_call_duration_seconds",
		Help:    "AI service call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"purpose"})

	// SlotRuns counts slot executions by slot and resulting status.
	SlotRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_slot_runs_total",
		Help: "Slot executions by slot and resulting status",
	}, []string{"slot", "status"})

	// DedupVerdicts counts dedup decisions by verdict.
	DedupVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_dedup_verdicts_total",
		Help: "Dedup decisions by verdict",
	}, []string{"verdict"})

	// GradingCacheLookups counts grading cache lookups by result.
	GradingCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_grading_cache_lookups_total",
		Help: "Grading cache lookups by result",
	}, []string{"result"})

	// MonthlySpend reports the spend of the current month.
	MonthlySpend = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kbcurator_budget_monthly_spend",
		Help: "AI spend accumulated in the current month",
	})

	// Notifications counts outbound notifications by channel and outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kbcurator_notifications_total",
		Help: "Outbound notifications by channel and outcome",
	}, []string{"channel", "outcome"})
)

// Result labels an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
