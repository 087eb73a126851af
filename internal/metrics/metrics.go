// Package metrics registers the engine's Prometheus collectors. All
// metrics carry the eqlens_ prefix; model_version and metric_family
// labels are bounded by deployment configuration, never by subject data.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine exposes.
type Metrics struct {
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	ResultsTotal       *prometheus.CounterVec
	InsufficientData   *prometheus.CounterVec
	ViolationsTotal    *prometheus.CounterVec
	ModelState         *prometheus.GaugeVec
	MitigationsTotal   *prometheus.CounterVec
	DriftDetections    *prometheus.CounterVec
	RecordsIngested    *prometheus.CounterVec
	OutcomesBound      *prometheus.CounterVec
	AuditEntries       *prometheus.CounterVec
}

// New creates and registers all collectors. A nil registerer uses the
// default registry; tests pass their own to stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_evaluations_total",
			Help: "Evaluation runs by model version and trigger (scheduled, manual)",
		}, []string{"model_version", "trigger"}),

		EvaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eqlens_evaluation_duration_seconds",
			Help:    "Wall time of one full evaluation run per model version",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"model_version"}),

		ResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_results_total",
			Help: "Fairness metric results computed by model version and metric family",
		}, []string{"model_version", "metric_family"}),

		InsufficientData: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_insufficient_data_total",
			Help: "Cohort evaluations skipped for sample sizes under the minimum",
		}, []string{"model_version", "metric_family"}),

		ViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_violations_total",
			Help: "Tolerance violations by model version, metric family, and severity",
		}, []string{"model_version", "metric_family", "severity"}),

		ModelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eqlens_model_state",
			Help: "Monitoring state per model version (0 stable, 1 watch, 2 degraded, 3 critical)",
		}, []string{"model_version"}),

		MitigationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_mitigations_total",
			Help: "Mitigation actions by model version, strategy, and outcome",
		}, []string{"model_version", "strategy", "outcome"}),

		DriftDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_drift_detections_total",
			Help: "Score distribution drift detections per model version",
		}, []string{"model_version"}),

		RecordsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_records_ingested_total",
			Help: "Prediction records by intake status (accepted, duplicate, rejected)",
		}, []string{"status"}),

		OutcomesBound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_outcomes_bound_total",
			Help: "Outcome bindings by intake status (bound, already_bound, rejected)",
		}, []string{"status"}),

		AuditEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eqlens_audit_entries_total",
			Help: "Audit chain entries appended by event type",
		}, []string{"event"}),
	}
}

// ObserveEvaluation records one finished evaluation run.
func (m *Metrics) ObserveEvaluation(modelVersion, trigger string, d time.Duration) {
	if m != nil {
		m.EvaluationsTotal.WithLabelValues(modelVersion, trigger).Inc()
		m.EvaluationDuration.WithLabelValues(modelVersion).Observe(d.Seconds())
	}
}

// IncResult records one computed metric result.
func (m *Metrics) IncResult(modelVersion, family string) {
	if m != nil {
		m.ResultsTotal.WithLabelValues(modelVersion, family).Inc()
	}
}

// IncInsufficientData records a cohort skipped for a thin sample.
func (m *Metrics) IncInsufficientData(modelVersion, family string) {
	if m != nil {
		m.InsufficientData.WithLabelValues(modelVersion, family).Inc()
	}
}

// IncViolation records one detected violation.
func (m *Metrics) IncViolation(modelVersion, family, severity string) {
	if m != nil {
		m.ViolationsTotal.WithLabelValues(modelVersion, family, severity).Inc()
	}
}

// SetModelState publishes the monitoring state rank for a model.
func (m *Metrics) SetModelState(modelVersion string, rank int) {
	if m != nil {
		m.ModelState.WithLabelValues(modelVersion).Set(float64(rank))
	}
}

// IncMitigation records one mitigation action outcome.
func (m *Metrics) IncMitigation(modelVersion, strategy, outcome string) {
	if m != nil {
		m.MitigationsTotal.WithLabelValues(modelVersion, strategy, outcome).Inc()
	}
}

// IncDrift records one drift detection.
func (m *Metrics) IncDrift(modelVersion string) {
	if m != nil {
		m.DriftDetections.WithLabelValues(modelVersion).Inc()
	}
}

// AddRecords adds to the intake counter for one status.
func (m *Metrics) AddRecords(status string, n int) {
	if m != nil && n > 0 {
		m.RecordsIngested.WithLabelValues(status).Add(float64(n))
	}
}

// AddOutcomes adds to the outcome-binding counter for one status.
func (m *Metrics) AddOutcomes(status string, n int) {
	if m != nil && n > 0 {
		m.OutcomesBound.WithLabelValues(status).Add(float64(n))
	}
}

// IncAudit records one appended audit entry.
func (m *Metrics) IncAudit(event string) {
	if m != nil {
		m.AuditEntries.WithLabelValues(event).Inc()
	}
}
