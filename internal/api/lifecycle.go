package api

import (
	"fmt"
	"time"
)

// Severity classifies how far a metric sits outside tolerance.
type Severity string

const (
	// SeverityNone means the value is within tolerance. It never appears on
	// an alert; it exists so severity tiers form an ordered scale.
	SeverityNone Severity = "none"
	// SeverityWarning means the value exceeds the threshold by at most 50%.
	SeverityWarning Severity = "warning"
	// SeverityCritical means the value exceeds 1.5x the threshold or the
	// family's hard ceiling.
	SeverityCritical Severity = "critical"
)

// Rank orders severities: none < warning < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityNone:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		panic(fmt.Sprintf("unknown severity %q", s))
	}
}

// AlertStatus is the lifecycle position of a violation alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// CanTransition reports whether the status may move to next. Resolution is
// an external human transition; the engine itself never resolves alerts.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	switch s {
	case AlertActive:
		return next == AlertAcknowledged || next == AlertResolved
	case AlertAcknowledged:
		return next == AlertResolved
	case AlertResolved:
		return false
	default:
		return false
	}
}

// ViolationAlert is raised when significant metric results breach the
// tolerance policy. At most one alert exists per cohort pair per
// evaluation run: Family names the dominant breach, whose value and
// threshold the alert carries, and Contributing lists the other families
// whose results breached for the same cohort in the same run. Every
// contributing result is recoverable through ComputeResultKey with the
// alert's model version, window and cohort.
type ViolationAlert struct {
	AlertID        string         `json:"alert_id"`
	ModelVersion   string         `json:"model_version"`
	Window         Window         `json:"window"`
	Family         MetricFamily   `json:"family"`
	Contributing   []MetricFamily `json:"contributing,omitempty"`
	Cohort         string         `json:"cohort"`
	Reference      string         `json:"reference"`
	ObservedValue  float64        `json:"observed_value"`
	Threshold      float64        `json:"threshold"`
	Severity       Severity       `json:"severity"`
	Informational  bool           `json:"informational"`
	Status         AlertStatus    `json:"status"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StrategyFamily is the closed set of mitigation approaches.
type StrategyFamily string

const (
	// StrategyPreprocessing covers reweighting and resampling plans applied
	// to training data. Always proposed, never applied by the engine.
	StrategyPreprocessing StrategyFamily = "preprocessing"
	// StrategyInprocessing covers constraint-weighted retraining proposals.
	// Always proposed, never applied by the engine.
	StrategyInprocessing StrategyFamily = "inprocessing"
	// StrategyPostprocessing covers per-cohort decision-threshold
	// calibration and score recalibration. The only auto-appliable family.
	StrategyPostprocessing StrategyFamily = "postprocessing"
)

// AutoAppliable reports whether the engine itself may apply the strategy.
func (f StrategyFamily) AutoAppliable() bool {
	return f == StrategyPostprocessing
}

// ActionStatus is the lifecycle position of a mitigation action.
type ActionStatus string

const (
	ActionProposed    ActionStatus = "proposed"
	ActionApplied     ActionStatus = "applied"
	ActionVerified    ActionStatus = "verified"
	ActionIneffective ActionStatus = "ineffective"
)

// MitigationParams carries the concrete knobs of a mitigation action.
// CohortThresholds maps cohort keys to decision thresholds for
// post-processing actions; the other families fill Notes only.
type MitigationParams struct {
	BaseThreshold    float64            `json:"base_threshold,omitempty"`
	CohortThresholds map[string]float64 `json:"cohort_thresholds,omitempty"`
	Notes            string             `json:"notes,omitempty"`
}

// EffectivenessDelta records the metric before and after a mitigation,
// measured on the same held-out window. Deterministic for a fixed window.
type EffectivenessDelta struct {
	Family         MetricFamily `json:"family"`
	Before         float64      `json:"before"`
	After          float64      `json:"after"`
	SeverityBefore Severity     `json:"severity_before"`
	SeverityAfter  Severity     `json:"severity_after"`
}

// Improved reports whether the action cleared the improvement floor: the
// post-mitigation severity must drop at least one tier.
func (d EffectivenessDelta) Improved() bool {
	return d.SeverityAfter.Rank() < d.SeverityBefore.Rank()
}

// MitigationAction is one proposed or applied remediation for a violation.
// Family and Window pin the metric and held-out set the effectiveness delta
// is measured on, so re-measuring a stored action reproduces its delta.
type MitigationAction struct {
	ActionID     string              `json:"action_id"`
	ModelVersion string              `json:"model_version"`
	AlertID      string              `json:"alert_id"`
	Family       MetricFamily        `json:"family"`
	Window       Window              `json:"window"`
	Cohort       string              `json:"cohort"`
	Strategy     StrategyFamily      `json:"strategy"`
	Params       MitigationParams    `json:"params"`
	Status       ActionStatus        `json:"status"`
	Delta        *EffectivenessDelta `json:"delta,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}
